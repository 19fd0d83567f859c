// Package queue delivers approved notifications asynchronously.
//
// Jobs are ordered by message-type priority (lower runs sooner, FIFO within
// a priority) and processed by a fixed pool of workers. Each job is retried
// with exponential backoff; when it finally succeeds or gives up, the
// outcome is recorded exactly once. Jobs that give up go to the dead-letter
// hook.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/tbourn/notify-gate/internal/domain"
	"github.com/tbourn/notify-gate/internal/services"
)

var (
	// ErrNotApproved is returned when enqueuing a rejected decision.
	ErrNotApproved = errors.New("queue: decision is not approved")
	// ErrClosed is returned when enqueuing after Close.
	ErrClosed = errors.New("queue: closed")
)

// Job is one approved message awaiting delivery.
type Job struct {
	ID         string
	DecisionID string
	Request    services.EvaluateRequest
	Priority   int
	EnqueuedAt time.Time
	// Attempts is filled in once the job finishes.
	Attempts int

	seq   uint64
	index int
}

// Sender is the delivery collaborator.
type Sender interface {
	Send(ctx context.Context, job Job) error
}

// OutcomeRecorder receives the final delivery state of every job.
type OutcomeRecorder interface {
	RecordOutcome(ctx context.Context, req services.OutcomeRequest) (*domain.MessageRecord, error)
}

// DeadLetterFunc is called with jobs that exhausted their retries.
type DeadLetterFunc func(ctx context.Context, job Job, err error)

// Permanent marks a send error as not worth retrying.
func Permanent(err error) error { return backoff.Permanent(err) }

// Config tunes the worker pool and retry policy.
type Config struct {
	Workers        int
	MaxAttempts    uint
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Queue is a priority queue with a worker pool.
type Queue struct {
	cfg        Config
	sender     Sender
	recorder   OutcomeRecorder
	deadLetter DeadLetterFunc

	mu      sync.Mutex
	items   jobHeap
	seq     uint64
	closed  bool
	wake    chan struct{}
	closing chan struct{}
}

// New builds a queue. deadLetter may be nil.
func New(cfg Config, sender Sender, recorder OutcomeRecorder, deadLetter DeadLetterFunc) *Queue {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	return &Queue{
		cfg:        cfg,
		sender:     sender,
		recorder:   recorder,
		deadLetter: deadLetter,
		wake:       make(chan struct{}, 1),
		closing:    make(chan struct{}),
	}
}

// PriorityOf ranks message types: first-contact messages go out before
// status updates, reminders last.
func PriorityOf(t domain.MessageType) int {
	switch t {
	case domain.TypeWelcome:
		return 0
	case domain.TypeConfirmation, domain.TypeFabricWelcome:
		return 1
	case domain.TypeReady, domain.TypeDelivery, domain.TypeFabricPurchase:
		return 2
	default:
		return 3
	}
}

// Enqueue accepts an approved decision for delivery.
func (q *Queue) Enqueue(dec domain.Decision, req services.EvaluateRequest) (Job, error) {
	if !dec.Allowed {
		return Job{}, ErrNotApproved
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return Job{}, ErrClosed
	}
	q.seq++
	j := &Job{
		ID:         uuid.NewString(),
		DecisionID: dec.DecisionID,
		Request:    req,
		Priority:   PriorityOf(domain.ParseMessageType(string(req.MessageType))),
		EnqueuedAt: time.Now().UTC(),
		seq:        q.seq,
	}
	heap.Push(&q.items, j)
	q.mu.Unlock()

	q.signal()
	return *j, nil
}

// Len returns the number of jobs waiting.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Close stops accepting jobs. Workers drain what is queued and then exit.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.closing)
	}
}

// Run starts the workers and blocks until ctx is done or the queue is
// closed and drained.
func (q *Queue) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < q.cfg.Workers; i++ {
		worker := i
		g.Go(func() error {
			q.work(gctx, worker)
			return nil
		})
	}
	return g.Wait()
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) pop() (*Job, bool, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.items.Len() == 0 {
		return nil, false, q.closed
	}
	j := heap.Pop(&q.items).(*Job)
	more := q.items.Len() > 0
	if more {
		q.signal()
	}
	return j, true, q.closed
}

func (q *Queue) work(ctx context.Context, worker int) {
	for {
		j, ok, closed := q.pop()
		if ok {
			q.process(ctx, worker, *j)
			continue
		}
		if closed {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-q.closing:
		case <-q.wake:
		}
	}
}

func (q *Queue) process(ctx context.Context, worker int, j Job) {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = q.cfg.InitialBackoff
	exp.MaxInterval = q.cfg.MaxBackoff

	attempts := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		return struct{}{}, q.sender.Send(ctx, j)
	},
		backoff.WithBackOff(exp),
		backoff.WithMaxTries(q.cfg.MaxAttempts),
		backoff.WithNotify(func(err error, wait time.Duration) {
			log.Warn().Err(err).Str("job_id", j.ID).Dur("retry_in", wait).Msg("send failed, retrying")
		}),
	)
	j.Attempts = attempts

	out := services.OutcomeRequest{
		RecipientID: j.Request.RecipientID,
		OrderID:     j.Request.OrderID,
		MessageType: j.Request.MessageType,
		Content:     j.Request.Content,
		Succeeded:   err == nil,
	}
	if err != nil {
		out.ErrorDetail = err.Error()
	}

	// The outcome must be recorded even when ctx was canceled mid-retry.
	rctx := context.WithoutCancel(ctx)
	if _, rerr := q.recorder.RecordOutcome(rctx, out); rerr != nil {
		log.Error().Err(rerr).Str("job_id", j.ID).Msg("record outcome")
	}

	if err != nil {
		log.Error().Err(err).Str("job_id", j.ID).Int("worker", worker).Int("attempts", attempts).Msg("job dead-lettered")
		if q.deadLetter != nil {
			q.deadLetter(rctx, j, err)
		}
		return
	}
	log.Info().Str("job_id", j.ID).Str("decision_id", j.DecisionID).Int("attempts", attempts).Msg("job delivered")
}

// jobHeap implements heap.Interface ordered by (Priority, seq).
type jobHeap []*Job

func (h jobHeap) Len() int { return len(h) }
func (h jobHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	return h[i].seq < h[j].seq
}
func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *jobHeap) Push(x any) {
	j := x.(*Job)
	j.index = len(*h)
	*h = append(*h, j)
}
func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	j := old[n-1]
	old[n-1] = nil
	j.index = -1
	*h = old[:n-1]
	return j
}
