package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/notify-gate/internal/domain"
	"github.com/tbourn/notify-gate/internal/http/middleware"
	"github.com/tbourn/notify-gate/internal/queue"
	"github.com/tbourn/notify-gate/internal/services"
	"github.com/tbourn/notify-gate/internal/utils"
)

//
// Service contracts (context-aware)
//

// Evaluator decides whether a candidate message may be sent.
type Evaluator interface {
	Evaluate(ctx context.Context, req services.EvaluateRequest) domain.Decision
}

// OutcomeRecorder stores delivery outcomes, replaying on a repeated key.
type OutcomeRecorder interface {
	RecordOutcomeOnce(ctx context.Context, idemKey string, req services.OutcomeRequest) (*domain.MessageRecord, bool, error)
}

// Enqueuer hands approved messages to the delivery queue.
type Enqueuer interface {
	Enqueue(dec domain.Decision, req services.EvaluateRequest) (queue.Job, error)
}

// GateControl exposes the startup gate and kill switch.
type GateControl interface {
	KillSwitchActive(ctx context.Context) (bool, error)
	State(ctx context.Context) (domain.GateState, error)
	GraceRemaining(ctx context.Context) time.Duration
	Activate(ctx context.Context, reason, actor string) error
	Deactivate(ctx context.Context, actor string) error
}

// LedgerReader serves ledger and audit views.
type LedgerReader interface {
	RecipientPage(ctx context.Context, recipientID string, page, pageSize int) ([]domain.MessageRecord, int64, error)
	Events(ctx context.Context, eventType, recipientID string, limit int) ([]domain.SystemEvent, error)
}

// Deps lists the collaborators of Handlers. Queue may be nil, in which case
// enqueue requests are refused.
type Deps struct {
	Gate     Evaluator
	Recorder OutcomeRecorder
	Queue    Enqueuer
	Control  GateControl
	Ledger   LedgerReader
}

// Handlers groups the gate's HTTP endpoints.
type Handlers struct {
	d Deps
}

// New binds handlers to their collaborators.
func New(d Deps) *Handlers { return &Handlers{d: d} }

// actor names the caller in audit events.
func actor(c *gin.Context) string {
	if op := middleware.OperatorFrom(c); op != "" {
		return op
	}
	return "http"
}

//
// DTOs
//

// DecisionRequest is the body of POST /decisions. With Enqueue set, an
// approved message is handed to the delivery queue in the same call.
type DecisionRequest struct {
	services.EvaluateRequest
	Enqueue bool `json:"enqueue"`
}

// DecisionResponse is the gate's decision plus the queued job, if any.
type DecisionResponse struct {
	domain.Decision
	JobID string `json:"job_id,omitempty"`
}

// OutcomeResponse wraps the ledger row produced by an outcome.
type OutcomeResponse struct {
	Record   *domain.MessageRecord `json:"record"`
	Replayed bool                  `json:"replayed"`
}

// StateResponse describes the startup gate.
type StateResponse struct {
	State            domain.GateState `json:"state"`
	KillSwitch       bool             `json:"kill_switch"`
	GraceRemainingMs int64            `json:"grace_remaining_ms"`
}

// KillSwitchRequest is the body of PUT /kill-switch.
type KillSwitchRequest struct {
	Active *bool  `json:"active" binding:"required"`
	Reason string `json:"reason" binding:"max=512"`
}

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

// MessagesResponse is a page of a recipient's ledger.
type MessagesResponse struct {
	Messages   []domain.MessageRecord `json:"messages"`
	Pagination Pagination             `json:"pagination"`
}

// EventsResponse lists audit events, newest first.
type EventsResponse struct {
	Events []domain.SystemEvent `json:"events"`
}

//
// Helpers
//

// clampPagination bounds page and page_size query params.
func clampPagination(c *gin.Context) (page, pageSize int) {
	const (
		defaultPageSize = 20
		maxPageSize     = 100
	)
	return utils.Page(
		utils.AtoiDefault(c.Query("page"), 1),
		utils.AtoiDefault(c.Query("page_size"), defaultPageSize),
		defaultPageSize, maxPageSize,
	)
}

func (h *Handlers) stateOf(ctx context.Context) (StateResponse, error) {
	st, err := h.d.Control.State(ctx)
	if err != nil {
		return StateResponse{}, err
	}
	on, err := h.d.Control.KillSwitchActive(ctx)
	if err != nil {
		return StateResponse{}, err
	}
	return StateResponse{
		State:            st,
		KillSwitch:       on,
		GraceRemainingMs: h.d.Control.GraceRemaining(ctx).Milliseconds(),
	}, nil
}

//
// Handlers
//

// Decide handles POST /decisions. Rejections are 200 responses with
// allowed=false; only malformed JSON and enqueue failures are errors.
func (h *Handlers) Decide(c *gin.Context) {
	var req DecisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}

	dec := h.d.Gate.Evaluate(c.Request.Context(), req.EvaluateRequest)
	resp := DecisionResponse{Decision: dec}

	if req.Enqueue && dec.Allowed {
		if h.d.Queue == nil {
			fail(c, http.StatusServiceUnavailable, ErrCodeQueueUnavailable, "delivery queue is not configured")
			return
		}
		job, err := h.d.Queue.Enqueue(dec, req.EvaluateRequest)
		if err != nil {
			fail(c, http.StatusServiceUnavailable, ErrCodeQueueUnavailable, err.Error())
			return
		}
		resp.JobID = job.ID
	}
	ok(c, http.StatusOK, resp)
}

// RecordOutcome handles POST /outcomes. A repeated Idempotency-Key returns
// the original row with 200; a fresh outcome returns 201.
func (h *Handlers) RecordOutcome(c *gin.Context) {
	var req services.OutcomeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	key, _ := middleware.GetIdempotencyKey(c)

	rec, replayed, err := h.d.Recorder.RecordOutcomeOnce(c.Request.Context(), key, req)
	switch {
	case errors.Is(err, services.ErrInvalidOutcome):
		fail(c, http.StatusBadRequest, ErrCodeInvalidOutcome, err.Error())
		return
	case errors.Is(err, services.ErrDuplicateSend):
		fail(c, http.StatusConflict, ErrCodeDuplicateSend, err.Error())
		return
	case err != nil:
		fail(c, http.StatusInternalServerError, ErrCodeRecordFailed, "could not record outcome")
		return
	}

	status := http.StatusCreated
	if replayed {
		c.Header("Idempotent-Replay", "true")
		status = http.StatusOK
	}
	ok(c, status, OutcomeResponse{Record: rec, Replayed: replayed})
}

// GetState handles GET /state and GET /kill-switch.
func (h *Handlers) GetState(c *gin.Context) {
	st, err := h.stateOf(c.Request.Context())
	if err != nil {
		fail(c, http.StatusServiceUnavailable, ErrCodeStoreUnavailable, "cannot read gate state")
		return
	}
	ok(c, http.StatusOK, st)
}

// SetKillSwitch handles PUT /kill-switch. Turning it off while KILL_SWITCH
// forces it on is a 409.
func (h *Handlers) SetKillSwitch(c *gin.Context) {
	var req KillSwitchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "body must be {\"active\": bool, \"reason\": string}")
		return
	}
	ctx := c.Request.Context()

	var err error
	if *req.Active {
		reason := strings.TrimSpace(req.Reason)
		if reason == "" {
			reason = "activated via API"
		}
		err = h.d.Control.Activate(ctx, reason, actor(c))
	} else {
		err = h.d.Control.Deactivate(ctx, actor(c))
	}
	if err != nil {
		fail(c, http.StatusServiceUnavailable, ErrCodeStoreUnavailable, "cannot update kill switch")
		return
	}

	st, err := h.stateOf(ctx)
	if err != nil {
		fail(c, http.StatusServiceUnavailable, ErrCodeStoreUnavailable, "cannot read gate state")
		return
	}
	if !*req.Active && st.KillSwitch {
		fail(c, http.StatusConflict, ErrCodeConflict, "kill switch is forced on by configuration")
		return
	}
	ok(c, http.StatusOK, st)
}

// ListMessages handles GET /recipients/:id/messages.
func (h *Handlers) ListMessages(c *gin.Context) {
	recipient := strings.TrimSpace(c.Param("id"))
	if recipient == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "recipient id is required")
		return
	}
	page, size := clampPagination(c)

	items, total, err := h.d.Ledger.RecipientPage(c.Request.Context(), recipient, page, size)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, "could not list messages")
		return
	}
	pages := utils.TotalPages(total, size)
	ok(c, http.StatusOK, MessagesResponse{
		Messages: items,
		Pagination: Pagination{
			Page:       page,
			PageSize:   size,
			Total:      total,
			TotalPages: pages,
			HasNext:    page < pages,
		},
	})
}

// ListEvents handles GET /events?type=&recipient=&limit=.
func (h *Handlers) ListEvents(c *gin.Context) {
	limit := utils.Clamp(utils.AtoiDefault(c.Query("limit"), 50), 1, 500)

	evs, err := h.d.Ledger.Events(c.Request.Context(), c.Query("type"), c.Query("recipient"), limit)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, "could not list events")
		return
	}
	if evs == nil {
		evs = []domain.SystemEvent{}
	}
	ok(c, http.StatusOK, EventsResponse{Events: evs})
}
