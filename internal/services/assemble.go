package services

import (
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/notify-gate/internal/clock"
	"github.com/tbourn/notify-gate/internal/rules"
)

// Settings carries the tunables needed to assemble a gate.
type Settings struct {
	GracePeriod         time.Duration
	KillSwitch          bool
	HourlyLimit         int
	DailyLimit          int
	SimilarityThreshold float64
	DuplicateWindow     time.Duration
	Hours               BusinessHours
	EvaluateTimeout     time.Duration
	InFlightTTL         time.Duration
	ReceiptTTL          time.Duration
	// Catalog defaults to rules.DefaultCatalog().
	Catalog rules.Catalog
}

// Assemble wires a SafetyGate and its Recorder over one store. The start
// of the grace period is the moment Assemble is called. markers may be nil.
func Assemble(db *gorm.DB, clk clock.Clock, markers MarkerStore, s Settings) (*SafetyGate, *Recorder) {
	cat := s.Catalog
	if cat == nil {
		cat = rules.DefaultCatalog()
	}
	locks := NewKeyLocks(s.InFlightTTL)
	breaker := &CircuitBreaker{DB: db, Clock: clk, HourlyLimit: s.HourlyLimit, DailyLimit: s.DailyLimit}

	gate := &SafetyGate{
		DB:      db,
		Clock:   clk,
		Startup: NewStartupGate(db, clk, s.GracePeriod, s.KillSwitch),
		Hours:   s.Hours,
		Rules:   &rules.Checker{Catalog: cat, Source: LedgerHistory{DB: db}, Clock: clk},
		Duplicates: &DuplicateDetector{
			DB: db, Markers: markers, Clock: clk, Window: s.DuplicateWindow,
		},
		Breaker: breaker,
		Similarity: &SimilarityGuard{
			DB: db, Clock: clk, Threshold: s.SimilarityThreshold, Window: s.DuplicateWindow,
		},
		Locks:   locks,
		Timeout: s.EvaluateTimeout,
	}
	rec := &Recorder{
		DB:         db,
		Clock:      clk,
		Breaker:    breaker,
		Markers:    markers,
		Locks:      locks,
		ReceiptTTL: s.ReceiptTTL,
	}
	return gate, rec
}
