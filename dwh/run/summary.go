package run

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/makadata/bankdwh/lib/config"
)

type EntityKind string

const (
	KindDimension EntityKind = "dimension"
	KindFact      EntityKind = "fact"
	KindFraud     EntityKind = "fraud"
)

type EntityOutcome struct {
	Entity     string
	Kind       EntityKind
	Inserted   int
	Closed     int
	Unchanged  int
	Skipped    int
	Duplicates int
	Err        error
}

// Summary aggregates per-entity outcomes for one coordinated run. Outcomes
// arrive concurrently from the dimension merges.
type Summary struct {
	RunID      uuid.UUID
	Mode       config.RunMode
	StartedAt  time.Time
	FinishedAt time.Time

	mu       sync.Mutex
	outcomes []EntityOutcome
}

func NewSummary(mode config.RunMode) *Summary {
	return &Summary{
		RunID:     uuid.New(),
		Mode:      mode,
		StartedAt: time.Now(),
	}
}

func (s *Summary) Record(outcome EntityOutcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes = append(s.outcomes, outcome)
}

func (s *Summary) Outcomes() []EntityOutcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]EntityOutcome, len(s.outcomes))
	copy(out, s.outcomes)
	return out
}

// Failed reports whether any entity failed. A single failed entity fails the
// run overall even though the other entities' commits stand.
func (s *Summary) Failed() bool {
	for _, outcome := range s.Outcomes() {
		if outcome.Err != nil {
			return true
		}
	}
	return false
}

func (s *Summary) ExitCode() int {
	if s.Failed() {
		return 1
	}
	return 0
}

func (s *Summary) Log(logger *slog.Logger) {
	for _, outcome := range s.Outcomes() {
		attrs := []any{
			slog.String("runID", s.RunID.String()),
			slog.String("entity", outcome.Entity),
			slog.String("kind", string(outcome.Kind)),
			slog.Int("inserted", outcome.Inserted),
			slog.Int("closed", outcome.Closed),
			slog.Int("unchanged", outcome.Unchanged),
			slog.Int("skipped", outcome.Skipped),
			slog.Int("duplicates", outcome.Duplicates),
		}

		if outcome.Err != nil {
			logger.Error("Entity failed", append(attrs, slog.Any("err", outcome.Err))...)
		} else {
			logger.Info("Entity processed", attrs...)
		}
	}

	logger.Info("Run finished",
		slog.String("runID", s.RunID.String()),
		slog.String("mode", string(s.Mode)),
		slog.Duration("took", s.FinishedAt.Sub(s.StartedAt)),
		slog.Bool("failed", s.Failed()),
	)
}
