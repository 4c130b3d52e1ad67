package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/alanyoungcy/ward/internal/domain"
	"github.com/alanyoungcy/ward/internal/metrics"
)

// SweeperConfig tunes the periodic maintenance loop.
type SweeperConfig struct {
	Interval     time.Duration
	AutoFinish   bool
	ArchiveAfter time.Duration
	BatchSize    int
}

// SweepReport summarizes one sweep.
type SweepReport struct {
	PoliciesExpired  int   `json:"policies_expired"`
	EscrowsOpen      int   `json:"escrows_open"`
	EscrowsReady     int   `json:"escrows_finishable"`
	EscrowsFinished  int   `json:"escrows_finished"`
	ClaimsArchived   int64 `json:"claims_archived"`
	DefaultsArchived int64 `json:"defaults_archived"`
	Errors           int   `json:"errors"`
}

// Sweeper expires lapsed policies, watches open escrows for the end of the
// dispute window and copies settled history to cold storage.
type Sweeper struct {
	policies *PolicyService
	escrows  *EscrowController
	archiver domain.Archiver
	events   *EventPublisher
	metrics  *metrics.Metrics
	cfg      SweeperConfig
	now      Clock
	logger   *slog.Logger

	notified     map[string]bool
	lastArchived time.Time
}

// NewSweeper creates a Sweeper. archiver may be nil.
func NewSweeper(
	policies *PolicyService,
	escrows *EscrowController,
	archiver domain.Archiver,
	events *EventPublisher,
	m *metrics.Metrics,
	cfg SweeperConfig,
	now Clock,
	logger *slog.Logger,
) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	return &Sweeper{
		policies: policies,
		escrows:  escrows,
		archiver: archiver,
		events:   events,
		metrics:  m,
		cfg:      cfg,
		now:      now.orDefault(),
		logger:   logger,
		notified: make(map[string]bool),
	}
}

// Run sweeps every Interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.logger.InfoContext(ctx, "sweeper: started", slog.Duration("interval", s.cfg.Interval))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r := s.Sweep(ctx)
			if r.PoliciesExpired > 0 || r.EscrowsFinished > 0 || r.Errors > 0 {
				s.logger.InfoContext(ctx, "sweeper: sweep done",
					slog.Int("policies_expired", r.PoliciesExpired),
					slog.Int("escrows_open", r.EscrowsOpen),
					slog.Int("escrows_finished", r.EscrowsFinished),
					slog.Int("errors", r.Errors),
				)
			}
		}
	}
}

// Sweep runs one maintenance pass. Failures are logged and counted; one
// failing step does not stop the others.
func (s *Sweeper) Sweep(ctx context.Context) SweepReport {
	var r SweepReport
	now := s.now().UTC()

	if s.policies != nil {
		n, err := s.policies.ExpirePolicies(ctx, now, s.cfg.BatchSize)
		r.PoliciesExpired = n
		if err != nil {
			r.Errors++
			s.logger.ErrorContext(ctx, "sweeper: expire policies", slog.String("error", err.Error()))
		}
	}

	if s.escrows != nil {
		s.sweepEscrows(ctx, &r)
	}

	if s.archiver != nil && s.cfg.ArchiveAfter > 0 && now.Sub(s.lastArchived) >= 24*time.Hour {
		s.archive(ctx, now, &r)
	}
	return r
}

func (s *Sweeper) sweepEscrows(ctx context.Context, r *SweepReport) {
	open, err := s.escrows.ListOpen(ctx, s.cfg.BatchSize)
	if err != nil {
		r.Errors++
		s.logger.ErrorContext(ctx, "sweeper: list open escrows", slog.String("error", err.Error()))
		return
	}
	r.EscrowsOpen = len(open)
	s.metrics.OpenEscrows(len(open))

	live := make(map[string]bool, len(open))
	for _, v := range open {
		live[v.ClaimID] = true
		if !v.CanFinish {
			continue
		}
		r.EscrowsReady++

		if s.cfg.AutoFinish {
			if _, err := s.escrows.FinishEscrow(ctx, v.ClaimID); err != nil {
				r.Errors++
				s.logger.WarnContext(ctx, "sweeper: auto finish failed",
					slog.String("claim_id", v.ClaimID),
					slog.String("error", err.Error()),
				)
				continue
			}
			r.EscrowsFinished++
			continue
		}

		if s.notified[v.ClaimID] {
			continue
		}
		s.notified[v.ClaimID] = true
		s.events.Publish(ctx, domain.ChannelEscrows, domain.LifecycleEvent{
			Type:    domain.EventEscrowReady,
			ClaimID: v.ClaimID,
			PoolID:  v.PoolID,
			Status:  string(v.Status),
			Amount:  v.Amount,
			TxHash:  v.CreateTxHash,
		})
	}
	for id := range s.notified {
		if !live[id] {
			delete(s.notified, id)
		}
	}
}

func (s *Sweeper) archive(ctx context.Context, now time.Time, r *SweepReport) {
	before := now.Add(-s.cfg.ArchiveAfter)
	failed := false

	n, err := s.archiver.ArchiveClaims(ctx, before)
	if err != nil {
		failed = true
		r.Errors++
		s.logger.ErrorContext(ctx, "sweeper: archive claims", slog.String("error", err.Error()))
	}
	r.ClaimsArchived = n

	n, err = s.archiver.ArchiveDefaults(ctx, before)
	if err != nil {
		failed = true
		r.Errors++
		s.logger.ErrorContext(ctx, "sweeper: archive defaults", slog.String("error", err.Error()))
	}
	r.DefaultsArchived = n

	if !failed {
		s.lastArchived = now
		s.logger.InfoContext(ctx, "sweeper: archived history",
			slog.Time("before", before),
			slog.Int64("claims", r.ClaimsArchived),
			slog.Int64("defaults", r.DefaultsArchived),
		)
	}
}
