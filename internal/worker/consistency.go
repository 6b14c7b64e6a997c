package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gridclaim/internal/board"
	"github.com/gridclaim/internal/config"
	"github.com/gridclaim/internal/domain"
	"github.com/gridclaim/internal/lifecycle"
	"github.com/gridclaim/internal/scoring"
)

// MoveLog is the durable side of the audit. Implemented by the Postgres
// repository; nil limits audits to in-memory state.
type MoveLog interface {
	MovesForGame(ctx context.Context, gameID string) ([]domain.Move, error)
	LoadTotals(ctx context.Context, windowKey string) (map[string]domain.LeaderboardEntry, error)
}

// RankCache is the realtime side being rebuilt. Implemented by the
// Redis store; nil disables ranking and score refresh.
type RankCache interface {
	SaveScores(ctx context.Context, gameID string, counts map[string]int) error
	ResetRank(ctx context.Context, w domain.Window) error
	BatchSetRanks(ctx context.Context, w domain.Window, cells map[string]int64) error
}

// ConsistencyWorker periodically audits derived state against the move
// log and rebuilds the realtime rankings from durable totals. The move
// log is the source of truth; counters and rankings are caches.
type ConsistencyWorker struct {
	board      *board.Store
	lifecycle  *lifecycle.Manager
	postgres   MoveLog
	redis      RankCache
	aggregator *scoring.Aggregator
	config     *config.ConsistencyConfig
	logger     *slog.Logger
	stopCh     chan struct{}
	doneCh     chan struct{}
	mu         sync.Mutex
	running    bool
}

// NewConsistencyWorker creates a new consistency worker
func NewConsistencyWorker(
	boards *board.Store,
	games *lifecycle.Manager,
	pg MoveLog,
	rd RankCache,
	agg *scoring.Aggregator,
	cfg *config.ConsistencyConfig,
	logger *slog.Logger,
) *ConsistencyWorker {
	return &ConsistencyWorker{
		board:      boards,
		lifecycle:  games,
		postgres:   pg,
		redis:      rd,
		aggregator: agg,
		config:     cfg,
		logger:     logger,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Start begins the background audit process
func (w *ConsistencyWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	w.logger.Info("consistency worker started", "interval", w.config.Interval)

	go w.run(ctx)
	return nil
}

// Stop stops the background audit process
func (w *ConsistencyWorker) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	w.mu.Lock()
	w.running = false
	w.mu.Unlock()

	w.logger.Info("consistency worker stopped")
	return nil
}

// run is the main worker loop
func (w *ConsistencyWorker) run(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.auditAll(ctx)
		}
	}
}

// auditAll runs one full audit cycle over active games and rankings
func (w *ConsistencyWorker) auditAll(ctx context.Context) {
	w.logger.Info("starting consistency cycle")
	startTime := time.Now()

	checked := 0
	repaired := 0
	errorCount := 0

	for _, gameID := range w.lifecycle.Active() {
		checked++
		drift, err := w.AuditGame(ctx, gameID)
		if err != nil {
			w.logger.Error("failed to audit game", "game_id", gameID, "error", err)
			errorCount++
			continue
		}
		if drift {
			repaired++
		}
	}

	if err := w.SyncRankings(ctx); err != nil {
		w.logger.Error("failed to sync rankings", "error", err)
		errorCount++
	}

	duration := time.Since(startTime)
	w.logger.Info("consistency cycle completed",
		"duration", duration,
		"games_checked", checked,
		"games_repaired", repaired,
		"errors", errorCount,
	)
}

// AuditGame verifies a game's per-player counters against its move log
// and rebuilds them from the durable log when they drift. Returns
// whether a repair was performed.
func (w *ConsistencyWorker) AuditGame(ctx context.Context, gameID string) (bool, error) {
	drift, err := w.board.CheckConsistency(gameID)
	if err != nil {
		// The game may have completed between listing and auditing.
		if domain.IsNotFoundError(err) {
			return false, nil
		}
		return false, err
	}
	stale := len(drift) > 0

	// Cross-check against the durable log: a write that reached Postgres
	// but not memory (or the reverse) shows up as a length mismatch even
	// when counters agree with the in-memory grid.
	var moves []domain.Move
	if w.postgres != nil {
		durableMoves, err := w.postgres.MovesForGame(ctx, gameID)
		if err != nil {
			return false, err
		}
		total, err := w.board.TotalMoves(gameID)
		if err != nil {
			if domain.IsNotFoundError(err) {
				return false, nil
			}
			return false, err
		}
		if len(durableMoves) != total {
			stale = true
		}
		moves = durableMoves
	}

	if !stale {
		return false, nil
	}

	w.logger.Warn("state drift detected, rebuilding from move log",
		"game_id", gameID,
		"drifted_users", len(drift),
	)

	if w.postgres == nil {
		// Degraded mode: the in-memory log is the best truth available.
		moves, err = w.board.Moves(gameID)
		if err != nil {
			return false, err
		}
	}

	colors, err := w.lifecycle.Colors(gameID)
	if err != nil {
		return false, err
	}

	if err := w.board.Recompute(gameID, moves, colors); err != nil {
		return false, err
	}

	// Refresh the mirrored score hash so readers see repaired counts.
	if w.redis != nil {
		counts, err := w.board.Counts(gameID)
		if err == nil {
			if err := w.redis.SaveScores(ctx, gameID, counts); err != nil {
				w.logger.Warn("failed to refresh mirrored scores",
					"game_id", gameID, "error", err)
			}
		}
	}

	return true, nil
}

// SyncRankings rebuilds the Redis ranking sets for every window from
// durable Postgres totals. Used each cycle and for startup recovery.
func (w *ConsistencyWorker) SyncRankings(ctx context.Context) error {
	if w.redis == nil || w.postgres == nil {
		return nil
	}

	for _, window := range domain.Windows {
		totals, err := w.postgres.LoadTotals(ctx, w.aggregator.Key(window))
		if err != nil {
			return err
		}
		if len(totals) == 0 {
			continue
		}

		cells := make(map[string]int64, len(totals))
		for userID, entry := range totals {
			cells[userID] = entry.CellsClaimed
		}

		// Full rebuild: clearing first drops members that rolled out of
		// the window since the last cycle.
		if err := w.redis.ResetRank(ctx, window); err != nil {
			return err
		}
		if err := w.redis.BatchSetRanks(ctx, window, cells); err != nil {
			return err
		}

		w.logger.Debug("synced ranking from database",
			"window", window,
			"user_count", len(cells),
		)
	}

	return nil
}

// IsRunning returns whether the worker is currently running
func (w *ConsistencyWorker) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// RunOnce runs a single audit cycle (useful for manual triggers)
func (w *ConsistencyWorker) RunOnce(ctx context.Context) {
	w.auditAll(ctx)
}
