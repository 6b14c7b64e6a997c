// Package scoring folds committed game results into rolling leaderboard
// windows. Commits are idempotent per game: replaying a result never
// double-counts.
package scoring

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gridclaim/internal/domain"
)

// Store durably records commits and totals. Implemented by the Postgres
// repository; nil disables durability (tests, degraded mode).
type Store interface {
	// RecordResult marks a result as committed. It returns
	// domain.ErrDuplicateResultCommit when the game was already committed.
	RecordResult(ctx context.Context, result *domain.GameResult) error
	// ApplyTotals folds one participant's deltas into a window's totals.
	ApplyTotals(ctx context.Context, windowKey, userID string, delta domain.LeaderboardEntry) error
	// LoadTotals returns every persisted total for a window key.
	LoadTotals(ctx context.Context, windowKey string) (map[string]domain.LeaderboardEntry, error)
}

// RankSink mirrors cell totals into a realtime ranking structure.
// Implemented by the Redis store; nil disables mirroring.
type RankSink interface {
	IncrementRank(ctx context.Context, window domain.Window, userID string, cells int64) error
}

// Aggregator owns the rolling leaderboard state. It is initialized from
// persisted totals at startup and mutated only through CommitResult.
type Aggregator struct {
	// commitMu serializes commits so the applied check and the apply are
	// atomic even when two workers race on the same result.
	commitMu sync.Mutex

	mu      sync.RWMutex
	windows map[string]map[string]*domain.LeaderboardEntry
	applied map[string]struct{}

	store  Store
	sink   RankSink
	logger *slog.Logger

	results chan *domain.GameResult
	stopCh  chan struct{}
	doneCh  chan struct{}
	runMu   sync.Mutex
	running bool

	now func() time.Time
}

// NewAggregator creates an aggregator. store and sink may be nil.
func NewAggregator(store Store, sink RankSink, logger *slog.Logger) *Aggregator {
	return &Aggregator{
		windows: make(map[string]map[string]*domain.LeaderboardEntry),
		applied: make(map[string]struct{}),
		store:   store,
		sink:    sink,
		logger:  logger,
		results: make(chan *domain.GameResult, 256),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
		now:     time.Now,
	}
}

// Key returns the stamped storage key for a window at the current time.
// Daily and weekly windows roll with the calendar; alltime never rolls.
func (a *Aggregator) Key(w domain.Window) string {
	return windowKey(w, a.now().UTC())
}

func windowKey(w domain.Window, now time.Time) string {
	switch w {
	case domain.WindowDaily:
		return fmt.Sprintf("leaderboard:daily:%s", now.Format("2006-01-02"))
	case domain.WindowWeekly:
		year, week := now.ISOWeek()
		return fmt.Sprintf("leaderboard:weekly:%d-W%02d", year, week)
	default:
		return "leaderboard:alltime"
	}
}

// CommitResult applies a game result to every rolling window exactly
// once. A second commit for the same game returns
// domain.ErrDuplicateResultCommit and changes nothing.
func (a *Aggregator) CommitResult(ctx context.Context, result *domain.GameResult) error {
	if result == nil || result.GameID == "" {
		return domain.ErrInvalidRequest
	}

	a.commitMu.Lock()
	defer a.commitMu.Unlock()

	a.mu.RLock()
	_, done := a.applied[result.GameID]
	a.mu.RUnlock()
	if done {
		return domain.ErrDuplicateResultCommit
	}

	// The durable marker is written first: if this process crashes after
	// the insert, a restart reloads totals that already include nothing,
	// and the replayed commit is rejected here instead of double-counted.
	if a.store != nil {
		if err := a.store.RecordResult(ctx, result); err != nil {
			if errors.Is(err, domain.ErrDuplicateResultCommit) {
				a.mu.Lock()
				a.applied[result.GameID] = struct{}{}
				a.mu.Unlock()
				return domain.ErrDuplicateResultCommit
			}
			return fmt.Errorf("recording result: %w", err)
		}
	}

	now := a.now().UTC()

	a.mu.Lock()
	for userID, cells := range result.Scores {
		won := result.WinnerID != nil && *result.WinnerID == userID
		for _, w := range domain.Windows {
			key := windowKey(w, now)
			entry := a.entryLocked(key, userID)
			entry.GamesPlayed++
			entry.CellsClaimed += int64(cells)
			if won {
				entry.Wins++
			}
		}
	}
	a.applied[result.GameID] = struct{}{}
	a.evictRolledLocked(now)
	a.mu.Unlock()

	for userID, cells := range result.Scores {
		won := result.WinnerID != nil && *result.WinnerID == userID
		delta := domain.LeaderboardEntry{
			GamesPlayed:  1,
			CellsClaimed: int64(cells),
		}
		if won {
			delta.Wins = 1
		}
		for _, w := range domain.Windows {
			if a.store != nil {
				if err := a.store.ApplyTotals(ctx, windowKey(w, now), userID, delta); err != nil {
					a.logger.Warn("persisting leaderboard totals failed",
						"window", w, "user_id", userID, "error", err)
				}
			}
			if a.sink != nil {
				if err := a.sink.IncrementRank(ctx, w, userID, int64(cells)); err != nil {
					a.logger.Warn("mirroring rank failed",
						"window", w, "user_id", userID, "error", err)
				}
			}
		}
	}

	a.logger.Info("game result committed",
		"game_id", result.GameID, "players", len(result.Scores),
		"total_moves", result.TotalMoves)
	return nil
}

// maxApplied bounds the in-memory duplicate-check set. Overflow falls
// back on the durable game_results primary key, which still rejects
// replays.
const maxApplied = 1 << 16

// evictRolledLocked drops stamped windows that are no longer current.
// Their totals stay in the durable store; only the in-memory working set
// is trimmed. Caller holds a.mu.
func (a *Aggregator) evictRolledLocked(now time.Time) {
	current := make(map[string]struct{}, len(domain.Windows))
	for _, w := range domain.Windows {
		current[windowKey(w, now)] = struct{}{}
	}
	for key := range a.windows {
		if _, ok := current[key]; !ok {
			delete(a.windows, key)
		}
	}

	if len(a.applied) > maxApplied {
		a.applied = make(map[string]struct{})
	}
}

func (a *Aggregator) entryLocked(key, userID string) *domain.LeaderboardEntry {
	window, ok := a.windows[key]
	if !ok {
		window = make(map[string]*domain.LeaderboardEntry)
		a.windows[key] = window
	}
	entry, ok := window[userID]
	if !ok {
		entry = &domain.LeaderboardEntry{UserID: userID}
		window[userID] = entry
	}
	return entry
}

// Top returns the n highest-ranked entries for a window by the given
// metric, ranks filled 1-indexed.
func (a *Aggregator) Top(w domain.Window, metric domain.Metric, n int) []domain.LeaderboardEntry {
	key := a.Key(w)

	a.mu.RLock()
	window := a.windows[key]
	entries := make([]domain.LeaderboardEntry, 0, len(window))
	for _, e := range window {
		entries = append(entries, *e)
	}
	a.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		var vi, vj int64
		switch metric {
		case domain.MetricWins:
			vi, vj = entries[i].Wins, entries[j].Wins
		default:
			vi, vj = entries[i].CellsClaimed, entries[j].CellsClaimed
		}
		if vi != vj {
			return vi > vj
		}
		return entries[i].UserID < entries[j].UserID
	})

	if n > 0 && len(entries) > n {
		entries = entries[:n]
	}
	for i := range entries {
		entries[i].Rank = int64(i + 1)
	}
	return entries
}

// LoadPersisted restores the current windows from the durable store.
// Called once at startup, before any commit.
func (a *Aggregator) LoadPersisted(ctx context.Context) error {
	if a.store == nil {
		return nil
	}

	for _, w := range domain.Windows {
		key := a.Key(w)
		totals, err := a.store.LoadTotals(ctx, key)
		if err != nil {
			return fmt.Errorf("loading totals for %s: %w", key, err)
		}

		a.mu.Lock()
		window := make(map[string]*domain.LeaderboardEntry, len(totals))
		for userID, e := range totals {
			entry := e
			entry.UserID = userID
			window[userID] = &entry
		}
		a.windows[key] = window
		a.mu.Unlock()
	}
	return nil
}

// Submit queues a result for asynchronous commit. Bounded-delay eventual
// consistency is acceptable here; the commit itself stays idempotent.
func (a *Aggregator) Submit(result *domain.GameResult) {
	select {
	case a.results <- result:
	default:
		// Queue full: commit inline rather than drop the result.
		if err := a.CommitResult(context.Background(), result); err != nil &&
			!errors.Is(err, domain.ErrDuplicateResultCommit) {
			a.logger.Error("inline result commit failed",
				"game_id", result.GameID, "error", err)
		}
	}
}

// Start launches the background commit loop.
func (a *Aggregator) Start(ctx context.Context) {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return
	}
	a.running = true
	a.runMu.Unlock()

	go a.run(ctx)
	a.logger.Info("scoring aggregator started")
}

// Stop drains the queue and stops the background loop.
func (a *Aggregator) Stop() {
	a.runMu.Lock()
	if !a.running {
		a.runMu.Unlock()
		return
	}
	a.running = false
	a.runMu.Unlock()

	close(a.stopCh)
	<-a.doneCh
	a.logger.Info("scoring aggregator stopped")
}

func (a *Aggregator) run(ctx context.Context) {
	defer close(a.doneCh)

	commit := func(result *domain.GameResult) {
		if err := a.CommitResult(ctx, result); err != nil &&
			!errors.Is(err, domain.ErrDuplicateResultCommit) {
			a.logger.Error("result commit failed",
				"game_id", result.GameID, "error", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.stopCh:
			for {
				select {
				case result := <-a.results:
					commit(result)
				default:
					return
				}
			}
		case result := <-a.results:
			commit(result)
		}
	}
}
