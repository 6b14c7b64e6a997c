package worker

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/gridclaim/internal/board"
	"github.com/gridclaim/internal/config"
	"github.com/gridclaim/internal/domain"
	"github.com/gridclaim/internal/lifecycle"
	"github.com/gridclaim/internal/scoring"
)

func newTestWorker(t *testing.T) (*ConsistencyWorker, *board.Store, *lifecycle.Manager) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	cfg := config.DefaultConfig()
	boards := board.NewStore(board.FirstClaimWins{}, nil, logger)
	games := lifecycle.NewManager(&cfg.Game, logger)
	agg := scoring.NewAggregator(nil, nil, logger)

	w := NewConsistencyWorker(boards, games, nil, nil, agg, &cfg.Consistency, logger)
	return w, boards, games
}

func TestAuditGameNoDrift(t *testing.T) {
	w, boards, games := newTestWorker(t)

	game, err := games.Create(lifecycle.CreateParams{CreatorID: "alice"})
	if err != nil {
		t.Fatal(err)
	}
	boards.Create(game.ID, game.BoardSize)
	games.Join(game.ID, "bob")
	games.Start(game.ID, "alice")

	if _, _, err := boards.Claim(context.Background(), game.ID, 0, 0, "alice", "#e6194b"); err != nil {
		t.Fatal(err)
	}

	repaired, err := w.AuditGame(context.Background(), game.ID)
	if err != nil {
		t.Fatal(err)
	}
	if repaired {
		t.Fatal("consistent game reported as repaired")
	}
}

func TestAuditGameVanishedGame(t *testing.T) {
	w, _, _ := newTestWorker(t)

	// A game completing between listing and auditing is not an error.
	repaired, err := w.AuditGame(context.Background(), "gone")
	if err != nil {
		t.Fatalf("vanished game: %v", err)
	}
	if repaired {
		t.Fatal("vanished game reported as repaired")
	}
}

func TestSyncRankingsWithoutStores(t *testing.T) {
	w, _, _ := newTestWorker(t)
	if err := w.SyncRankings(context.Background()); err != nil {
		t.Fatalf("degraded sync: %v", err)
	}
}

func TestStartStop(t *testing.T) {
	w, _, _ := newTestWorker(t)
	w.config.Interval = 10 * time.Millisecond

	ctx := context.Background()
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if !w.IsRunning() {
		t.Fatal("worker not running after Start")
	}

	// Let a cycle or two fire against an empty manager.
	time.Sleep(30 * time.Millisecond)

	if err := w.Stop(); err != nil {
		t.Fatal(err)
	}
	if w.IsRunning() {
		t.Fatal("worker still running after Stop")
	}
}

// fakeMoveLog serves a canned durable move log per game.
type fakeMoveLog struct {
	moves  map[string][]domain.Move
	totals map[string]map[string]domain.LeaderboardEntry
}

func (f *fakeMoveLog) MovesForGame(_ context.Context, gameID string) ([]domain.Move, error) {
	return f.moves[gameID], nil
}

func (f *fakeMoveLog) LoadTotals(_ context.Context, windowKey string) (map[string]domain.LeaderboardEntry, error) {
	return f.totals[windowKey], nil
}

// fakeRankCache records rebuilds of the realtime ranking.
type fakeRankCache struct {
	scores map[string]map[string]int
	resets []domain.Window
	ranks  map[domain.Window]map[string]int64
}

func newFakeRankCache() *fakeRankCache {
	return &fakeRankCache{
		scores: make(map[string]map[string]int),
		ranks:  make(map[domain.Window]map[string]int64),
	}
}

func (f *fakeRankCache) SaveScores(_ context.Context, gameID string, counts map[string]int) error {
	f.scores[gameID] = counts
	return nil
}

func (f *fakeRankCache) ResetRank(_ context.Context, w domain.Window) error {
	f.resets = append(f.resets, w)
	delete(f.ranks, w)
	return nil
}

func (f *fakeRankCache) BatchSetRanks(_ context.Context, w domain.Window, cells map[string]int64) error {
	f.ranks[w] = cells
	return nil
}

func newDurableTestWorker(t *testing.T, log *fakeMoveLog, cache *fakeRankCache) (*ConsistencyWorker, *board.Store, *lifecycle.Manager) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	cfg := config.DefaultConfig()
	boards := board.NewStore(board.FirstClaimWins{}, nil, logger)
	games := lifecycle.NewManager(&cfg.Game, logger)
	agg := scoring.NewAggregator(nil, nil, logger)

	w := NewConsistencyWorker(boards, games, log, cache, agg, &cfg.Consistency, logger)
	return w, boards, games
}

// A write that reached the durable log but not memory is repaired by
// replaying the log, even when the in-memory counters agree with the
// in-memory grid.
func TestAuditGameReplaysDurableLog(t *testing.T) {
	log := &fakeMoveLog{moves: make(map[string][]domain.Move)}
	cache := newFakeRankCache()
	w, boards, games := newDurableTestWorker(t, log, cache)

	game, err := games.Create(lifecycle.CreateParams{CreatorID: "alice"})
	if err != nil {
		t.Fatal(err)
	}
	boards.Create(game.ID, game.BoardSize)
	games.Join(game.ID, "bob")
	games.Start(game.ID, "alice")

	// Memory saw one claim; the durable log holds two.
	if _, _, err := boards.Claim(context.Background(), game.ID, 0, 0, "alice", "#e6194b"); err != nil {
		t.Fatal(err)
	}
	log.moves[game.ID] = []domain.Move{
		{ID: "m1", GameID: game.ID, UserID: "alice", X: 0, Y: 0},
		{ID: "m2", GameID: game.ID, UserID: "bob", X: 1, Y: 0},
	}

	repaired, err := w.AuditGame(context.Background(), game.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !repaired {
		t.Fatal("missed durable move not repaired")
	}

	counts, err := boards.Counts(game.ID)
	if err != nil {
		t.Fatal(err)
	}
	if counts["alice"] != 1 || counts["bob"] != 1 {
		t.Fatalf("counts after replay = %v", counts)
	}
	if cache.scores[game.ID]["bob"] != 1 {
		t.Fatalf("mirrored scores not refreshed: %v", cache.scores[game.ID])
	}
}

func TestSyncRankingsResetsBeforeRebuild(t *testing.T) {
	log := &fakeMoveLog{totals: map[string]map[string]domain.LeaderboardEntry{
		"leaderboard:alltime": {
			"alice": {UserID: "alice", CellsClaimed: 12},
		},
	}}
	cache := newFakeRankCache()
	w, _, _ := newDurableTestWorker(t, log, cache)

	if err := w.SyncRankings(context.Background()); err != nil {
		t.Fatal(err)
	}

	found := false
	for _, reset := range cache.resets {
		if reset == domain.WindowAllTime {
			found = true
		}
	}
	if !found {
		t.Fatal("ranking rebuilt without clearing stale members first")
	}
	if cache.ranks[domain.WindowAllTime]["alice"] != 12 {
		t.Fatalf("ranks = %v", cache.ranks[domain.WindowAllTime])
	}
}
