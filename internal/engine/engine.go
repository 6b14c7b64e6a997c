// Package engine is the service layer tying the rate limiter, lifecycle
// state machine, board store and scoring aggregator into the inbound
// operation surface the transport layer drives.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gridclaim/internal/board"
	"github.com/gridclaim/internal/config"
	"github.com/gridclaim/internal/domain"
	"github.com/gridclaim/internal/lifecycle"
	"github.com/gridclaim/internal/ratelimit"
	"github.com/gridclaim/internal/scoring"
)

// EventSink receives outbound game events for broadcast. Implemented by
// the websocket hub; nil disables broadcasting.
type EventSink interface {
	BroadcastGameEvent(gameID, eventType string, payload any)
}

// StateStore mirrors game metadata into the hot-path store so restarts
// and external readers see current state. Implemented by the Redis
// store; nil disables mirroring.
type StateStore interface {
	SaveGameState(ctx context.Context, game domain.Game) error
	GetGameState(ctx context.Context, gameID string) (*domain.Game, error)
	GetBoard(ctx context.Context, gameID string) (map[string]domain.CellOwner, error)
	SaveParticipants(ctx context.Context, gameID string, participants []domain.Participant) error
	SaveScores(ctx context.Context, gameID string, counts map[string]int) error
	GetScores(ctx context.Context, gameID string) (map[string]int64, error)
	TopRanked(ctx context.Context, w domain.Window, n int) ([]domain.LeaderboardEntry, error)
	ReleaseCellLocks(ctx context.Context, gameID string, boardSize int) error
	DeleteGame(ctx context.Context, gameID string, boardSize int) error
}

// DurableStore records games, membership and results in the relational
// store. Implemented by the Postgres repository; nil disables
// durability.
type DurableStore interface {
	UpsertGame(ctx context.Context, game domain.Game) error
	GetGame(ctx context.Context, gameID string) (*domain.Game, error)
	UpsertParticipants(ctx context.Context, gameID string, participants []domain.Participant) error
	GetResult(ctx context.Context, gameID string) (*domain.GameResult, error)
}

// Engine exposes the authoritative game operations.
type Engine struct {
	limiter    *ratelimit.Limiter
	lifecycle  *lifecycle.Manager
	board      *board.Store
	aggregator *scoring.Aggregator
	sink       EventSink
	state      StateStore
	durable    DurableStore
	cfg        *config.Config
	logger     *slog.Logger

	stopCh  chan struct{}
	doneCh  chan struct{}
	runMu   sync.Mutex
	running bool
}

// New creates the engine. sink, state and durable may be nil.
func New(
	limiter *ratelimit.Limiter,
	lc *lifecycle.Manager,
	boardStore *board.Store,
	aggregator *scoring.Aggregator,
	sink EventSink,
	state StateStore,
	durable DurableStore,
	cfg *config.Config,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		limiter:    limiter,
		lifecycle:  lc,
		board:      boardStore,
		aggregator: aggregator,
		sink:       sink,
		state:      state,
		durable:    durable,
		cfg:        cfg,
		logger:     logger,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// CreateGameParams mirrors lifecycle.CreateParams for the transport layer.
type CreateGameParams = lifecycle.CreateParams

// CreateGame registers a new game and allocates its board.
func (e *Engine) CreateGame(ctx context.Context, p CreateGameParams) (domain.Game, error) {
	if !e.limiter.Admit(p.CreatorID, ratelimit.ActionAPIRequest) {
		return domain.Game{}, domain.ErrRateLimited
	}

	game, err := e.lifecycle.Create(p)
	if err != nil {
		return domain.Game{}, err
	}
	e.board.Create(game.ID, game.BoardSize)

	e.mirrorGame(ctx, game)
	return game, nil
}

// JoinGame adds a user to a game, by ID or by invite code.
func (e *Engine) JoinGame(ctx context.Context, gameID, inviteCode, userID string) (domain.Participant, error) {
	if !e.limiter.Admit(userID, ratelimit.ActionAPIRequest) {
		return domain.Participant{}, domain.ErrRateLimited
	}

	if gameID == "" && inviteCode != "" {
		id, err := e.lifecycle.ResolveInvite(inviteCode)
		if err != nil {
			return domain.Participant{}, err
		}
		gameID = id
	}

	participant, err := e.lifecycle.Join(gameID, userID)
	if err != nil {
		return domain.Participant{}, err
	}

	participants, _ := e.lifecycle.Participants(gameID)
	e.broadcast(gameID, domain.EventParticipantJoined, domain.ParticipantEvent{
		GameID: gameID,
		UserID: userID,
		Color:  participant.Color,
		Count:  len(participants),
	})
	e.mirrorParticipants(ctx, gameID)
	return participant, nil
}

// LeaveGame marks a participant inactive. An in-progress game dropping
// below the player minimum is cancelled.
func (e *Engine) LeaveGame(ctx context.Context, gameID, userID string) error {
	active, status, err := e.lifecycle.Leave(gameID, userID)
	if err != nil {
		return err
	}

	e.broadcast(gameID, domain.EventParticipantLeft, domain.ParticipantEvent{
		GameID: gameID,
		UserID: userID,
		Count:  active,
	})
	e.mirrorParticipants(ctx, gameID)

	if status == domain.StatusInProgress && active < e.cfg.Game.MinPlayers {
		e.logger.Warn("active participants below minimum, cancelling game",
			"game_id", gameID, "active", active)
		return e.cancelGame(ctx, gameID)
	}
	return nil
}

// StartGame flips a waiting game to in_progress.
func (e *Engine) StartGame(ctx context.Context, gameID, userID string) (domain.Game, error) {
	if !e.limiter.Admit(userID, ratelimit.ActionAPIRequest) {
		return domain.Game{}, domain.ErrRateLimited
	}

	game, err := e.lifecycle.Start(gameID, userID)
	if err != nil {
		return domain.Game{}, err
	}

	e.broadcast(gameID, domain.EventGameStarted, domain.GameStartedEvent{
		GameID:    gameID,
		StartedAt: *game.StartedAt,
	})
	e.mirrorGame(ctx, game)
	return game, nil
}

// CancelGame cancels a game on behalf of its creator.
func (e *Engine) CancelGame(ctx context.Context, gameID, userID string) error {
	game, err := e.lifecycle.Get(gameID)
	if err != nil {
		return err
	}
	if game.CreatorID != userID {
		return domain.ErrNotCreator
	}
	return e.cancelGame(ctx, gameID)
}

func (e *Engine) cancelGame(ctx context.Context, gameID string) error {
	game, err := e.lifecycle.Cancel(gameID)
	if err != nil {
		return err
	}

	e.broadcast(gameID, domain.EventGameEnded, domain.GameEndedEvent{
		GameID: gameID,
		Status: domain.StatusCancelled,
	})
	// The durable record keeps the cancellation; the hot-path mirror is
	// dropped outright since no readers need a cancelled game's board.
	e.mirrorGame(ctx, game)
	e.dropMirror(ctx, gameID, game.BoardSize)
	return nil
}

// ClaimCell runs the full claim pipeline: admission, lifecycle barrier,
// per-cell arbitration, event emission. Rejections come back as sentinel
// errors alongside the settled result; throttling is reported before any
// game state is touched.
func (e *Engine) ClaimCell(ctx context.Context, attempt domain.ClaimAttempt) (*domain.ClaimResult, error) {
	if !e.limiter.Admit(attempt.UserID, ratelimit.ActionCellClaim) {
		return nil, domain.ErrRateLimited
	}

	participant, release, err := e.lifecycle.BeginClaim(attempt.GameID, attempt.UserID)
	if err != nil {
		return nil, err
	}

	result, full, err := e.board.Claim(ctx, attempt.GameID, attempt.X, attempt.Y, attempt.UserID, participant.Color)
	// The barrier is released before any lifecycle transition below;
	// Complete acquires the write side and would deadlock otherwise.
	release()

	if err != nil {
		return result, err
	}

	e.broadcast(attempt.GameID, domain.EventCellClaimed, domain.CellClaimedEvent{
		GameID:          attempt.GameID,
		X:               attempt.X,
		Y:               attempt.Y,
		UserID:          attempt.UserID,
		Color:           participant.Color,
		CellsOwnedAfter: result.CellsOwned,
		ClaimedAt:       time.Now().UTC(),
	})

	if full {
		if err := e.completeGame(ctx, attempt.GameID, domain.EndReasonBoardFull); err != nil &&
			!errors.Is(err, domain.ErrGameNotActive) {
			e.logger.Error("completing full board failed",
				"game_id", attempt.GameID, "error", err)
		}
	}
	return result, nil
}

// completeGame finalizes an in_progress game: scores from the board
// store, result from the lifecycle transition, commit via the aggregator.
// Counts and the move total are sampled inside the transition, after the
// barrier has drained in-flight claims; a claim that was admitted before
// game end is always in the final score map.
func (e *Engine) completeGame(ctx context.Context, gameID string, reason domain.EndReason) error {
	result, err := e.lifecycle.Complete(gameID, reason, func() (map[string]int, int, error) {
		counts, err := e.board.Counts(gameID)
		if err != nil {
			return nil, 0, err
		}
		totalMoves, err := e.board.TotalMoves(gameID)
		if err != nil {
			return nil, 0, err
		}
		return counts, totalMoves, nil
	})
	if err != nil {
		return err
	}

	// The board is kept after completion so snapshots of a finished game
	// still serve the final grid.
	e.aggregator.Submit(result)

	e.broadcast(gameID, domain.EventGameEnded, domain.GameEndedEvent{
		GameID: gameID,
		Status: domain.StatusCompleted,
		Result: result,
	})

	if game, err := e.lifecycle.Get(gameID); err == nil {
		e.mirrorGame(ctx, game)
		e.releaseLocks(ctx, gameID, game.BoardSize)
	}
	e.mirrorScores(ctx, gameID, result.Scores)
	return nil
}

// EndGame explicitly completes an in_progress game (creator only).
func (e *Engine) EndGame(ctx context.Context, gameID, userID string) error {
	game, err := e.lifecycle.Get(gameID)
	if err != nil {
		return err
	}
	if game.CreatorID != userID {
		return domain.ErrNotCreator
	}
	return e.completeGame(ctx, gameID, domain.EndReasonExplicit)
}

// GetSnapshot returns a point-in-time consistent view of a game.
func (e *Engine) GetSnapshot(ctx context.Context, gameID, userID string) (*domain.Snapshot, error) {
	if userID != "" && !e.limiter.Admit(userID, ratelimit.ActionAPIRequest) {
		return nil, domain.ErrRateLimited
	}

	game, err := e.lifecycle.Get(gameID)
	if err != nil {
		// A game this process never saw may still be mirrored by another
		// instance or a previous incarnation.
		if errors.Is(err, domain.ErrGameNotFound) {
			return e.snapshotFromMirror(ctx, gameID)
		}
		return nil, err
	}
	grid, counts, _, err := e.board.State(gameID)
	if err != nil {
		return nil, err
	}
	participants, err := e.lifecycle.Participants(gameID)
	if err != nil {
		return nil, err
	}
	for i := range participants {
		participants[i].CellsOwned = counts[participants[i].UserID]
	}

	return &domain.Snapshot{
		Game:         game,
		Board:        grid,
		Participants: participants,
		TakenAt:      time.Now().UTC(),
	}, nil
}

// snapshotFromMirror rebuilds a snapshot from the hot-path mirror: game
// metadata, board hash and score hash. Membership detail beyond scores
// is not mirrored, so participants carry user, color and count only.
func (e *Engine) snapshotFromMirror(ctx context.Context, gameID string) (*domain.Snapshot, error) {
	if e.state == nil {
		return nil, domain.ErrGameNotFound
	}

	game, err := e.state.GetGameState(ctx, gameID)
	if err != nil {
		return nil, err
	}
	cells, err := e.state.GetBoard(ctx, gameID)
	if err != nil {
		return nil, err
	}

	grid := make([][]*domain.CellOwner, game.BoardSize)
	for y := range grid {
		grid[y] = make([]*domain.CellOwner, game.BoardSize)
	}
	colors := make(map[string]string, len(cells))
	for field, owner := range cells {
		var x, y int
		if _, err := fmt.Sscanf(field, "%d:%d", &x, &y); err != nil {
			continue
		}
		if x < 0 || x >= game.BoardSize || y < 0 || y >= game.BoardSize {
			continue
		}
		o := owner
		grid[y][x] = &o
		colors[owner.UserID] = owner.Color
	}

	scores, err := e.state.GetScores(ctx, gameID)
	if err != nil {
		return nil, err
	}
	participants := make([]domain.Participant, 0, len(scores))
	for userID, owned := range scores {
		participants = append(participants, domain.Participant{
			GameID:     gameID,
			UserID:     userID,
			Color:      colors[userID],
			CellsOwned: int(owned),
		})
	}
	sort.Slice(participants, func(i, j int) bool {
		return participants[i].UserID < participants[j].UserID
	})

	return &domain.Snapshot{
		Game:         *game,
		Board:        grid,
		Participants: participants,
		TakenAt:      time.Now().UTC(),
	}, nil
}

// Game returns a game's metadata, falling back to the durable store for
// games this process does not hold in memory.
func (e *Engine) Game(ctx context.Context, gameID string) (domain.Game, error) {
	game, err := e.lifecycle.Get(gameID)
	if err == nil {
		return game, nil
	}
	if !errors.Is(err, domain.ErrGameNotFound) || e.durable == nil {
		return domain.Game{}, err
	}
	stored, err := e.durable.GetGame(ctx, gameID)
	if err != nil {
		return domain.Game{}, err
	}
	return *stored, nil
}

// GameResult returns the committed result of a finished game from the
// durable store.
func (e *Engine) GameResult(ctx context.Context, gameID string) (*domain.GameResult, error) {
	if e.durable == nil {
		return nil, domain.ErrGameNotFound
	}
	return e.durable.GetResult(ctx, gameID)
}

// Leaderboard returns the top entries for a rolling window. A process
// whose aggregator has nothing for the window yet serves the mirrored
// realtime ranking instead, which tracks the cells metric.
func (e *Engine) Leaderboard(ctx context.Context, w domain.Window, metric domain.Metric, n int) ([]domain.LeaderboardEntry, error) {
	if !w.Valid() {
		return nil, domain.ErrInvalidRequest
	}
	if n <= 0 {
		n = e.cfg.Leaderboard.DefaultLimit
	}
	if n > e.cfg.Leaderboard.MaxLimit {
		n = e.cfg.Leaderboard.MaxLimit
	}

	entries := e.aggregator.Top(w, metric, n)
	if len(entries) == 0 && metric == domain.MetricCells && e.state != nil {
		mirrored, err := e.state.TopRanked(ctx, w, n)
		if err != nil {
			e.logger.Warn("reading mirrored ranking failed", "window", w, "error", err)
			return entries, nil
		}
		return mirrored, nil
	}
	return entries, nil
}

// AdmitWSMessage applies the websocket message budget for a user.
func (e *Engine) AdmitWSMessage(userID string) bool {
	return e.limiter.Admit(userID, ratelimit.ActionWSMessage)
}

// Start launches the expiry ticker that completes games whose play
// duration has elapsed.
func (e *Engine) Start(ctx context.Context) {
	e.runMu.Lock()
	if e.running {
		e.runMu.Unlock()
		return
	}
	e.running = true
	e.runMu.Unlock()

	go e.run(ctx)
	e.logger.Info("engine expiry ticker started")
}

// Stop halts the expiry ticker.
func (e *Engine) Stop() {
	e.runMu.Lock()
	if !e.running {
		e.runMu.Unlock()
		return
	}
	e.running = false
	e.runMu.Unlock()

	close(e.stopCh)
	<-e.doneCh
	e.logger.Info("engine expiry ticker stopped")
}

func (e *Engine) run(ctx context.Context) {
	defer close(e.doneCh)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case now := <-ticker.C:
			for _, gameID := range e.lifecycle.Expired(now.UTC()) {
				if err := e.completeGame(ctx, gameID, domain.EndReasonTimerExpired); err != nil &&
					!errors.Is(err, domain.ErrGameNotActive) {
					e.logger.Error("completing expired game failed",
						"game_id", gameID, "error", err)
				}
			}
			for _, gameID := range e.lifecycle.ExpiredInvites(now.UTC()) {
				e.logger.Info("cancelling waiting game with expired invite", "game_id", gameID)
				if err := e.cancelGame(ctx, gameID); err != nil &&
					!errors.Is(err, domain.ErrGameNotActive) {
					e.logger.Error("cancelling stale waiting game failed",
						"game_id", gameID, "error", err)
					continue
				}
				// Nothing was ever claimed; the board holds no audit value.
				e.board.Drop(gameID)
			}
		}
	}
}

func (e *Engine) broadcast(gameID, eventType string, payload any) {
	if e.sink != nil {
		e.sink.BroadcastGameEvent(gameID, eventType, payload)
	}
}

// Mirroring into the hot-path and durable stores is best effort: the
// in-memory engine stays authoritative, and the consistency worker
// reconciles later.
func (e *Engine) mirrorGame(ctx context.Context, game domain.Game) {
	if e.durable != nil {
		if err := e.durable.UpsertGame(ctx, game); err != nil {
			e.logger.Warn("recording game failed", "game_id", game.ID, "error", err)
		}
	}
	if e.state != nil {
		if err := e.state.SaveGameState(ctx, game); err != nil {
			e.logger.Warn("mirroring game state failed", "game_id", game.ID, "error", err)
		}
	}
	e.mirrorParticipants(ctx, game.ID)
}

func (e *Engine) mirrorParticipants(ctx context.Context, gameID string) {
	if e.state == nil && e.durable == nil {
		return
	}
	participants, err := e.lifecycle.Participants(gameID)
	if err != nil {
		return
	}
	if e.durable != nil {
		if err := e.durable.UpsertParticipants(ctx, gameID, participants); err != nil {
			e.logger.Warn("recording participants failed", "game_id", gameID, "error", err)
		}
	}
	if e.state != nil {
		if err := e.state.SaveParticipants(ctx, gameID, participants); err != nil {
			e.logger.Warn("mirroring participants failed", "game_id", gameID, "error", err)
		}
	}
}

func (e *Engine) mirrorScores(ctx context.Context, gameID string, counts map[string]int) {
	if e.state == nil {
		return
	}
	if err := e.state.SaveScores(ctx, gameID, counts); err != nil {
		e.logger.Warn("mirroring scores failed", "game_id", gameID, "error", err)
	}
}

func (e *Engine) releaseLocks(ctx context.Context, gameID string, boardSize int) {
	if e.state == nil {
		return
	}
	if err := e.state.ReleaseCellLocks(ctx, gameID, boardSize); err != nil {
		e.logger.Warn("releasing cell locks failed", "game_id", gameID, "error", err)
	}
}

func (e *Engine) dropMirror(ctx context.Context, gameID string, boardSize int) {
	if e.state == nil {
		return
	}
	if err := e.state.DeleteGame(ctx, gameID, boardSize); err != nil {
		e.logger.Warn("dropping mirrored game failed", "game_id", gameID, "error", err)
	}
}
