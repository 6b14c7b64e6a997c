// Package board owns the authoritative grid of cell ownership and the
// per-cell arbitration that guarantees exactly one owner per cell.
package board

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gridclaim/internal/domain"
)

// Persister records an accepted claim durably before it takes effect in
// memory. If it fails, the claim is not accepted and the caller retries.
type Persister interface {
	PersistClaim(ctx context.Context, move domain.Move, owner domain.CellOwner, cellsOwned int) error
}

// NopPersister accepts every claim without writing anywhere.
type NopPersister struct{}

func (NopPersister) PersistClaim(context.Context, domain.Move, domain.CellOwner, int) error {
	return nil
}

// gameBoard is the in-memory state for one game's grid.
type gameBoard struct {
	mu      sync.Mutex
	size    int
	grid    [][]*domain.CellOwner
	counts  map[string]int
	moves   []domain.Move
	claimed int
}

// Store owns every active board and resolves claims through the lock
// arena. Cross-game and cross-cell operations never contend.
type Store struct {
	mu     sync.RWMutex
	boards map[string]*gameBoard

	arena     *lockArena
	policy    Policy
	persister Persister
	logger    *slog.Logger
}

// NewStore creates a board store with the given arbitration policy.
// A nil persister disables write-through.
func NewStore(policy Policy, persister Persister, logger *slog.Logger) *Store {
	if policy == nil {
		policy = FirstClaimWins{}
	}
	if persister == nil {
		persister = NopPersister{}
	}
	return &Store{
		boards:    make(map[string]*gameBoard),
		arena:     newLockArena(),
		policy:    policy,
		persister: persister,
		logger:    logger,
	}
}

// Create allocates an empty size x size board for a game.
func (s *Store) Create(gameID string, size int) {
	grid := make([][]*domain.CellOwner, size)
	for i := range grid {
		grid[i] = make([]*domain.CellOwner, size)
	}

	s.mu.Lock()
	s.boards[gameID] = &gameBoard{
		size:   size,
		grid:   grid,
		counts: make(map[string]int),
	}
	s.mu.Unlock()
}

// Drop releases the arbitration slots for a finished game. The board
// itself is kept so snapshots of completed games stay readable.
func (s *Store) Drop(gameID string) {
	s.arena.drop(gameID)
}

func (s *Store) board(gameID string) (*gameBoard, error) {
	s.mu.RLock()
	b, ok := s.boards[gameID]
	s.mu.RUnlock()
	if !ok {
		return nil, domain.ErrGameNotFound
	}
	return b, nil
}

// Claim attempts to take cell (x, y) for userID. Concurrent attempts on
// the same cell serialize on its arena slot; the first holder to observe
// the cell unowned wins, every later holder gets ErrCellAlreadyOwned with
// the settled owner. Returns boardFull=true when this claim filled the
// last open cell.
func (s *Store) Claim(ctx context.Context, gameID string, x, y int, userID, color string) (*domain.ClaimResult, bool, error) {
	b, err := s.board(gameID)
	if err != nil {
		return nil, false, err
	}
	if x < 0 || y < 0 || x >= b.size || y >= b.size {
		return nil, false, domain.ErrInvalidCoordinates
	}

	// Serialization point: one claim in flight per (gameID, x, y).
	slot := s.arena.slot(gameID, x, y)
	slot.Lock()
	defer slot.Unlock()

	b.mu.Lock()
	current := b.grid[y][x]
	claimantCells := b.counts[userID]
	currentCells := 0
	if current != nil {
		currentCells = b.counts[current.UserID]
	}
	b.mu.Unlock()

	if !s.policy.Allow(current, userID, claimantCells, currentCells) {
		// Settled rejection: includes the idempotent-retry case where the
		// cell is already owned by the claimant.
		return &domain.ClaimResult{
			Accepted:   false,
			OwnerAfter: current,
			CellsOwned: claimantCells,
		}, false, domain.ErrCellAlreadyOwned
	}

	owner := domain.CellOwner{UserID: userID, Color: color}
	move := domain.Move{
		ID:        uuid.New().String(),
		GameID:    gameID,
		UserID:    userID,
		X:         x,
		Y:         y,
		ClaimedAt: time.Now().UTC(),
	}

	// Persist before the in-memory state changes. Nothing is applied yet,
	// so a failure here leaves no partial effect to roll back.
	if err := s.persister.PersistClaim(ctx, move, owner, claimantCells+1); err != nil {
		if errors.Is(err, domain.ErrCellAlreadyOwned) {
			// Another process settled the cell first.
			return &domain.ClaimResult{
				Accepted:   false,
				CellsOwned: claimantCells,
			}, false, domain.ErrCellAlreadyOwned
		}
		s.logger.Error("persisting claim failed",
			"game_id", gameID, "x", x, "y", y, "user_id", userID, "error", err)
		return nil, false, fmt.Errorf("%w: %v", domain.ErrStorageUnavailable, err)
	}

	b.mu.Lock()
	if evicted := b.grid[y][x]; evicted != nil {
		b.counts[evicted.UserID]--
	} else {
		b.claimed++
	}
	b.grid[y][x] = &owner
	b.counts[userID]++
	b.moves = append(b.moves, move)
	cellsOwned := b.counts[userID]
	full := b.claimed == b.size*b.size
	b.mu.Unlock()

	return &domain.ClaimResult{
		Accepted:   true,
		OwnerAfter: &owner,
		CellsOwned: cellsOwned,
	}, full, nil
}

// Grid returns a deep copy of the board matrix, consistent at a single
// instant. A concurrent claim is either fully visible or not at all.
func (s *Store) Grid(gameID string) ([][]*domain.CellOwner, error) {
	b, err := s.board(gameID)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	grid := make([][]*domain.CellOwner, b.size)
	for y := range grid {
		grid[y] = make([]*domain.CellOwner, b.size)
		for x, owner := range b.grid[y] {
			if owner != nil {
				o := *owner
				grid[y][x] = &o
			}
		}
	}
	return grid, nil
}

// State returns the grid, ownership counts and move total under a single
// lock acquisition, so the three views agree with each other.
func (s *Store) State(gameID string) (grid [][]*domain.CellOwner, counts map[string]int, totalMoves int, err error) {
	b, err := s.board(gameID)
	if err != nil {
		return nil, nil, 0, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	grid = make([][]*domain.CellOwner, b.size)
	for y := range grid {
		grid[y] = make([]*domain.CellOwner, b.size)
		for x, owner := range b.grid[y] {
			if owner != nil {
				o := *owner
				grid[y][x] = &o
			}
		}
	}
	counts = make(map[string]int, len(b.counts))
	for userID, n := range b.counts {
		counts[userID] = n
	}
	return grid, counts, len(b.moves), nil
}

// Counts returns the live ownership counts per user.
func (s *Store) Counts(gameID string) (map[string]int, error) {
	b, err := s.board(gameID)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	counts := make(map[string]int, len(b.counts))
	for userID, n := range b.counts {
		counts[userID] = n
	}
	return counts, nil
}

// Moves returns a copy of the in-memory move log for a game.
func (s *Store) Moves(gameID string) ([]domain.Move, error) {
	b, err := s.board(gameID)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	moves := make([]domain.Move, len(b.moves))
	copy(moves, b.moves)
	return moves, nil
}

// TotalMoves returns the number of accepted claims for a game.
func (s *Store) TotalMoves(gameID string) (int, error) {
	b, err := s.board(gameID)
	if err != nil {
		return 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.moves), nil
}

// CheckConsistency verifies that the per-user counters match the cells
// actually owned on the grid. It returns the set of users whose counter
// drifted, empty when everything agrees.
func (s *Store) CheckConsistency(gameID string) (map[string]int, error) {
	b, err := s.board(gameID)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	actual := make(map[string]int)
	for _, row := range b.grid {
		for _, owner := range row {
			if owner != nil {
				actual[owner.UserID]++
			}
		}
	}

	drifted := make(map[string]int)
	for userID, n := range b.counts {
		if actual[userID] != n {
			drifted[userID] = actual[userID]
		}
	}
	for userID, n := range actual {
		if _, tracked := b.counts[userID]; !tracked {
			drifted[userID] = n
		}
	}
	return drifted, nil
}

// Recompute replays a move log and overwrites the counters and grid with
// the replayed state. The move log is the source of truth; the counters
// are a cache.
func (s *Store) Recompute(gameID string, moves []domain.Move, colors map[string]string) error {
	b, err := s.board(gameID)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	grid := make([][]*domain.CellOwner, b.size)
	for i := range grid {
		grid[i] = make([]*domain.CellOwner, b.size)
	}
	counts := make(map[string]int)
	claimed := 0

	for _, m := range moves {
		if m.X < 0 || m.Y < 0 || m.X >= b.size || m.Y >= b.size {
			return fmt.Errorf("replaying move %s: %w", m.ID, domain.ErrInvalidCoordinates)
		}
		if prev := grid[m.Y][m.X]; prev != nil {
			counts[prev.UserID]--
		} else {
			claimed++
		}
		grid[m.Y][m.X] = &domain.CellOwner{UserID: m.UserID, Color: colors[m.UserID]}
		counts[m.UserID]++
	}

	b.grid = grid
	b.counts = counts
	b.claimed = claimed
	b.moves = append(b.moves[:0], moves...)

	s.logger.Info("board recomputed from move log",
		"game_id", gameID, "moves", len(moves))
	return nil
}
