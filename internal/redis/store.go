// Package redis is the hot-path store: game state mirrors, board hashes,
// cross-process cell claim locks and realtime leaderboard rankings.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/gridclaim/internal/config"
	"github.com/gridclaim/internal/domain"
)

// Store provides Redis-backed persistence for the engine.
type Store struct {
	client *redis.Client
	logger *slog.Logger
}

// NewStore creates a new Redis store and verifies connectivity.
func NewStore(cfg *config.RedisConfig, logger *slog.Logger) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	// Test connection
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return &Store{
		client: client,
		logger: logger,
	}, nil
}

// Close closes the Redis connection
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client
func (s *Store) Client() *redis.Client {
	return s.client
}

func stateKey(gameID string) string {
	return fmt.Sprintf("game:%s:state", gameID)
}

func boardKey(gameID string) string {
	return fmt.Sprintf("game:%s:board", gameID)
}

func playersKey(gameID string) string {
	return fmt.Sprintf("game:%s:players", gameID)
}

func scoresKey(gameID string) string {
	return fmt.Sprintf("game:%s:scores", gameID)
}

func cellLockKey(gameID string, x, y int) string {
	return fmt.Sprintf("lock:game:%s:cell:%d:%d", gameID, x, y)
}

func leaderboardKey(w domain.Window) string {
	return fmt.Sprintf("leaderboard:%s", w)
}

// cellField is the board hash field for a cell.
func cellField(x, y int) string {
	return fmt.Sprintf("%d:%d", x, y)
}

// AcquireCellLock takes the cross-process claim lock for a cell. It
// returns the holder's user ID, which equals userID when this call won.
// Held locks are only released when a claim rolls back or the game ends.
func (s *Store) AcquireCellLock(ctx context.Context, gameID string, x, y int, userID string) (string, error) {
	key := cellLockKey(gameID, x, y)
	ok, err := s.client.SetNX(ctx, key, userID, 0).Result()
	if err != nil {
		return "", fmt.Errorf("acquiring cell lock: %w", err)
	}
	if ok {
		return userID, nil
	}
	holder, err := s.client.Get(ctx, key).Result()
	if err != nil {
		return "", fmt.Errorf("reading cell lock holder: %w", err)
	}
	return holder, nil
}

// ReleaseCellLock frees a single cell lock after a rolled-back claim.
func (s *Store) ReleaseCellLock(ctx context.Context, gameID string, x, y int) error {
	if err := s.client.Del(ctx, cellLockKey(gameID, x, y)).Err(); err != nil {
		return fmt.Errorf("releasing cell lock: %w", err)
	}
	return nil
}

// ReleaseCellLocks frees every cell lock of a game once it reaches a
// terminal state.
func (s *Store) ReleaseCellLocks(ctx context.Context, gameID string, boardSize int) error {
	pipe := s.client.Pipeline()
	for y := 0; y < boardSize; y++ {
		for x := 0; x < boardSize; x++ {
			pipe.Del(ctx, cellLockKey(gameID, x, y))
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("releasing cell locks: %w", err)
	}
	return nil
}

// SetBoardCell writes one claimed cell and the claimant's score in a
// single pipeline.
func (s *Store) SetBoardCell(ctx context.Context, gameID string, x, y int, owner domain.CellOwner, cellsOwned int) error {
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, boardKey(gameID), cellField(x, y), owner.UserID+"|"+owner.Color)
	pipe.HSet(ctx, scoresKey(gameID), owner.UserID, cellsOwned)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("writing board cell: %w", err)
	}
	return nil
}

// ClearBoardCell rolls back a cell write after a failed claim.
func (s *Store) ClearBoardCell(ctx context.Context, gameID string, x, y int) error {
	if err := s.client.HDel(ctx, boardKey(gameID), cellField(x, y)).Err(); err != nil {
		return fmt.Errorf("clearing board cell: %w", err)
	}
	return nil
}

// GetBoard reads the full board hash into an owner map keyed "x:y".
func (s *Store) GetBoard(ctx context.Context, gameID string) (map[string]domain.CellOwner, error) {
	fields, err := s.client.HGetAll(ctx, boardKey(gameID)).Result()
	if err != nil {
		return nil, fmt.Errorf("reading board: %w", err)
	}

	board := make(map[string]domain.CellOwner, len(fields))
	for field, value := range fields {
		userID, color, found := strings.Cut(value, "|")
		if !found {
			continue
		}
		board[field] = domain.CellOwner{UserID: userID, Color: color}
	}
	return board, nil
}

// SaveGameState mirrors a game's metadata.
func (s *Store) SaveGameState(ctx context.Context, game domain.Game) error {
	data, err := json.Marshal(game)
	if err != nil {
		return fmt.Errorf("marshaling game state: %w", err)
	}
	if err := s.client.Set(ctx, stateKey(game.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("saving game state: %w", err)
	}
	return nil
}

// GetGameState reads a mirrored game's metadata.
func (s *Store) GetGameState(ctx context.Context, gameID string) (*domain.Game, error) {
	data, err := s.client.Get(ctx, stateKey(gameID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, domain.ErrGameNotFound
		}
		return nil, fmt.Errorf("reading game state: %w", err)
	}

	var game domain.Game
	if err := json.Unmarshal(data, &game); err != nil {
		return nil, fmt.Errorf("unmarshaling game state: %w", err)
	}
	return &game, nil
}

// SaveParticipants mirrors a game's participant list.
func (s *Store) SaveParticipants(ctx context.Context, gameID string, participants []domain.Participant) error {
	data, err := json.Marshal(participants)
	if err != nil {
		return fmt.Errorf("marshaling participants: %w", err)
	}
	if err := s.client.Set(ctx, playersKey(gameID), data, 0).Err(); err != nil {
		return fmt.Errorf("saving participants: %w", err)
	}
	return nil
}

// SaveScores mirrors the final score map of a game.
func (s *Store) SaveScores(ctx context.Context, gameID string, counts map[string]int) error {
	if len(counts) == 0 {
		return nil
	}
	pipe := s.client.Pipeline()
	for userID, n := range counts {
		pipe.HSet(ctx, scoresKey(gameID), userID, n)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("saving scores: %w", err)
	}
	return nil
}

// GetScores reads the mirrored score map of a game.
func (s *Store) GetScores(ctx context.Context, gameID string) (map[string]int64, error) {
	fields, err := s.client.HGetAll(ctx, scoresKey(gameID)).Result()
	if err != nil {
		return nil, fmt.Errorf("reading scores: %w", err)
	}

	scores := make(map[string]int64, len(fields))
	for userID, raw := range fields {
		var n int64
		if _, err := fmt.Sscanf(raw, "%d", &n); err == nil {
			scores[userID] = n
		}
	}
	return scores, nil
}

// IncrementRank adds cells to a user's realtime ranking for a window.
func (s *Store) IncrementRank(ctx context.Context, w domain.Window, userID string, cells int64) error {
	if err := s.client.ZIncrBy(ctx, leaderboardKey(w), float64(cells), userID).Err(); err != nil {
		return fmt.Errorf("incrementing rank: %w", err)
	}
	return nil
}

// TopRanked returns the top n users of a window's realtime ranking.
func (s *Store) TopRanked(ctx context.Context, w domain.Window, n int) ([]domain.LeaderboardEntry, error) {
	results, err := s.client.ZRevRangeWithScores(ctx, leaderboardKey(w), 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("getting top ranked: %w", err)
	}

	entries := make([]domain.LeaderboardEntry, len(results))
	for i, result := range results {
		entries[i] = domain.LeaderboardEntry{
			Rank:         int64(i + 1),
			UserID:       result.Member.(string),
			CellsClaimed: int64(result.Score),
		}
	}
	return entries, nil
}

// BatchSetRanks overwrites ranking scores for a window using pipelining.
// Used by the consistency worker when rebuilding from durable totals.
func (s *Store) BatchSetRanks(ctx context.Context, w domain.Window, cells map[string]int64) error {
	if len(cells) == 0 {
		return nil
	}
	pipe := s.client.Pipeline()
	for userID, n := range cells {
		pipe.ZAdd(ctx, leaderboardKey(w), redis.Z{
			Score:  float64(n),
			Member: userID,
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("batch setting ranks: %w", err)
	}
	return nil
}

// ResetRank clears a window's realtime ranking. Called when a daily or
// weekly window rolls over.
func (s *Store) ResetRank(ctx context.Context, w domain.Window) error {
	if err := s.client.Del(ctx, leaderboardKey(w)).Err(); err != nil {
		return fmt.Errorf("resetting rank: %w", err)
	}
	return nil
}

// DeleteGame removes every mirrored key for a game.
func (s *Store) DeleteGame(ctx context.Context, gameID string, boardSize int) error {
	pipe := s.client.Pipeline()
	pipe.Del(ctx, stateKey(gameID))
	pipe.Del(ctx, boardKey(gameID))
	pipe.Del(ctx, playersKey(gameID))
	pipe.Del(ctx, scoresKey(gameID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("deleting game keys: %w", err)
	}
	return s.ReleaseCellLocks(ctx, gameID, boardSize)
}
