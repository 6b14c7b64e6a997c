// Package postgres is the durable store: game records, the append-only
// move log, immutable game results and leaderboard totals.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gridclaim/internal/config"
	"github.com/gridclaim/internal/domain"
)

const uniqueViolation = "23505"

// Repository provides PostgreSQL-based data access
type Repository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewRepository creates a new PostgreSQL repository
func NewRepository(cfg *config.PostgresConfig, logger *slog.Logger) (*Repository, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxConnections)
	poolConfig.MinConns = int32(cfg.MinConnections)
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	return &Repository{
		pool:   pool,
		logger: logger,
	}, nil
}

// Close closes the database connection pool
func (r *Repository) Close() {
	r.pool.Close()
}

// Pool returns the underlying connection pool
func (r *Repository) Pool() *pgxpool.Pool {
	return r.pool
}

// RunMigrations executes database migrations
func (r *Repository) RunMigrations(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS games (
			id UUID PRIMARY KEY,
			creator_id VARCHAR(64) NOT NULL,
			name VARCHAR(255) NOT NULL DEFAULT '',
			board_size INT NOT NULL,
			max_players INT NOT NULL,
			status VARCHAR(20) NOT NULL,
			invite_code VARCHAR(16) NOT NULL,
			duration_ms BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL,
			started_at TIMESTAMPTZ,
			ended_at TIMESTAMPTZ,
			winner_id VARCHAR(64)
		)`,
		`CREATE TABLE IF NOT EXISTS participants (
			game_id UUID NOT NULL REFERENCES games(id) ON DELETE CASCADE,
			user_id VARCHAR(64) NOT NULL,
			color VARCHAR(16) NOT NULL,
			cells_owned INT NOT NULL DEFAULT 0,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			joined_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (game_id, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS moves (
			id UUID PRIMARY KEY,
			game_id UUID NOT NULL,
			user_id VARCHAR(64) NOT NULL,
			x INT NOT NULL,
			y INT NOT NULL,
			claimed_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS game_results (
			game_id UUID PRIMARY KEY,
			winner_id VARCHAR(64),
			scores JSONB NOT NULL,
			duration_ms BIGINT NOT NULL,
			total_moves INT NOT NULL,
			ended_at TIMESTAMPTZ NOT NULL,
			reason VARCHAR(20) NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS leaderboard_totals (
			window_key VARCHAR(64) NOT NULL,
			user_id VARCHAR(64) NOT NULL,
			games_played BIGINT NOT NULL DEFAULT 0,
			wins BIGINT NOT NULL DEFAULT 0,
			cells_claimed BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (window_key, user_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_moves_game ON moves(game_id, claimed_at)`,
		`CREATE INDEX IF NOT EXISTS idx_games_status ON games(status)`,
		`CREATE INDEX IF NOT EXISTS idx_totals_cells ON leaderboard_totals(window_key, cells_claimed DESC)`,
	}

	for _, migration := range migrations {
		_, err := r.pool.Exec(ctx, migration)
		if err != nil {
			return fmt.Errorf("executing migration: %w", err)
		}
	}

	r.logger.Info("database migrations completed")
	return nil
}

// UpsertGame writes a game's current metadata.
func (r *Repository) UpsertGame(ctx context.Context, game domain.Game) error {
	query := `
		INSERT INTO games (id, creator_id, name, board_size, max_players, status, invite_code, duration_ms, created_at, started_at, ended_at, winner_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id)
		DO UPDATE SET status = $6, started_at = $10, ended_at = $11, winner_id = $12
	`
	_, err := r.pool.Exec(ctx, query,
		game.ID,
		game.CreatorID,
		game.Name,
		game.BoardSize,
		game.MaxPlayers,
		string(game.Status),
		game.InviteCode,
		game.Duration.Milliseconds(),
		game.CreatedAt,
		game.StartedAt,
		game.EndedAt,
		game.WinnerID,
	)
	if err != nil {
		return fmt.Errorf("upserting game: %w", err)
	}
	return nil
}

// GetGame retrieves a game by ID.
func (r *Repository) GetGame(ctx context.Context, gameID string) (*domain.Game, error) {
	query := `
		SELECT id, creator_id, name, board_size, max_players, status, invite_code, duration_ms, created_at, started_at, ended_at, winner_id
		FROM games
		WHERE id = $1
	`
	var game domain.Game
	var durationMS int64
	var status string
	err := r.pool.QueryRow(ctx, query, gameID).Scan(
		&game.ID,
		&game.CreatorID,
		&game.Name,
		&game.BoardSize,
		&game.MaxPlayers,
		&status,
		&game.InviteCode,
		&durationMS,
		&game.CreatedAt,
		&game.StartedAt,
		&game.EndedAt,
		&game.WinnerID,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrGameNotFound
		}
		return nil, fmt.Errorf("getting game: %w", err)
	}
	game.Status = domain.GameStatus(status)
	game.Duration = time.Duration(durationMS) * time.Millisecond
	return &game, nil
}

// UpsertParticipants writes a game's participant list in one batch.
func (r *Repository) UpsertParticipants(ctx context.Context, gameID string, participants []domain.Participant) error {
	if len(participants) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	query := `
		INSERT INTO participants (game_id, user_id, color, cells_owned, is_active, joined_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (game_id, user_id)
		DO UPDATE SET cells_owned = $4, is_active = $5
	`
	for _, p := range participants {
		batch.Queue(query, gameID, p.UserID, p.Color, p.CellsOwned, p.IsActive, p.JoinedAt)
	}

	br := r.pool.SendBatch(ctx, batch)
	defer br.Close()

	for range participants {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("upserting participants: %w", err)
		}
	}
	return nil
}

// InsertMove appends an accepted claim to the move log. The log is
// append-only; moves are never updated or deleted.
func (r *Repository) InsertMove(ctx context.Context, move domain.Move) error {
	query := `
		INSERT INTO moves (id, game_id, user_id, x, y, claimed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := r.pool.Exec(ctx, query,
		move.ID,
		move.GameID,
		move.UserID,
		move.X,
		move.Y,
		move.ClaimedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting move: %w", err)
	}
	return nil
}

// MovesForGame returns a game's move log in claim order.
func (r *Repository) MovesForGame(ctx context.Context, gameID string) ([]domain.Move, error) {
	query := `
		SELECT id, game_id, user_id, x, y, claimed_at
		FROM moves
		WHERE game_id = $1
		ORDER BY claimed_at, id
	`
	rows, err := r.pool.Query(ctx, query, gameID)
	if err != nil {
		return nil, fmt.Errorf("listing moves: %w", err)
	}
	defer rows.Close()

	var moves []domain.Move
	for rows.Next() {
		var m domain.Move
		if err := rows.Scan(&m.ID, &m.GameID, &m.UserID, &m.X, &m.Y, &m.ClaimedAt); err != nil {
			return nil, fmt.Errorf("scanning move: %w", err)
		}
		moves = append(moves, m)
	}
	return moves, nil
}

// RecordResult inserts an immutable game result. The primary key on
// game_id is the idempotency guard: a second commit for the same game
// returns domain.ErrDuplicateResultCommit.
func (r *Repository) RecordResult(ctx context.Context, result *domain.GameResult) error {
	scoresJSON, err := json.Marshal(result.Scores)
	if err != nil {
		return fmt.Errorf("marshaling scores: %w", err)
	}

	query := `
		INSERT INTO game_results (game_id, winner_id, scores, duration_ms, total_moves, ended_at, reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err = r.pool.Exec(ctx, query,
		result.GameID,
		result.WinnerID,
		scoresJSON,
		result.Duration.Milliseconds(),
		result.TotalMoves,
		result.EndedAt,
		string(result.Reason),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return domain.ErrDuplicateResultCommit
		}
		return fmt.Errorf("recording result: %w", err)
	}
	return nil
}

// GetResult retrieves a committed game result.
func (r *Repository) GetResult(ctx context.Context, gameID string) (*domain.GameResult, error) {
	query := `
		SELECT game_id, winner_id, scores, duration_ms, total_moves, ended_at, reason
		FROM game_results
		WHERE game_id = $1
	`
	var result domain.GameResult
	var scoresJSON []byte
	var durationMS int64
	var reason string
	err := r.pool.QueryRow(ctx, query, gameID).Scan(
		&result.GameID,
		&result.WinnerID,
		&scoresJSON,
		&durationMS,
		&result.TotalMoves,
		&result.EndedAt,
		&reason,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrGameNotFound
		}
		return nil, fmt.Errorf("getting result: %w", err)
	}
	if err := json.Unmarshal(scoresJSON, &result.Scores); err != nil {
		return nil, fmt.Errorf("unmarshaling scores: %w", err)
	}
	result.Duration = time.Duration(durationMS) * time.Millisecond
	result.Reason = domain.EndReason(reason)
	return &result, nil
}

// ApplyTotals folds one participant's deltas into a window's totals.
func (r *Repository) ApplyTotals(ctx context.Context, windowKey, userID string, delta domain.LeaderboardEntry) error {
	query := `
		INSERT INTO leaderboard_totals (window_key, user_id, games_played, wins, cells_claimed)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (window_key, user_id)
		DO UPDATE SET
			games_played = leaderboard_totals.games_played + $3,
			wins = leaderboard_totals.wins + $4,
			cells_claimed = leaderboard_totals.cells_claimed + $5
	`
	_, err := r.pool.Exec(ctx, query, windowKey, userID, delta.GamesPlayed, delta.Wins, delta.CellsClaimed)
	if err != nil {
		return fmt.Errorf("applying totals: %w", err)
	}
	return nil
}

// LoadTotals returns every persisted total for a window key.
func (r *Repository) LoadTotals(ctx context.Context, windowKey string) (map[string]domain.LeaderboardEntry, error) {
	query := `
		SELECT user_id, games_played, wins, cells_claimed
		FROM leaderboard_totals
		WHERE window_key = $1
	`
	rows, err := r.pool.Query(ctx, query, windowKey)
	if err != nil {
		return nil, fmt.Errorf("loading totals: %w", err)
	}
	defer rows.Close()

	totals := make(map[string]domain.LeaderboardEntry)
	for rows.Next() {
		var e domain.LeaderboardEntry
		if err := rows.Scan(&e.UserID, &e.GamesPlayed, &e.Wins, &e.CellsClaimed); err != nil {
			return nil, fmt.Errorf("scanning totals: %w", err)
		}
		totals[e.UserID] = e
	}
	return totals, nil
}
