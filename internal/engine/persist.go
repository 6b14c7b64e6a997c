package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/gridclaim/internal/domain"
	"github.com/gridclaim/internal/postgres"
	redisstore "github.com/gridclaim/internal/redis"
)

// ClaimPersister is the board store's write-through path: the Redis cell
// lock and board hash carry the cross-process claim, the Postgres move
// log carries the durable record. A claim is only accepted once both
// writes confirm; any failure rolls the Redis side back so the caller
// can retry safely.
type ClaimPersister struct {
	Redis    *redisstore.Store
	Postgres *postgres.Repository
	Logger   *slog.Logger
}

// PersistClaim implements board.Persister.
func (p *ClaimPersister) PersistClaim(ctx context.Context, move domain.Move, owner domain.CellOwner, cellsOwned int) error {
	holder, err := p.Redis.AcquireCellLock(ctx, move.GameID, move.X, move.Y, move.UserID)
	if err != nil {
		return fmt.Errorf("acquiring claim lock: %w", err)
	}
	if holder != move.UserID {
		// Another process settled this cell first.
		return domain.ErrCellAlreadyOwned
	}

	if err := p.Redis.SetBoardCell(ctx, move.GameID, move.X, move.Y, owner, cellsOwned); err != nil {
		p.rollback(ctx, move)
		return fmt.Errorf("writing claim: %w", err)
	}

	if err := p.Postgres.InsertMove(ctx, move); err != nil {
		if clearErr := p.Redis.ClearBoardCell(ctx, move.GameID, move.X, move.Y); clearErr != nil {
			p.Logger.Error("rolling back board cell failed",
				"game_id", move.GameID, "x", move.X, "y", move.Y, "error", clearErr)
		}
		p.rollback(ctx, move)
		return fmt.Errorf("recording move: %w", err)
	}

	return nil
}

func (p *ClaimPersister) rollback(ctx context.Context, move domain.Move) {
	if err := p.Redis.ReleaseCellLock(ctx, move.GameID, move.X, move.Y); err != nil {
		p.Logger.Error("releasing claim lock failed",
			"game_id", move.GameID, "x", move.X, "y", move.Y, "error", err)
	}
}
