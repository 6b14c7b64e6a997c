package board

import "github.com/gridclaim/internal/domain"

// Policy decides whether a claim may take a cell given its current owner.
// Arbitration serializes concurrent attempts per cell; the policy only sees
// the state the winning serialization order produced.
type Policy interface {
	// Allow reports whether claimant may take a cell currently owned by
	// current (nil when unclaimed). claimantCells and currentCells are the
	// respective live ownership counts at decision time.
	Allow(current *domain.CellOwner, claimant string, claimantCells, currentCells int) bool
}

// FirstClaimWins is the default policy: a cell, once owned, never changes
// hands.
type FirstClaimWins struct{}

func (FirstClaimWins) Allow(current *domain.CellOwner, _ string, _, _ int) bool {
	return current == nil
}

// ScoredOverwrite allows a participant with a strictly higher ownership
// count to evict the current owner. Shipped as an extension point; not
// wired by default.
type ScoredOverwrite struct{}

func (ScoredOverwrite) Allow(current *domain.CellOwner, claimant string, claimantCells, currentCells int) bool {
	if current == nil {
		return true
	}
	if current.UserID == claimant {
		return false
	}
	return claimantCells > currentCells
}
