package domain

import "errors"

// Domain errors
var (
	ErrInvalidCoordinates    = errors.New("coordinates outside the board")
	ErrCellAlreadyOwned      = errors.New("cell already owned")
	ErrGameNotActive         = errors.New("game is not in progress")
	ErrGameNotFound          = errors.New("game not found")
	ErrParticipantNotFound   = errors.New("participant not found in game")
	ErrRateLimited           = errors.New("rate limit exceeded")
	ErrDuplicateResultCommit = errors.New("game result already committed")
	ErrInsufficientPlayers   = errors.New("not enough players to start")
	ErrGameFull              = errors.New("game is full")
	ErrAlreadyJoined         = errors.New("user already joined this game")
	ErrColorExhausted        = errors.New("color palette exhausted")
	ErrNotCreator            = errors.New("only the creator may do this")
	ErrStorageUnavailable    = errors.New("storage unavailable, retry the request")
	ErrInvalidRequest        = errors.New("invalid request")
	ErrInternalError         = errors.New("internal server error")
)

// IsGameplayRejection reports whether err is an expected rule violation
// returned to the caller as a normal outcome, as opposed to throttling or
// a system fault.
func IsGameplayRejection(err error) bool {
	return errors.Is(err, ErrCellAlreadyOwned) ||
		errors.Is(err, ErrGameNotActive) ||
		errors.Is(err, ErrInvalidCoordinates)
}

// IsNotFoundError checks if an error is a not-found type error
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrGameNotFound) || errors.Is(err, ErrParticipantNotFound)
}
