package domain

import "time"

// Event types broadcast to the transport layer
const (
	EventCellClaimed       = "cell_claimed"
	EventGameStarted       = "game_started"
	EventGameEnded         = "game_ended"
	EventParticipantJoined = "participant_joined"
	EventParticipantLeft   = "participant_left"
)

// CellClaimedEvent is emitted after a claim is accepted. It carries the
// post-claim ownership count so clients never have to re-derive it.
type CellClaimedEvent struct {
	GameID          string    `json:"game_id"`
	X               int       `json:"x"`
	Y               int       `json:"y"`
	UserID          string    `json:"user_id"`
	Color           string    `json:"color"`
	CellsOwnedAfter int       `json:"cells_owned_after"`
	ClaimedAt       time.Time `json:"claimed_at"`
}

// GameStartedEvent is emitted on the waiting -> in_progress transition.
type GameStartedEvent struct {
	GameID    string    `json:"game_id"`
	StartedAt time.Time `json:"started_at"`
}

// GameEndedEvent is emitted on any transition into a terminal state.
type GameEndedEvent struct {
	GameID string      `json:"game_id"`
	Status GameStatus  `json:"status"`
	Result *GameResult `json:"result,omitempty"`
}

// ParticipantEvent is emitted when a participant joins or leaves.
type ParticipantEvent struct {
	GameID string `json:"game_id"`
	UserID string `json:"user_id"`
	Color  string `json:"color,omitempty"`
	Count  int    `json:"count"`
}

// ClaimAttempt is the inbound request shape for a claim, used by both the
// HTTP handler and the Kafka ingestion path.
type ClaimAttempt struct {
	GameID string `json:"game_id"`
	UserID string `json:"user_id"`
	X      int    `json:"x"`
	Y      int    `json:"y"`
}
