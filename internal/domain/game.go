package domain

import (
	"crypto/rand"
	"time"
)

// GameStatus represents the lifecycle phase of a game
type GameStatus string

const (
	StatusWaiting    GameStatus = "waiting"
	StatusInProgress GameStatus = "in_progress"
	StatusCompleted  GameStatus = "completed"
	StatusCancelled  GameStatus = "cancelled"
)

// Terminal reports whether no further transitions are allowed from s.
func (s GameStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// EndReason records why a game left in_progress
type EndReason string

const (
	EndReasonBoardFull    EndReason = "board_full"
	EndReasonTimerExpired EndReason = "timer_expired"
	EndReasonExplicit     EndReason = "explicit"
	EndReasonCancelled    EndReason = "cancelled"
)

// Board size and player count bounds
const (
	MinBoardSize      = 4
	MaxBoardSize      = 16
	DefaultBoardSize  = 8
	MinPlayers        = 2
	MaxPlayers        = 10
	DefaultMaxPlayers = 4
	InviteCodeLength  = 8
)

// Palette is the fixed set of participant colors. Each color is assigned
// to at most one participant per game.
var Palette = [10]string{
	"#e6194b", "#3cb44b", "#ffe119", "#4363d8", "#f58231",
	"#911eb4", "#46f0f0", "#f032e6", "#bcf60c", "#008080",
}

// Game holds the metadata for a single match.
type Game struct {
	ID         string        `json:"id"`
	CreatorID  string        `json:"creator_id"`
	Name       string        `json:"name"`
	BoardSize  int           `json:"board_size"`
	MaxPlayers int           `json:"max_players"`
	Status     GameStatus    `json:"status"`
	InviteCode string        `json:"invite_code"`
	Duration   time.Duration `json:"duration,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	StartedAt  *time.Time    `json:"started_at,omitempty"`
	EndedAt    *time.Time    `json:"ended_at,omitempty"`
	WinnerID   *string       `json:"winner_id,omitempty"`
}

// CellOwner identifies the participant that owns a board cell.
type CellOwner struct {
	UserID string `json:"user_id"`
	Color  string `json:"color"`
}

// Participant is a player's membership in a single game.
type Participant struct {
	GameID     string    `json:"game_id"`
	UserID     string    `json:"user_id"`
	Color      string    `json:"color"`
	CellsOwned int       `json:"cells_owned"`
	IsActive   bool      `json:"is_active"`
	JoinedAt   time.Time `json:"joined_at"`
}

// Move is an immutable record of an accepted claim. The move log is the
// source of truth for recomputing ownership counters.
type Move struct {
	ID        string    `json:"id"`
	GameID    string    `json:"game_id"`
	UserID    string    `json:"user_id"`
	X         int       `json:"x"`
	Y         int       `json:"y"`
	ClaimedAt time.Time `json:"claimed_at"`
}

// GameResult is produced exactly once when a game completes. It is never
// mutated after being written; leaderboard commits key off GameID.
type GameResult struct {
	GameID     string         `json:"game_id"`
	WinnerID   *string        `json:"winner_id,omitempty"`
	Scores     map[string]int `json:"scores"`
	Duration   time.Duration  `json:"duration"`
	TotalMoves int            `json:"total_moves"`
	EndedAt    time.Time      `json:"ended_at"`
	Reason     EndReason      `json:"reason"`
}

// Snapshot is a point-in-time consistent view of a game's board and
// participants. It never observes a partially applied claim.
type Snapshot struct {
	Game         Game           `json:"game"`
	Board        [][]*CellOwner `json:"board"`
	Participants []Participant  `json:"participants"`
	TakenAt      time.Time      `json:"taken_at"`
}

// ClaimResult is the outcome of a claim attempt.
type ClaimResult struct {
	Accepted   bool       `json:"accepted"`
	OwnerAfter *CellOwner `json:"owner_after,omitempty"`
	CellsOwned int        `json:"cells_owned"`
}

// inviteAlphabet omits easily confused characters (0/O, 1/I/l).
const inviteAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

// NewInviteCode returns a random invite code of InviteCodeLength characters.
func NewInviteCode() string {
	buf := make([]byte, InviteCodeLength)
	if _, err := rand.Read(buf); err != nil {
		panic("domain: reading random bytes: " + err.Error())
	}
	for i, b := range buf {
		buf[i] = inviteAlphabet[int(b)%len(inviteAlphabet)]
	}
	return string(buf)
}

// ValidBoardSize reports whether n is an allowed board dimension.
func ValidBoardSize(n int) bool {
	return n >= MinBoardSize && n <= MaxBoardSize && n%2 == 0
}

// ValidMaxPlayers reports whether n is an allowed player cap.
func ValidMaxPlayers(n int) bool {
	return n >= MinPlayers && n <= MaxPlayers
}
