package domain

// Window represents a rolling leaderboard time window
type Window string

const (
	WindowDaily   Window = "daily"
	WindowWeekly  Window = "weekly"
	WindowAllTime Window = "alltime"
)

// Windows lists every rolling window a result is folded into.
var Windows = []Window{WindowDaily, WindowWeekly, WindowAllTime}

// Valid reports whether w names a known window.
func (w Window) Valid() bool {
	switch w {
	case WindowDaily, WindowWeekly, WindowAllTime:
		return true
	}
	return false
}

// Metric selects which counter a leaderboard read is ranked by
type Metric string

const (
	MetricWins  Metric = "wins"
	MetricCells Metric = "cells"
)

// LeaderboardEntry is an aggregated row for one user in one window.
type LeaderboardEntry struct {
	Rank         int64  `json:"rank"`
	UserID       string `json:"user_id"`
	GamesPlayed  int64  `json:"games_played"`
	Wins         int64  `json:"wins"`
	CellsClaimed int64  `json:"cells_claimed"`
}
