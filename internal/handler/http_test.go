package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gridclaim/internal/board"
	"github.com/gridclaim/internal/config"
	"github.com/gridclaim/internal/domain"
	"github.com/gridclaim/internal/engine"
	"github.com/gridclaim/internal/lifecycle"
	"github.com/gridclaim/internal/ratelimit"
	"github.com/gridclaim/internal/scoring"
	"github.com/gridclaim/internal/websocket"
)

func newTestServer(t *testing.T) (*httptest.Server, *engine.Engine) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	cfg := config.DefaultConfig()
	cfg.RateLimit.CellClaimsPerSecond = 10000
	cfg.RateLimit.APIRequestsPerMin = 600000

	hub := websocket.NewHub(logger)
	eng := engine.New(
		ratelimit.New(&cfg.RateLimit),
		lifecycle.NewManager(&cfg.Game, logger),
		board.NewStore(board.FirstClaimWins{}, nil, logger),
		scoring.NewAggregator(nil, nil, logger),
		hub,
		nil,
		nil,
		cfg,
		logger,
	)

	h := NewHandler(eng, hub, logger)
	srv := httptest.NewServer(h.Router())
	t.Cleanup(srv.Close)
	return srv, eng
}

func doJSON(t *testing.T, method, url string, body any) (*http.Response, APIResponse) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var apiResp APIResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return resp, apiResp
}

func decodeData(t *testing.T, apiResp APIResponse, out any) {
	t.Helper()
	raw, err := json.Marshal(apiResp.Data)
	if err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		t.Fatal(err)
	}
}

func createGame(t *testing.T, srv *httptest.Server) domain.Game {
	t.Helper()
	resp, apiResp := doJSON(t, http.MethodPost, srv.URL+"/api/v1/games", map[string]any{
		"user_id": "alice",
		"name":    "test game",
	})
	if resp.StatusCode != http.StatusCreated || !apiResp.Success {
		t.Fatalf("create game: status=%d resp=%+v", resp.StatusCode, apiResp)
	}
	var game domain.Game
	decodeData(t, apiResp, &game)
	return game
}

func TestHealthAndReady(t *testing.T) {
	srv, _ := newTestServer(t)

	for _, path := range []string{"/health", "/ready"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s status = %d", path, resp.StatusCode)
		}
	}
}

func TestCreateGameEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	game := createGame(t, srv)
	if game.ID == "" || game.Status != domain.StatusWaiting || game.InviteCode == "" {
		t.Fatalf("created game = %+v", game)
	}

	// Missing user is a 400.
	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/v1/games", map[string]any{"name": "x"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}

	// Invalid board size is a 400.
	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/api/v1/games", map[string]any{
		"user_id":    "alice",
		"board_size": 7,
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestJoinStartAndClaimEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)
	game := createGame(t, srv)
	base := srv.URL + "/api/v1/games/" + game.ID

	resp, apiResp := doJSON(t, http.MethodPost, base+"/join", map[string]any{"user_id": "bob"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("join status = %d: %+v", resp.StatusCode, apiResp)
	}

	// Join again: conflict.
	resp, _ = doJSON(t, http.MethodPost, base+"/join", map[string]any{"user_id": "bob"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("double join status = %d, want 409", resp.StatusCode)
	}

	// Claim before start: conflict (game not active).
	resp, _ = doJSON(t, http.MethodPost, base+"/claim", map[string]any{"user_id": "bob", "x": 0, "y": 0})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("claim in waiting status = %d, want 409", resp.StatusCode)
	}

	// Non-creator start: forbidden.
	resp, _ = doJSON(t, http.MethodPost, base+"/start", map[string]any{"user_id": "bob"})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("non-creator start status = %d, want 403", resp.StatusCode)
	}

	resp, _ = doJSON(t, http.MethodPost, base+"/start", map[string]any{"user_id": "alice"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start status = %d", resp.StatusCode)
	}

	// Accepted claim: 200 with accepted=true.
	resp, apiResp = doJSON(t, http.MethodPost, base+"/claim", map[string]any{"user_id": "bob", "x": 1, "y": 2})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("claim status = %d: %+v", resp.StatusCode, apiResp)
	}
	var claim ClaimResponse
	decodeData(t, apiResp, &claim)
	if !claim.Accepted || claim.CellsOwned != 1 {
		t.Fatalf("claim response = %+v", claim)
	}

	// Losing claim: still 200, accepted=false with reason and owner.
	resp, apiResp = doJSON(t, http.MethodPost, base+"/claim", map[string]any{"user_id": "alice", "x": 1, "y": 2})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("losing claim status = %d, want 200", resp.StatusCode)
	}
	decodeData(t, apiResp, &claim)
	if claim.Accepted || claim.Reason == "" || claim.OwnerAfter == nil || claim.OwnerAfter.UserID != "bob" {
		t.Fatalf("losing claim response = %+v", claim)
	}

	// Out-of-bounds claim: 400.
	resp, _ = doJSON(t, http.MethodPost, base+"/claim", map[string]any{"user_id": "bob", "x": 99, "y": 0})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("out-of-bounds claim status = %d, want 400", resp.StatusCode)
	}
}

func TestJoinByInviteEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	game := createGame(t, srv)

	resp, apiResp := doJSON(t, http.MethodPost, srv.URL+"/api/v1/join", map[string]any{
		"user_id":     "bob",
		"invite_code": game.InviteCode,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("join by invite status = %d: %+v", resp.StatusCode, apiResp)
	}
	var p domain.Participant
	decodeData(t, apiResp, &p)
	if p.GameID != game.ID {
		t.Fatalf("joined game %s, want %s", p.GameID, game.ID)
	}

	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/api/v1/join", map[string]any{
		"user_id":     "carol",
		"invite_code": "WRONG123",
	})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("bad invite status = %d, want 404", resp.StatusCode)
	}
}

func TestSnapshotEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	game := createGame(t, srv)
	base := srv.URL + "/api/v1/games/" + game.ID

	doJSON(t, http.MethodPost, base+"/join", map[string]any{"user_id": "bob"})
	doJSON(t, http.MethodPost, base+"/start", map[string]any{"user_id": "alice"})
	doJSON(t, http.MethodPost, base+"/claim", map[string]any{"user_id": "bob", "x": 0, "y": 0})

	resp, apiResp := doJSON(t, http.MethodGet, base+"/snapshot", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("snapshot status = %d", resp.StatusCode)
	}
	var snap domain.Snapshot
	decodeData(t, apiResp, &snap)
	if snap.Game.ID != game.ID || len(snap.Board) != game.BoardSize {
		t.Fatalf("snapshot = %+v", snap.Game)
	}
	if snap.Board[0][0] == nil || snap.Board[0][0].UserID != "bob" {
		t.Fatalf("snapshot cell (0,0) = %+v", snap.Board[0][0])
	}
	for _, p := range snap.Participants {
		if p.UserID == "bob" && p.CellsOwned != 1 {
			t.Fatalf("bob cells = %d, want 1", p.CellsOwned)
		}
	}

	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/api/v1/games/does-not-exist/snapshot", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing game snapshot status = %d, want 404", resp.StatusCode)
	}
}

func TestLeaderboardEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, apiResp := doJSON(t, http.MethodGet, srv.URL+"/api/v1/leaderboards/daily", nil)
	if resp.StatusCode != http.StatusOK || !apiResp.Success {
		t.Fatalf("leaderboard status = %d: %+v", resp.StatusCode, apiResp)
	}

	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/api/v1/leaderboards/monthly", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid window status = %d, want 400", resp.StatusCode)
	}
}

func TestRateLimitedClaimReturns429(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	cfg := config.DefaultConfig()
	cfg.RateLimit.CellClaimsPerSecond = 2
	cfg.RateLimit.APIRequestsPerMin = 600000

	hub := websocket.NewHub(logger)
	eng := engine.New(
		ratelimit.New(&cfg.RateLimit),
		lifecycle.NewManager(&cfg.Game, logger),
		board.NewStore(board.FirstClaimWins{}, nil, logger),
		scoring.NewAggregator(nil, nil, logger),
		hub,
		nil,
		nil,
		cfg,
		logger,
	)
	srv := httptest.NewServer(NewHandler(eng, hub, logger).Router())
	defer srv.Close()

	game := createGame(t, srv)
	base := srv.URL + "/api/v1/games/" + game.ID
	doJSON(t, http.MethodPost, base+"/join", map[string]any{"user_id": "bob"})
	doJSON(t, http.MethodPost, base+"/start", map[string]any{"user_id": "alice"})

	throttled := 0
	for i := 0; i < 6; i++ {
		resp, _ := doJSON(t, http.MethodPost, base+"/claim", map[string]any{
			"user_id": "bob",
			"x":       i,
			"y":       0,
		})
		if resp.StatusCode == http.StatusTooManyRequests {
			throttled++
		} else if resp.StatusCode != http.StatusOK {
			t.Fatalf("claim %d status = %d", i, resp.StatusCode)
		}
	}
	if throttled != 4 {
		t.Fatalf("throttled %d of 6 claims, want 4", throttled)
	}
}

func TestGetGameEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	game := createGame(t, srv)

	resp, apiResp := doJSON(t, http.MethodGet, fmt.Sprintf("%s/api/v1/games/%s/", srv.URL, game.ID), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get game status = %d", resp.StatusCode)
	}
	var got domain.Game
	decodeData(t, apiResp, &got)
	if got.ID != game.ID {
		t.Fatalf("got game %s, want %s", got.ID, game.ID)
	}
}

// stubResultStore serves one canned result, standing in for Postgres.
type stubResultStore struct {
	result *domain.GameResult
}

func (s *stubResultStore) UpsertGame(context.Context, domain.Game) error { return nil }

func (s *stubResultStore) GetGame(context.Context, string) (*domain.Game, error) {
	return nil, domain.ErrGameNotFound
}

func (s *stubResultStore) UpsertParticipants(context.Context, string, []domain.Participant) error {
	return nil
}

func (s *stubResultStore) GetResult(_ context.Context, gameID string) (*domain.GameResult, error) {
	if s.result != nil && s.result.GameID == gameID {
		return s.result, nil
	}
	return nil, domain.ErrGameNotFound
}

func TestGetResultEndpoint(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	cfg := config.DefaultConfig()
	cfg.RateLimit.APIRequestsPerMin = 600000

	winner := "alice"
	store := &stubResultStore{result: &domain.GameResult{
		GameID:     "finished",
		WinnerID:   &winner,
		Scores:     map[string]int{"alice": 9, "bob": 7},
		TotalMoves: 16,
		Reason:     domain.EndReasonBoardFull,
	}}

	hub := websocket.NewHub(logger)
	eng := engine.New(
		ratelimit.New(&cfg.RateLimit),
		lifecycle.NewManager(&cfg.Game, logger),
		board.NewStore(board.FirstClaimWins{}, nil, logger),
		scoring.NewAggregator(nil, nil, logger),
		hub,
		nil,
		store,
		cfg,
		logger,
	)
	srv := httptest.NewServer(NewHandler(eng, hub, logger).Router())
	defer srv.Close()

	resp, apiResp := doJSON(t, http.MethodGet, srv.URL+"/api/v1/games/finished/result", nil)
	if resp.StatusCode != http.StatusOK || !apiResp.Success {
		t.Fatalf("result: status=%d resp=%+v", resp.StatusCode, apiResp)
	}
	var result domain.GameResult
	decodeData(t, apiResp, &result)
	if result.Scores["alice"] != 9 || result.Reason != domain.EndReasonBoardFull {
		t.Fatalf("result = %+v", result)
	}

	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/api/v1/games/unknown/result", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing result status = %d, want 404", resp.StatusCode)
	}
}
