package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/gridclaim/internal/domain"
	"github.com/gridclaim/internal/engine"
	"github.com/gridclaim/internal/websocket"
)

// Handler provides HTTP handlers for the game API
type Handler struct {
	engine *engine.Engine
	hub    *websocket.Hub
	logger *slog.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(eng *engine.Engine, hub *websocket.Hub, logger *slog.Logger) *Handler {
	return &Handler{
		engine: eng,
		hub:    hub,
		logger: logger,
	}
}

// APIResponse represents a standard API response
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// ClaimResponse is the typed outcome of a claim attempt. Gameplay
// rejections are normal outcomes: the response carries a reason instead
// of an error status.
type ClaimResponse struct {
	Accepted   bool              `json:"accepted"`
	OwnerAfter *domain.CellOwner `json:"owner_after,omitempty"`
	CellsOwned int               `json:"cells_owned"`
	Reason     string            `json:"reason,omitempty"`
}

// Router creates and configures the HTTP router
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	r.Use(corsMiddleware)

	// Health check
	r.Get("/health", h.HealthCheck)
	r.Get("/ready", h.ReadyCheck)

	// WebSocket endpoint
	r.Get("/ws", h.HandleWebSocket)

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/games", func(r chi.Router) {
			r.Post("/", h.CreateGame)

			r.Route("/{gameID}", func(r chi.Router) {
				r.Get("/", h.GetGame)
				r.Post("/join", h.JoinGame)
				r.Post("/leave", h.LeaveGame)
				r.Post("/start", h.StartGame)
				r.Post("/cancel", h.CancelGame)
				r.Post("/end", h.EndGame)
				r.Post("/claim", h.ClaimCell)
				r.Get("/snapshot", h.GetSnapshot)
				r.Get("/result", h.GetResult)
			})
		})

		r.Post("/join", h.JoinByInvite)
		r.Get("/leaderboards/{window}", h.GetLeaderboard)

		// WebSocket info endpoint
		r.Get("/ws/stats", h.GetWebSocketStats)
	})

	return r
}

// corsMiddleware adds CORS headers
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-Request-ID")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeSuccess writes a successful JSON response
func (h *Handler) writeSuccess(w http.ResponseWriter, data interface{}) {
	h.writeJSON(w, http.StatusOK, APIResponse{
		Success: true,
		Data:    data,
	})
}

// writeError writes an error JSON response
func (h *Handler) writeError(w http.ResponseWriter, status int, err error) {
	h.writeJSON(w, status, APIResponse{
		Success: false,
		Error:   err.Error(),
	})
}

// writeEngineError maps domain errors onto HTTP statuses. Throttling is
// distinguished from gameplay rejection so clients can show "slow down"
// instead of "invalid move".
func (h *Handler) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrRateLimited):
		h.writeError(w, http.StatusTooManyRequests, domain.ErrRateLimited)
	case domain.IsNotFoundError(err):
		h.writeError(w, http.StatusNotFound, err)
	case errors.Is(err, domain.ErrInvalidRequest), errors.Is(err, domain.ErrInvalidCoordinates):
		h.writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, domain.ErrNotCreator):
		h.writeError(w, http.StatusForbidden, err)
	case domain.IsGameplayRejection(err),
		errors.Is(err, domain.ErrGameFull),
		errors.Is(err, domain.ErrAlreadyJoined),
		errors.Is(err, domain.ErrInsufficientPlayers),
		errors.Is(err, domain.ErrColorExhausted):
		h.writeError(w, http.StatusConflict, err)
	case errors.Is(err, domain.ErrStorageUnavailable):
		h.writeError(w, http.StatusServiceUnavailable, domain.ErrStorageUnavailable)
	default:
		h.logger.Error("request failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, domain.ErrInternalError)
	}
}

// HandleWebSocket handles WebSocket upgrade requests
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	websocket.ServeWs(h.hub, h.engine, h.logger, w, r)
}

// GetWebSocketStats returns WebSocket connection statistics
func (h *Handler) GetWebSocketStats(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, map[string]interface{}{
		"total_connections": h.hub.GetTotalConnections(),
	})
}

// HealthCheck returns service health status
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, map[string]string{"status": "healthy"})
}

// ReadyCheck returns service readiness status
func (h *Handler) ReadyCheck(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, map[string]string{"status": "ready"})
}

type createGameRequest struct {
	UserID     string `json:"user_id"`
	Name       string `json:"name"`
	BoardSize  int    `json:"board_size,omitempty"`
	MaxPlayers int    `json:"max_players,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
}

// CreateGame handles game creation
func (h *Handler) CreateGame(w http.ResponseWriter, r *http.Request) {
	var req createGameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}
	if req.UserID == "" {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	game, err := h.engine.CreateGame(r.Context(), engine.CreateGameParams{
		CreatorID:  req.UserID,
		Name:       req.Name,
		BoardSize:  req.BoardSize,
		MaxPlayers: req.MaxPlayers,
		Duration:   time.Duration(req.DurationMS) * time.Millisecond,
	})
	if err != nil {
		h.writeEngineError(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, APIResponse{
		Success: true,
		Data:    game,
	})
}

type userRequest struct {
	UserID string `json:"user_id"`
}

// GetGame returns a game's current snapshot metadata
func (h *Handler) GetGame(w http.ResponseWriter, r *http.Request) {
	gameID := chi.URLParam(r, "gameID")
	if gameID == "" {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	game, err := h.engine.Game(r.Context(), gameID)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}

	h.writeSuccess(w, game)
}

// GetResult returns the committed result of a finished game
func (h *Handler) GetResult(w http.ResponseWriter, r *http.Request) {
	gameID := chi.URLParam(r, "gameID")
	if gameID == "" {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	result, err := h.engine.GameResult(r.Context(), gameID)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}

	h.writeSuccess(w, result)
}

// JoinGame adds the requesting user to a game by ID
func (h *Handler) JoinGame(w http.ResponseWriter, r *http.Request) {
	gameID := chi.URLParam(r, "gameID")
	var req userRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" || gameID == "" {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	participant, err := h.engine.JoinGame(r.Context(), gameID, "", req.UserID)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}

	h.writeSuccess(w, participant)
}

type joinByInviteRequest struct {
	UserID     string `json:"user_id"`
	InviteCode string `json:"invite_code"`
}

// JoinByInvite adds the requesting user to a game by invite code
func (h *Handler) JoinByInvite(w http.ResponseWriter, r *http.Request) {
	var req joinByInviteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" || req.InviteCode == "" {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	participant, err := h.engine.JoinGame(r.Context(), "", req.InviteCode, req.UserID)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}

	h.writeSuccess(w, participant)
}

// LeaveGame marks the requesting user inactive in a game
func (h *Handler) LeaveGame(w http.ResponseWriter, r *http.Request) {
	gameID := chi.URLParam(r, "gameID")
	var req userRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" || gameID == "" {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	if err := h.engine.LeaveGame(r.Context(), gameID, req.UserID); err != nil {
		h.writeEngineError(w, err)
		return
	}

	h.writeSuccess(w, map[string]string{"status": "left"})
}

// StartGame flips a waiting game to in_progress
func (h *Handler) StartGame(w http.ResponseWriter, r *http.Request) {
	gameID := chi.URLParam(r, "gameID")
	var req userRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" || gameID == "" {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	game, err := h.engine.StartGame(r.Context(), gameID, req.UserID)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}

	h.writeSuccess(w, game)
}

// CancelGame cancels a game on behalf of its creator
func (h *Handler) CancelGame(w http.ResponseWriter, r *http.Request) {
	gameID := chi.URLParam(r, "gameID")
	var req userRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" || gameID == "" {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	if err := h.engine.CancelGame(r.Context(), gameID, req.UserID); err != nil {
		h.writeEngineError(w, err)
		return
	}

	h.writeSuccess(w, map[string]string{"status": "cancelled"})
}

// EndGame explicitly completes a game on behalf of its creator
func (h *Handler) EndGame(w http.ResponseWriter, r *http.Request) {
	gameID := chi.URLParam(r, "gameID")
	var req userRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" || gameID == "" {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	if err := h.engine.EndGame(r.Context(), gameID, req.UserID); err != nil {
		h.writeEngineError(w, err)
		return
	}

	h.writeSuccess(w, map[string]string{"status": "completed"})
}

type claimRequest struct {
	UserID string `json:"user_id"`
	X      int    `json:"x"`
	Y      int    `json:"y"`
}

// ClaimCell handles a cell claim attempt. A gameplay rejection is a
// normal outcome and comes back 200 with accepted=false and a reason;
// throttling and system faults use error statuses.
func (h *Handler) ClaimCell(w http.ResponseWriter, r *http.Request) {
	gameID := chi.URLParam(r, "gameID")
	var req claimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" || gameID == "" {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	result, err := h.engine.ClaimCell(r.Context(), domain.ClaimAttempt{
		GameID: gameID,
		UserID: req.UserID,
		X:      req.X,
		Y:      req.Y,
	})
	if err != nil && !domain.IsGameplayRejection(err) {
		h.writeEngineError(w, err)
		return
	}

	resp := ClaimResponse{}
	if result != nil {
		resp.Accepted = result.Accepted
		resp.OwnerAfter = result.OwnerAfter
		resp.CellsOwned = result.CellsOwned
	}
	if err != nil {
		resp.Reason = err.Error()
	}
	h.writeSuccess(w, resp)
}

// GetSnapshot returns a point-in-time consistent view of a game
func (h *Handler) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	gameID := chi.URLParam(r, "gameID")
	if gameID == "" {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	snapshot, err := h.engine.GetSnapshot(r.Context(), gameID, r.URL.Query().Get("user_id"))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}

	h.writeSuccess(w, snapshot)
}

// GetLeaderboard returns the top entries of a rolling window
func (h *Handler) GetLeaderboard(w http.ResponseWriter, r *http.Request) {
	window := domain.Window(chi.URLParam(r, "window"))

	metric := domain.MetricCells
	if m := r.URL.Query().Get("metric"); m == string(domain.MetricWins) {
		metric = domain.MetricWins
	}

	limit := 0
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			limit = l
		}
	}

	entries, err := h.engine.Leaderboard(r.Context(), window, metric, limit)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}

	h.writeSuccess(w, entries)
}
