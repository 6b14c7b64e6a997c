// Package lifecycle governs game status transitions and membership. The
// state machine is monotonic: waiting -> in_progress -> completed or
// cancelled, plus waiting -> cancelled; terminal states accept nothing.
package lifecycle

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gridclaim/internal/config"
	"github.com/gridclaim/internal/domain"
)

// gameState bundles a game's metadata with its claim barrier. Claims hold
// the barrier read side for their whole apply; transitions take the write
// side, so flipping status drains every in-flight claim first.
type gameState struct {
	barrier sync.RWMutex

	mu           sync.Mutex
	game         domain.Game
	participants map[string]*domain.Participant
}

// Manager is the authority over which games exist and which phase they
// are in.
type Manager struct {
	mu       sync.RWMutex
	games    map[string]*gameState
	byInvite map[string]string

	cfg    *config.GameConfig
	logger *slog.Logger
}

// NewManager creates a lifecycle manager.
func NewManager(cfg *config.GameConfig, logger *slog.Logger) *Manager {
	return &Manager{
		games:    make(map[string]*gameState),
		byInvite: make(map[string]string),
		cfg:      cfg,
		logger:   logger,
	}
}

// CreateParams are the caller-supplied game settings; zero values fall
// back to configuration defaults.
type CreateParams struct {
	CreatorID  string
	Name       string
	BoardSize  int
	MaxPlayers int
	Duration   time.Duration
}

// Create registers a new game in waiting state. The creator joins as the
// first participant.
func (m *Manager) Create(p CreateParams) (domain.Game, error) {
	if p.CreatorID == "" {
		return domain.Game{}, domain.ErrInvalidRequest
	}
	if p.BoardSize == 0 {
		p.BoardSize = m.cfg.DefaultBoardSize
	}
	if p.MaxPlayers == 0 {
		p.MaxPlayers = m.cfg.DefaultMaxPlayers
	}
	if p.Duration == 0 {
		p.Duration = m.cfg.DefaultDuration
	}
	if !domain.ValidBoardSize(p.BoardSize) || !domain.ValidMaxPlayers(p.MaxPlayers) {
		return domain.Game{}, domain.ErrInvalidRequest
	}

	now := time.Now().UTC()
	game := domain.Game{
		ID:         uuid.New().String(),
		CreatorID:  p.CreatorID,
		Name:       p.Name,
		BoardSize:  p.BoardSize,
		MaxPlayers: p.MaxPlayers,
		Status:     domain.StatusWaiting,
		InviteCode: domain.NewInviteCode(),
		Duration:   p.Duration,
		CreatedAt:  now,
	}

	gs := &gameState{
		game:         game,
		participants: make(map[string]*domain.Participant),
	}
	gs.participants[p.CreatorID] = &domain.Participant{
		GameID:   game.ID,
		UserID:   p.CreatorID,
		Color:    domain.Palette[0],
		IsActive: true,
		JoinedAt: now,
	}

	m.mu.Lock()
	m.games[game.ID] = gs
	m.byInvite[game.InviteCode] = game.ID
	m.mu.Unlock()

	m.logger.Info("game created",
		"game_id", game.ID, "creator_id", p.CreatorID,
		"board_size", game.BoardSize, "max_players", game.MaxPlayers)
	return game, nil
}

func (m *Manager) state(gameID string) (*gameState, error) {
	m.mu.RLock()
	gs, ok := m.games[gameID]
	m.mu.RUnlock()
	if !ok {
		return nil, domain.ErrGameNotFound
	}
	return gs, nil
}

// Get returns a copy of a game's metadata.
func (m *Manager) Get(gameID string) (domain.Game, error) {
	gs, err := m.state(gameID)
	if err != nil {
		return domain.Game{}, err
	}
	gs.mu.Lock()
	defer gs.mu.Unlock()
	return gs.game, nil
}

// ResolveInvite maps an invite code to its game ID.
func (m *Manager) ResolveInvite(code string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	gameID, ok := m.byInvite[code]
	if !ok {
		return "", domain.ErrGameNotFound
	}
	return gameID, nil
}

// Join adds a user to a waiting game, assigning the first free palette
// color. Rejoining a game the user already belongs to reactivates the
// existing participant instead of failing, which keeps reconnects
// idempotent.
func (m *Manager) Join(gameID, userID string) (domain.Participant, error) {
	gs, err := m.state(gameID)
	if err != nil {
		return domain.Participant{}, err
	}

	gs.mu.Lock()
	defer gs.mu.Unlock()

	if p, ok := gs.participants[userID]; ok {
		if gs.game.Status.Terminal() {
			return domain.Participant{}, domain.ErrGameNotActive
		}
		if p.IsActive {
			return *p, domain.ErrAlreadyJoined
		}
		p.IsActive = true
		return *p, nil
	}

	if gs.game.Status != domain.StatusWaiting {
		return domain.Participant{}, domain.ErrGameNotActive
	}
	if len(gs.participants) >= gs.game.MaxPlayers {
		return domain.Participant{}, domain.ErrGameFull
	}

	color, err := gs.freeColor()
	if err != nil {
		return domain.Participant{}, err
	}

	p := &domain.Participant{
		GameID:   gameID,
		UserID:   userID,
		Color:    color,
		IsActive: true,
		JoinedAt: time.Now().UTC(),
	}
	gs.participants[userID] = p
	return *p, nil
}

// freeColor returns the lowest palette color not yet assigned in this
// game. Caller holds gs.mu.
func (gs *gameState) freeColor() (string, error) {
	used := make(map[string]bool, len(gs.participants))
	for _, p := range gs.participants {
		used[p.Color] = true
	}
	for _, c := range domain.Palette {
		if !used[c] {
			return c, nil
		}
	}
	return "", domain.ErrColorExhausted
}

// Leave marks a participant inactive and returns the remaining active
// count. The caller decides whether the game must be cancelled.
func (m *Manager) Leave(gameID, userID string) (active int, status domain.GameStatus, err error) {
	gs, err := m.state(gameID)
	if err != nil {
		return 0, "", err
	}

	gs.mu.Lock()
	defer gs.mu.Unlock()

	p, ok := gs.participants[userID]
	if !ok {
		return 0, "", domain.ErrParticipantNotFound
	}
	p.IsActive = false

	for _, q := range gs.participants {
		if q.IsActive {
			active++
		}
	}
	return active, gs.game.Status, nil
}

// Start flips waiting -> in_progress. Only the creator may start, and
// only once enough players have joined.
func (m *Manager) Start(gameID, userID string) (domain.Game, error) {
	gs, err := m.state(gameID)
	if err != nil {
		return domain.Game{}, err
	}

	gs.barrier.Lock()
	defer gs.barrier.Unlock()

	gs.mu.Lock()
	defer gs.mu.Unlock()

	if gs.game.Status != domain.StatusWaiting {
		return domain.Game{}, domain.ErrGameNotActive
	}
	if userID != gs.game.CreatorID {
		return domain.Game{}, domain.ErrNotCreator
	}

	active := 0
	for _, p := range gs.participants {
		if p.IsActive {
			active++
		}
	}
	if active < m.cfg.MinPlayers {
		return domain.Game{}, domain.ErrInsufficientPlayers
	}

	now := time.Now().UTC()
	gs.game.Status = domain.StatusInProgress
	gs.game.StartedAt = &now

	m.logger.Info("game started", "game_id", gameID, "players", active)
	return gs.game, nil
}

// Complete flips in_progress -> completed and produces the immutable
// GameResult. final samples the per-user cell counts and move total; it
// runs only after the barrier write side is held, so every claim that
// was admitted before the status flip is reflected in the result. The
// winner is the max count, ties broken by earliest join.
func (m *Manager) Complete(gameID string, reason domain.EndReason, final func() (map[string]int, int, error)) (*domain.GameResult, error) {
	gs, err := m.state(gameID)
	if err != nil {
		return nil, err
	}

	// Transition barrier: drains in-flight claims so none can land after
	// the status flip.
	gs.barrier.Lock()
	defer gs.barrier.Unlock()

	gs.mu.Lock()
	defer gs.mu.Unlock()

	if gs.game.Status != domain.StatusInProgress {
		return nil, domain.ErrGameNotActive
	}

	counts, totalMoves, err := final()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	gs.game.Status = domain.StatusCompleted
	gs.game.EndedAt = &now

	scores := make(map[string]int, len(gs.participants))
	for userID := range gs.participants {
		scores[userID] = counts[userID]
	}

	winner := gs.pickWinner(counts)
	gs.game.WinnerID = winner

	var duration time.Duration
	if gs.game.StartedAt != nil {
		duration = now.Sub(*gs.game.StartedAt)
	}

	result := &domain.GameResult{
		GameID:     gameID,
		WinnerID:   winner,
		Scores:     scores,
		Duration:   duration,
		TotalMoves: totalMoves,
		EndedAt:    now,
		Reason:     reason,
	}

	m.logger.Info("game completed",
		"game_id", gameID, "reason", reason, "total_moves", totalMoves)
	return result, nil
}

// pickWinner returns the participant with the most cells, ties broken by
// earliest JoinedAt. Caller holds gs.mu.
func (gs *gameState) pickWinner(counts map[string]int) *string {
	type ranked struct {
		userID   string
		cells    int
		joinedAt time.Time
	}
	all := make([]ranked, 0, len(gs.participants))
	for userID, p := range gs.participants {
		all = append(all, ranked{userID: userID, cells: counts[userID], joinedAt: p.JoinedAt})
	}
	if len(all) == 0 {
		return nil
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].cells != all[j].cells {
			return all[i].cells > all[j].cells
		}
		return all[i].joinedAt.Before(all[j].joinedAt)
	})
	winner := all[0].userID
	return &winner
}

// Cancel flips waiting or in_progress -> cancelled. No winner is
// computed; partial scores stay on the board for audit.
func (m *Manager) Cancel(gameID string) (domain.Game, error) {
	gs, err := m.state(gameID)
	if err != nil {
		return domain.Game{}, err
	}

	gs.barrier.Lock()
	defer gs.barrier.Unlock()

	gs.mu.Lock()
	defer gs.mu.Unlock()

	if gs.game.Status.Terminal() {
		return domain.Game{}, domain.ErrGameNotActive
	}

	now := time.Now().UTC()
	gs.game.Status = domain.StatusCancelled
	gs.game.EndedAt = &now

	m.logger.Info("game cancelled", "game_id", gameID)
	return gs.game, nil
}

// BeginClaim admits a claim into the game: it verifies the game is in
// progress and the user is an active participant, then holds the barrier
// read side until the returned release func is called. A lifecycle
// transition cannot land between admission and release.
func (m *Manager) BeginClaim(gameID, userID string) (domain.Participant, func(), error) {
	gs, err := m.state(gameID)
	if err != nil {
		return domain.Participant{}, nil, err
	}

	gs.barrier.RLock()

	gs.mu.Lock()
	status := gs.game.Status
	p, ok := gs.participants[userID]
	var participant domain.Participant
	if ok {
		participant = *p
	}
	gs.mu.Unlock()

	if status != domain.StatusInProgress {
		gs.barrier.RUnlock()
		return domain.Participant{}, nil, domain.ErrGameNotActive
	}
	if !ok || !participant.IsActive {
		gs.barrier.RUnlock()
		return domain.Participant{}, nil, domain.ErrParticipantNotFound
	}

	return participant, gs.barrier.RUnlock, nil
}

// Participants returns a copy of the membership list, sorted by join
// time. CellsOwned is filled in by the caller from the board store.
func (m *Manager) Participants(gameID string) ([]domain.Participant, error) {
	gs, err := m.state(gameID)
	if err != nil {
		return nil, err
	}

	gs.mu.Lock()
	defer gs.mu.Unlock()

	out := make([]domain.Participant, 0, len(gs.participants))
	for _, p := range gs.participants {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JoinedAt.Before(out[j].JoinedAt) })
	return out, nil
}

// Colors returns the color assignment per user for a game.
func (m *Manager) Colors(gameID string) (map[string]string, error) {
	gs, err := m.state(gameID)
	if err != nil {
		return nil, err
	}

	gs.mu.Lock()
	defer gs.mu.Unlock()

	colors := make(map[string]string, len(gs.participants))
	for userID, p := range gs.participants {
		colors[userID] = p.Color
	}
	return colors, nil
}

// Expired returns the IDs of in_progress games whose play duration has
// elapsed.
func (m *Manager) Expired(now time.Time) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var expired []string
	for id, gs := range m.games {
		gs.mu.Lock()
		if gs.game.Status == domain.StatusInProgress &&
			gs.game.Duration > 0 && gs.game.StartedAt != nil &&
			now.After(gs.game.StartedAt.Add(gs.game.Duration)) {
			expired = append(expired, id)
		}
		gs.mu.Unlock()
	}
	return expired
}

// ExpiredInvites returns the IDs of waiting games whose invite has gone
// stale: older than the configured TTL and never started.
func (m *Manager) ExpiredInvites(now time.Time) []string {
	if m.cfg.InviteTTL <= 0 {
		return nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var stale []string
	for id, gs := range m.games {
		gs.mu.Lock()
		if gs.game.Status == domain.StatusWaiting &&
			now.After(gs.game.CreatedAt.Add(m.cfg.InviteTTL)) {
			stale = append(stale, id)
		}
		gs.mu.Unlock()
	}
	return stale
}

// Active returns the IDs of all in_progress games.
func (m *Manager) Active() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var active []string
	for id, gs := range m.games {
		gs.mu.Lock()
		if gs.game.Status == domain.StatusInProgress {
			active = append(active, id)
		}
		gs.mu.Unlock()
	}
	return active
}
