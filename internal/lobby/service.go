// internal/lobby/service.go
package lobby

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/TigerAppsOrg/tigertype-sub001/internal/database"
	"github.com/TigerAppsOrg/tigertype-sub001/internal/models"
	"github.com/TigerAppsOrg/tigertype-sub001/internal/timers"
	"github.com/TigerAppsOrg/tigertype-sub001/internal/words"
)

// Policy constants. These are fixed service-wide, not negotiable per lobby.
const (
	PrivateLobbyCap = 10

	CountdownPractice = 3 * time.Second
	CountdownDefault  = 5 * time.Second

	ProgressThrottle = 100 * time.Millisecond

	InactivityWarningAfter = 60 * time.Second
	InactivityKickAfter    = 90 * time.Second

	codeRetryLimit = 5

	defaultTimedDuration = 15
)

// Errors surfaced to the gateway, which maps them onto error events or acks.
var (
	ErrLobbyNotFound    = errors.New("lobby not found")
	ErrLobbyFull        = errors.New("lobby is full")
	ErrNotJoinable      = errors.New("lobby is not joinable")
	ErrNotHost          = errors.New("only the host may do that")
	ErrBadState         = errors.New("action not valid in the lobby's current state")
	ErrNotEnoughPlayers = errors.New("not enough players")
	ErrCodeGeneration   = errors.New("could not generate a unique lobby code")
	ErrSelfKick         = errors.New("the host cannot kick themself")
	ErrTargetNotFound   = errors.New("player not found in lobby")
	ErrSnippetLoad      = errors.New("failed to load snippet")
	ErrTransient        = errors.New("temporary storage conflict, try again")
)

// Store is the durable contract the orchestrator consumes. Implemented by
// database.Store; tests substitute an in-memory stub.
type Store interface {
	CreateLobby(ctx context.Context, row *models.LobbyRow) error
	FindLobbyByCode(ctx context.Context, code string) (*models.LobbyRow, error)
	FindLobbyByHostNetid(ctx context.Context, netid string) (*models.LobbyRow, error)
	FindLobbyByPlayerNetid(ctx context.Context, netid string) (*models.LobbyRow, error)
	FindPublicLobby(ctx context.Context) (*models.LobbyRow, error)
	UpdateLobbyStatus(ctx context.Context, lobbyID int64, status models.LobbyStatus) error
	UpdateLobbySettings(ctx context.Context, lobbyID int64, settings models.Settings, snippetID string) error
	SoftTerminateLobby(ctx context.Context, lobbyID int64) error
	ReassignHost(ctx context.Context, lobbyID int64, newHost models.Identity) error

	AddPlayer(ctx context.Context, lobbyID int64, ident models.Identity, maxPlayers int) error
	RemovePlayer(ctx context.Context, lobbyID int64, userID int64) error
	UpdateReadyStatus(ctx context.Context, lobbyID int64, userID int64, ready bool) error

	RecordRaceResult(ctx context.Context, userID, lobbyID int64, snippetID string, wpm, accuracy, completionTime float64) error
	InsertTimedResult(ctx context.Context, userID int64, duration int, wpm, accuracy float64) error
	RecordPartialSession(ctx context.Context, p models.PartialSession) error
	RaceResults(ctx context.Context, lobbyID int64) ([]models.RaceResult, error)
	TimedLeaderboard(ctx context.Context, duration int, period string) ([]models.TimedLeaderboardEntry, error)
	UpdateTypingStats(ctx context.Context, userID int64, wpm, accuracy float64) error
}

// SnippetSource is the text-snippet content store's query contract.
type SnippetSource interface {
	GetRandomSnippet(ctx context.Context, filters models.SnippetFilters) (*models.Snippet, error)
	FindSnippetByID(ctx context.Context, id string) (*models.Snippet, error)
}

// Service is the session-orchestration core: it owns the lobby directory and
// coordinates membership, the race lifecycle, progress, inactivity, and
// best-effort persistence. One instance per process.
type Service struct {
	log      *logrus.Logger
	reg      *Registry
	store    Store
	snippets SnippetSource
	timers   *timers.Registry
	clock    clockwork.Clock
	sync     *syncer
}

// NewService wires the orchestrator. The clock drives both timestamps and
// the timer registry; tests pass a clockwork fake.
func NewService(log *logrus.Logger, store Store, snippets SnippetSource, clock clockwork.Clock) *Service {
	return &Service{
		log:      log,
		reg:      NewRegistry(),
		store:    store,
		snippets: snippets,
		timers:   timers.New(clock),
		clock:    clock,
		sync:     &syncer{log: log},
	}
}

// Registry exposes the directory for the gateway's connection bookkeeping.
func (s *Service) Registry() *Registry { return s.reg }

// PracticeOptions shapes a practice session at join time.
type PracticeOptions struct {
	TestMode     string `json:"testMode"`
	TestDuration int    `json:"testDuration"`
	Category     string `json:"category"`
	Difficulty   string `json:"difficulty"`
}

// LobbyRef is how private:join names its target: any one of an exact code,
// the host's netid, or any current member's netid.
type LobbyRef struct {
	Code        string `json:"code"`
	HostNetid   string `json:"hostNetid"`
	PlayerNetid string `json:"playerNetid"`
}

// JoinPractice creates a fresh single-player practice lobby and starts its
// countdown immediately. Practice lobbies are never persisted.
func (s *Service) JoinPractice(ctx context.Context, conn *Conn, opts PracticeOptions) error {
	s.LeaveCurrent(conn)

	snippet, settings, err := s.snippetForOptions(ctx, opts)
	if err != nil {
		return err
	}

	l, err := s.createLobby(ctx, models.LobbyPractice, snippet, settings, models.Identity{Netid: conn.Netid, UserID: conn.UserID})
	if err != nil {
		return err
	}

	l.Mu.Lock()
	l.Players = append(l.Players, &Player{Conn: conn, Ready: true, JoinedAt: s.clock.Now()})
	s.reg.bind(conn.ID, l.Code)
	conn.Write(l.joinedPayloadUnsafe())
	s.startCountdownUnsafe(l)
	l.Mu.Unlock()
	return nil
}

// JoinPublic places the connection into the open public lobby, creating one
// when none is waiting.
func (s *Service) JoinPublic(ctx context.Context, conn *Conn) error {
	s.LeaveCurrent(conn)

	for attempt := 0; attempt < 2; attempt++ {
		l := s.reg.waitingPublic()
		if l == nil {
			var err error
			l, err = s.createPublicLobby(ctx)
			if err != nil {
				return err
			}
		}

		l.Mu.Lock()
		if l.Status != models.StatusWaiting {
			// The lobby moved on between lookup and lock; try once more.
			l.Mu.Unlock()
			continue
		}
		l.Players = append(l.Players, &Player{Conn: conn, JoinedAt: s.clock.Now()})
		s.reg.bind(conn.ID, l.Code)
		if l.PersistentID != 0 {
			lobbyID, ident := l.PersistentID, models.Identity{Netid: conn.Netid, UserID: conn.UserID}
			s.sync.do("addPlayer", logrus.Fields{"code": l.Code, "netid": conn.Netid}, func(ctx context.Context) error {
				return s.store.AddPlayer(ctx, lobbyID, ident, 0)
			})
		}
		conn.Write(l.joinedPayloadUnsafe())
		l.broadcastRosterUnsafe()
		s.reevaluateInactivityUnsafe(l)
		s.checkAutoCountdownUnsafe(l)
		l.Mu.Unlock()
		return nil
	}
	return ErrNotJoinable
}

// CreatePrivate builds a private lobby hosted by the caller and joins them to
// it. Returns the join code for the gateway's ack.
func (s *Service) CreatePrivate(ctx context.Context, conn *Conn, settings models.Settings) (string, error) {
	s.LeaveCurrent(conn)

	snippet, normalized, err := s.snippetForSettings(ctx, settings)
	if err != nil {
		return "", err
	}

	host := models.Identity{Netid: conn.Netid, UserID: conn.UserID}
	l, err := s.createLobby(ctx, models.LobbyPrivate, snippet, normalized, host)
	if err != nil {
		return "", err
	}

	if l.PersistentID != 0 {
		if err := s.addPlayerTx(ctx, l, host); err != nil {
			// The creator never made it in; drop the lobby and retire its
			// freshly persisted row so it cannot match future lookups.
			s.evictIfEmpty(l)
			lobbyID := l.PersistentID
			s.sync.do("softTerminate unjoined lobby", logrus.Fields{"code": l.Code}, func(ctx context.Context) error {
				return s.store.SoftTerminateLobby(ctx, lobbyID)
			})
			return "", err
		}
	}

	l.Mu.Lock()
	l.Players = append(l.Players, &Player{Conn: conn, JoinedAt: s.clock.Now()})
	s.reg.bind(conn.ID, l.Code)
	conn.Write(l.joinedPayloadUnsafe())
	code := l.Code
	l.Mu.Unlock()
	return code, nil
}

// JoinPrivate resolves a private lobby by code, host netid, or member netid
// and joins the caller. The capacity check runs inside a durable transaction;
// its failure aborts the join.
func (s *Service) JoinPrivate(ctx context.Context, conn *Conn, ref LobbyRef) error {
	s.LeaveCurrent(conn)

	l, err := s.resolveLobby(ctx, ref)
	if err != nil {
		return err
	}

	l.Mu.Lock()
	if l.Status != models.StatusWaiting {
		l.Mu.Unlock()
		return ErrNotJoinable
	}
	if l.Type == models.LobbyPrivate && len(l.Players) >= PrivateLobbyCap {
		l.Mu.Unlock()
		return ErrLobbyFull
	}
	persisted := l.PersistentID != 0
	l.Mu.Unlock()

	if persisted {
		// The transaction is the source of truth for the capacity check; a
		// conflict or full lobby here must prevent the in-memory join.
		if err := s.addPlayerTx(ctx, l, models.Identity{Netid: conn.Netid, UserID: conn.UserID}); err != nil {
			return err
		}
	}

	l.Mu.Lock()
	// Re-validate after the suspension point; the lobby may have moved on or
	// emptied while the transaction ran. The membership row the transaction
	// inserted has to be compensated, or it would survive a join that never
	// happened.
	if s.reg.Get(l.Code) != l || l.Status != models.StatusWaiting {
		l.Mu.Unlock()
		if persisted {
			lobbyID, userID := l.PersistentID, conn.UserID
			s.sync.do("removePlayer after failed join", logrus.Fields{"code": l.Code, "netid": conn.Netid}, func(ctx context.Context) error {
				return s.store.RemovePlayer(ctx, lobbyID, userID)
			})
		}
		return ErrNotJoinable
	}
	l.Players = append(l.Players, &Player{Conn: conn, JoinedAt: s.clock.Now()})
	s.reg.bind(conn.ID, l.Code)
	conn.Write(l.joinedPayloadUnsafe())
	l.broadcastRosterUnsafe()
	s.reevaluateInactivityUnsafe(l)
	l.Mu.Unlock()
	return nil
}

// Ready marks the caller ready in whichever lobby they occupy. Silent when
// they occupy none: player:ready is a high-frequency fire-and-forget event.
func (s *Service) Ready(conn *Conn) {
	l := s.reg.LobbyFor(conn.ID)
	if l == nil {
		return
	}

	l.Mu.Lock()
	defer l.Mu.Unlock()

	player, ok := l.memberUnsafe(conn.ID)
	if !ok || player.Ready || l.Status != models.StatusWaiting {
		return
	}
	player.Ready = true

	if l.PersistentID != 0 {
		lobbyID, userID := l.PersistentID, conn.UserID
		s.sync.do("updateReadyStatus", logrus.Fields{"code": l.Code, "netid": conn.Netid}, func(ctx context.Context) error {
			return s.store.UpdateReadyStatus(ctx, lobbyID, userID, true)
		})
	}

	l.broadcastRosterUnsafe()
	s.reevaluateInactivityUnsafe(l)
	s.checkAutoCountdownUnsafe(l)
}

// Kick removes a target player on the host's authority. The target gets a
// lobby:kicked notification distinct from a voluntary leave.
func (s *Service) Kick(conn *Conn, code, targetNetid string) error {
	l := s.reg.Get(normalizeCode(code))
	if l == nil {
		return ErrLobbyNotFound
	}

	l.Mu.Lock()
	if l.HostNetid != conn.Netid {
		l.Mu.Unlock()
		return ErrNotHost
	}
	if targetNetid == conn.Netid {
		l.Mu.Unlock()
		return ErrSelfKick
	}
	target, ok := l.memberByNetidUnsafe(targetNetid)
	if !ok {
		l.Mu.Unlock()
		return ErrTargetNotFound
	}
	target.Conn.Write(map[string]interface{}{
		"type": "lobby:kicked",
		"code": l.Code,
	})
	targetConnID := target.Conn.ID
	l.Mu.Unlock()

	s.removeFromLobby(l, targetConnID, "kicked")
	return nil
}

// Disconnect tears down everything tied to a connection.
func (s *Service) Disconnect(conn *Conn) {
	s.LeaveCurrent(conn)
}

// LeaveCurrent removes the connection from whichever lobby it occupies (at
// most one). Called before every join so a connection never occupies two
// lobbies.
func (s *Service) LeaveCurrent(conn *Conn) {
	if l := s.reg.LobbyFor(conn.ID); l != nil {
		s.removeFromLobby(l, conn.ID, "left")
	}
}

// removeFromLobby is the single removal path shared by leave, kick,
// disconnect, and inactivity eviction. It evicts an emptied lobby in the same
// synchronous step, reassigns the host when the host departs, and re-runs the
// lifecycle checks the departure may have unblocked.
func (s *Service) removeFromLobby(l *Lobby, connID, reason string) {
	l.Mu.Lock()

	player := l.removeMemberUnsafe(connID)
	if player == nil {
		l.Mu.Unlock()
		return
	}
	s.reg.unbind(connID)
	s.timers.CancelConn(l.Code, connID)
	if l.inactivityTarget == connID {
		l.inactivityTarget = ""
	}

	netid := player.Conn.Netid
	wasHost := l.HostNetid != "" && netid == l.HostNetid

	if len(l.Players) == 0 {
		// No orphaned empty lobbies: evict in the same step that removed the
		// last member.
		s.reg.remove(l.Code)
		s.timers.CancelLobby(l.Code)
		l.Status = models.StatusFinished
		if l.PersistentID != 0 {
			lobbyID := l.PersistentID
			s.sync.do("softTerminate", logrus.Fields{"code": l.Code}, func(ctx context.Context) error {
				return s.store.SoftTerminateLobby(ctx, lobbyID)
			})
		}
		l.Mu.Unlock()
		s.log.WithFields(logrus.Fields{"code": l.Code, "netid": netid}).Info("lobby emptied, evicted")
		return
	}

	l.broadcastUnsafe(map[string]interface{}{
		"type":   "race:playerLeft",
		"netid":  netid,
		"reason": reason,
	})

	if wasHost {
		next := l.Players[0] // oldest remaining member
		l.HostNetid = next.Conn.Netid
		l.HostUserID = next.Conn.UserID
		l.broadcastUnsafe(map[string]interface{}{
			"type":         "lobby:newHost",
			"newHostNetid": l.HostNetid,
		})
		if l.PersistentID != 0 {
			lobbyID := l.PersistentID
			newHost := models.Identity{Netid: l.HostNetid, UserID: l.HostUserID}
			s.sync.do("reassignHost", logrus.Fields{"code": l.Code, "newHost": newHost.Netid}, func(ctx context.Context) error {
				return s.store.ReassignHost(ctx, lobbyID, newHost)
			})
		}
	}

	l.broadcastRosterUnsafe()

	if l.PersistentID != 0 {
		lobbyID, userID := l.PersistentID, player.Conn.UserID
		s.sync.do("removePlayer", logrus.Fields{"code": l.Code, "netid": netid}, func(ctx context.Context) error {
			return s.store.RemovePlayer(ctx, lobbyID, userID)
		})
	}

	switch l.Status {
	case models.StatusRacing:
		// A departure can leave only finished players behind.
		if l.allCompletedUnsafe() {
			s.endRaceUnsafe(l)
		}
	case models.StatusWaiting:
		s.reevaluateInactivityUnsafe(l)
		s.checkAutoCountdownUnsafe(l)
	}

	l.Mu.Unlock()
}

// Leaderboard serves leaderboard:timed acks.
func (s *Service) Leaderboard(ctx context.Context, duration int, period string) ([]models.TimedLeaderboardEntry, error) {
	switch duration {
	case 15, 30, 60, 120:
	default:
		return nil, fmt.Errorf("unsupported timed duration %d", duration)
	}
	if period == "" {
		period = "alltime"
	}
	return s.store.TimedLeaderboard(ctx, duration, period)
}

// Shutdown force-terminates every live lobby. Any state may jump straight to
// finished on teardown.
func (s *Service) Shutdown() {
	for _, l := range s.reg.snapshot() {
		s.terminate(l)
	}
}

// terminate is the forced any-state -> finished transition.
func (s *Service) terminate(l *Lobby) {
	l.Mu.Lock()
	if s.reg.Get(l.Code) != l {
		l.Mu.Unlock()
		return
	}
	l.Status = models.StatusFinished
	l.broadcastUnsafe(map[string]interface{}{
		"type": "lobby:terminated",
		"code": l.Code,
	})
	for _, p := range l.Players {
		s.reg.unbind(p.Conn.ID)
	}
	l.Players = nil
	s.reg.remove(l.Code)
	s.timers.CancelLobby(l.Code)
	if l.PersistentID != 0 {
		lobbyID := l.PersistentID
		s.sync.do("softTerminate", logrus.Fields{"code": l.Code}, func(ctx context.Context) error {
			return s.store.SoftTerminateLobby(ctx, lobbyID)
		})
	}
	l.Mu.Unlock()
}

// --- helpers ---

// createLobby allocates a fresh unique code and, for public/private lobbies,
// a durable row. Practice lobbies live purely in memory.
func (s *Service) createLobby(ctx context.Context, typ models.LobbyType, snippet *models.Snippet, settings models.Settings, host models.Identity) (*Lobby, error) {
	for attempt := 0; attempt < codeRetryLimit; attempt++ {
		code := generateCode()
		if s.reg.hasCode(code) {
			continue
		}

		l := newLobby(code, typ, snippet, settings)
		if typ == models.LobbyPrivate {
			l.HostNetid = host.Netid
			l.HostUserID = host.UserID
		}

		if typ != models.LobbyPractice {
			row := &models.LobbyRow{
				Code:       code,
				Type:       typ,
				Status:     models.StatusWaiting,
				SnippetID:  snippet.ID,
				HostNetid:  l.HostNetid,
				HostUserID: l.HostUserID,
			}
			err := s.store.CreateLobby(ctx, row)
			switch {
			case errors.Is(err, database.ErrDuplicateCode):
				continue // collision against the durable layer; regenerate
			case err != nil:
				// Best-effort: the in-memory lobby is authoritative for
				// gameplay, so a storage outage degrades rather than blocks.
				s.log.WithField("code", code).WithError(err).Warn("failed to persist lobby row")
			default:
				l.PersistentID = row.ID
			}
		}

		s.reg.add(l)
		return l, nil
	}
	return nil, ErrCodeGeneration
}

// createPublicLobby loads a random snippet and creates a waiting public
// lobby. A stale waiting row left by a dead process gets soft-terminated so
// it stops matching.
func (s *Service) createPublicLobby(ctx context.Context) (*Lobby, error) {
	if row, err := s.store.FindPublicLobby(ctx); err == nil && row != nil {
		lobbyID := row.ID
		s.sync.do("softTerminate stale public lobby", logrus.Fields{"code": row.Code}, func(ctx context.Context) error {
			return s.store.SoftTerminateLobby(ctx, lobbyID)
		})
	}

	snippet, err := s.snippets.GetRandomSnippet(ctx, models.SnippetFilters{})
	if err != nil || snippet == nil {
		return nil, ErrSnippetLoad
	}
	return s.createLobby(ctx, models.LobbyPublic, snippet, models.Settings{TestMode: "snippet"}, models.Identity{})
}

// addPlayerTx runs the capacity-checked membership insert. Unlike the rest of
// persistence this is synchronous: its failure prevents the join.
func (s *Service) addPlayerTx(ctx context.Context, l *Lobby, ident models.Identity) error {
	maxPlayers := 0
	if l.Type == models.LobbyPrivate {
		maxPlayers = PrivateLobbyCap
	}
	err := s.store.AddPlayer(ctx, l.PersistentID, ident, maxPlayers)
	switch {
	case errors.Is(err, database.ErrCapacity):
		return ErrLobbyFull
	case errors.Is(err, database.ErrRetryExhausted):
		return ErrTransient
	case err != nil:
		return fmt.Errorf("join failed: %w", err)
	}
	return nil
}

// resolveLobby applies the three private-join lookup strategies in order,
// falling back to the durable layer only to distinguish "terminated" from
// "never existed".
func (s *Service) resolveLobby(ctx context.Context, ref LobbyRef) (*Lobby, error) {
	if ref.Code != "" {
		if l := s.reg.Get(normalizeCode(ref.Code)); l != nil {
			return l, nil
		}
	}
	if ref.HostNetid != "" {
		if l := s.reg.findByHostNetid(ref.HostNetid); l != nil {
			return l, nil
		}
	}
	if ref.PlayerNetid != "" {
		if l := s.reg.findByMemberNetid(ref.PlayerNetid); l != nil {
			return l, nil
		}
	}

	// Not live in this process. A surviving durable row means the lobby
	// existed but is gone (or belongs to a dead process): report it as not
	// joinable rather than not found.
	var row *models.LobbyRow
	var err error
	switch {
	case ref.Code != "":
		row, err = s.store.FindLobbyByCode(ctx, normalizeCode(ref.Code))
	case ref.HostNetid != "":
		row, err = s.store.FindLobbyByHostNetid(ctx, ref.HostNetid)
	case ref.PlayerNetid != "":
		row, err = s.store.FindLobbyByPlayerNetid(ctx, ref.PlayerNetid)
	default:
		return nil, ErrLobbyNotFound
	}
	if err == nil && row != nil {
		return nil, ErrNotJoinable
	}
	return nil, ErrLobbyNotFound
}

// evictIfEmpty drops a lobby that never gained a member (e.g. its creator's
// join transaction failed).
func (s *Service) evictIfEmpty(l *Lobby) {
	l.Mu.Lock()
	empty := len(l.Players) == 0
	l.Mu.Unlock()
	if empty {
		s.reg.remove(l.Code)
		s.timers.CancelLobby(l.Code)
	}
}

// snippetForOptions builds the snippet and settings for a practice join.
func (s *Service) snippetForOptions(ctx context.Context, opts PracticeOptions) (*models.Snippet, models.Settings, error) {
	settings := models.Settings{
		TestMode:     opts.TestMode,
		TestDuration: opts.TestDuration,
		Category:     opts.Category,
		Difficulty:   opts.Difficulty,
	}
	if settings.TestMode == "" {
		settings.TestMode = "snippet"
	}
	snippet, normalized, err := s.snippetForSettings(ctx, settings)
	return snippet, normalized, err
}

// snippetForSettings resolves the text a lobby starts with from its settings.
func (s *Service) snippetForSettings(ctx context.Context, settings models.Settings) (*models.Snippet, models.Settings, error) {
	if settings.TestMode == "timed" {
		if settings.TestDuration <= 0 {
			settings.TestDuration = defaultTimedDuration
		}
		return words.NewTimedSnippet(settings.TestDuration), settings, nil
	}
	settings.TestMode = "snippet"
	if settings.SnippetID != "" {
		snippet, err := s.snippets.FindSnippetByID(ctx, settings.SnippetID)
		if err != nil || snippet == nil {
			return nil, settings, ErrSnippetLoad
		}
		return snippet, settings, nil
	}
	snippet, err := s.snippets.GetRandomSnippet(ctx, models.SnippetFilters{
		Category:   settings.Category,
		Difficulty: settings.Difficulty,
	})
	if err != nil || snippet == nil {
		return nil, settings, ErrSnippetLoad
	}
	return snippet, settings, nil
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
