// internal/lobby/helpers_test.go
package lobby

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/TigerAppsOrg/tigertype-sub001/internal/models"
)

// stubStore is an in-memory Store that records calls. Persistence runs on
// goroutines, so every method is guarded.
type stubStore struct {
	mu sync.Mutex

	nextID int64

	createLobbyCalls   int
	addPlayerCalls     []int64
	removePlayerCalls  []int64
	reassignHostCalls  []models.Identity
	softTerminated     []int64
	statusUpdates      []models.LobbyStatus
	settingsUpdates    int
	readyUpdates       int
	raceResults        []recordedResult
	timedResults       []recordedTimed
	partialSessions    []models.PartialSession
	typingStatsUpdates []int64

	addPlayerErr  error
	addPlayerHook func()
	findByCode    *models.LobbyRow
	findByHost    *models.LobbyRow
	findByPlayer  *models.LobbyRow
	publicRow     *models.LobbyRow
	leaderboard   []models.TimedLeaderboardEntry
}

type recordedResult struct {
	userID    int64
	lobbyID   int64
	snippetID string
	wpm       float64
}

type recordedTimed struct {
	userID   int64
	duration int
	wpm      float64
}

func newStubStore() *stubStore { return &stubStore{} }

func (s *stubStore) CreateLobby(ctx context.Context, row *models.LobbyRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.createLobbyCalls++
	s.nextID++
	row.ID = s.nextID
	return nil
}

func (s *stubStore) FindLobbyByCode(ctx context.Context, code string) (*models.LobbyRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.findByCode == nil {
		return nil, fmt.Errorf("not found")
	}
	return s.findByCode, nil
}

func (s *stubStore) FindLobbyByHostNetid(ctx context.Context, netid string) (*models.LobbyRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.findByHost == nil {
		return nil, fmt.Errorf("not found")
	}
	return s.findByHost, nil
}

func (s *stubStore) FindLobbyByPlayerNetid(ctx context.Context, netid string) (*models.LobbyRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.findByPlayer == nil {
		return nil, fmt.Errorf("not found")
	}
	return s.findByPlayer, nil
}

func (s *stubStore) FindPublicLobby(ctx context.Context) (*models.LobbyRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.publicRow == nil {
		return nil, fmt.Errorf("not found")
	}
	return s.publicRow, nil
}

func (s *stubStore) UpdateLobbyStatus(ctx context.Context, lobbyID int64, status models.LobbyStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusUpdates = append(s.statusUpdates, status)
	return nil
}

func (s *stubStore) UpdateLobbySettings(ctx context.Context, lobbyID int64, settings models.Settings, snippetID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settingsUpdates++
	return nil
}

func (s *stubStore) SoftTerminateLobby(ctx context.Context, lobbyID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.softTerminated = append(s.softTerminated, lobbyID)
	return nil
}

func (s *stubStore) ReassignHost(ctx context.Context, lobbyID int64, newHost models.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reassignHostCalls = append(s.reassignHostCalls, newHost)
	return nil
}

func (s *stubStore) AddPlayer(ctx context.Context, lobbyID int64, ident models.Identity, maxPlayers int) error {
	s.mu.Lock()
	hook := s.addPlayerHook
	if s.addPlayerErr != nil {
		defer s.mu.Unlock()
		return s.addPlayerErr
	}
	s.addPlayerCalls = append(s.addPlayerCalls, ident.UserID)
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
	return nil
}

func (s *stubStore) RemovePlayer(ctx context.Context, lobbyID int64, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removePlayerCalls = append(s.removePlayerCalls, userID)
	return nil
}

func (s *stubStore) UpdateReadyStatus(ctx context.Context, lobbyID int64, userID int64, ready bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readyUpdates++
	return nil
}

func (s *stubStore) RecordRaceResult(ctx context.Context, userID, lobbyID int64, snippetID string, wpm, accuracy, completionTime float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.raceResults = append(s.raceResults, recordedResult{userID: userID, lobbyID: lobbyID, snippetID: snippetID, wpm: wpm})
	return nil
}

func (s *stubStore) InsertTimedResult(ctx context.Context, userID int64, duration int, wpm, accuracy float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timedResults = append(s.timedResults, recordedTimed{userID: userID, duration: duration, wpm: wpm})
	return nil
}

func (s *stubStore) RecordPartialSession(ctx context.Context, p models.PartialSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.partialSessions = append(s.partialSessions, p)
	return nil
}

func (s *stubStore) RaceResults(ctx context.Context, lobbyID int64) ([]models.RaceResult, error) {
	return nil, nil
}

func (s *stubStore) TimedLeaderboard(ctx context.Context, duration int, period string) ([]models.TimedLeaderboardEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leaderboard, nil
}

func (s *stubStore) UpdateTypingStats(ctx context.Context, userID int64, wpm, accuracy float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.typingStatsUpdates = append(s.typingStatsUpdates, userID)
	return nil
}

// stubSnippets serves one fixed snippet.
type stubSnippets struct {
	snippet *models.Snippet
}

func newStubSnippets() *stubSnippets {
	return &stubSnippets{snippet: &models.Snippet{ID: "42", Text: "the quick brown fox"}}
}

func (s *stubSnippets) GetRandomSnippet(ctx context.Context, filters models.SnippetFilters) (*models.Snippet, error) {
	return s.snippet, nil
}

func (s *stubSnippets) FindSnippetByID(ctx context.Context, id string) (*models.Snippet, error) {
	if id != s.snippet.ID {
		return nil, fmt.Errorf("no snippet %s", id)
	}
	return s.snippet, nil
}

func newTestService(t *testing.T) (*Service, *stubStore, *clockwork.FakeClock) {
	t.Helper()
	log := logrus.New()
	log.SetOutput(testWriter{t})
	store := newStubStore()
	clock := clockwork.NewFakeClock()
	svc := NewService(log, store, newStubSnippets(), clock)
	return svc, store, clock
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Logf("%s", p)
	return len(p), nil
}

var connSeq int

func testConn(netid string, userID int64) *Conn {
	connSeq++
	c := NewConn(fmt.Sprintf("conn-%d-%s", connSeq, netid), models.Identity{Netid: netid, UserID: userID}, func() {}, nil)
	// Tests never drain a write pump; widen the buffer so nothing drops.
	c.Out = make(chan map[string]interface{}, 256)
	return c
}

// drainEvents empties a connection's out channel.
func drainEvents(c *Conn) []map[string]interface{} {
	var out []map[string]interface{}
	for {
		select {
		case msg := <-c.Out:
			out = append(out, msg)
		default:
			return out
		}
	}
}

// eventsOfType filters drained events by type.
func eventsOfType(events []map[string]interface{}, typ string) []map[string]interface{} {
	var out []map[string]interface{}
	for _, e := range events {
		if e["type"] == typ {
			out = append(out, e)
		}
	}
	return out
}

// waitForEvent drains until an event of the given type arrives or the
// deadline passes.
func waitForEvent(t *testing.T, c *Conn, typ string) map[string]interface{} {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg := <-c.Out:
			if msg["type"] == typ {
				return msg
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", typ)
			return nil
		}
	}
}

func lobbyStatus(l *Lobby) models.LobbyStatus {
	l.Mu.Lock()
	defer l.Mu.Unlock()
	return l.Status
}

func memberCount(l *Lobby) int {
	l.Mu.Lock()
	defer l.Mu.Unlock()
	return len(l.Players)
}
