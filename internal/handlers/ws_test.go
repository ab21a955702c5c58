// internal/handlers/ws_test.go
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TigerAppsOrg/tigertype-sub001/internal/auth"
	"github.com/TigerAppsOrg/tigertype-sub001/internal/lobby"
	"github.com/TigerAppsOrg/tigertype-sub001/internal/models"
)

// noopStore satisfies lobby.Store with inert durable operations; gateway
// tests only exercise the wire path.
type noopStore struct{}

func (noopStore) CreateLobby(ctx context.Context, row *models.LobbyRow) error { return nil }
func (noopStore) FindLobbyByCode(ctx context.Context, code string) (*models.LobbyRow, error) {
	return nil, context.Canceled
}
func (noopStore) FindLobbyByHostNetid(ctx context.Context, netid string) (*models.LobbyRow, error) {
	return nil, context.Canceled
}
func (noopStore) FindLobbyByPlayerNetid(ctx context.Context, netid string) (*models.LobbyRow, error) {
	return nil, context.Canceled
}
func (noopStore) FindPublicLobby(ctx context.Context) (*models.LobbyRow, error) {
	return nil, context.Canceled
}
func (noopStore) UpdateLobbyStatus(ctx context.Context, lobbyID int64, status models.LobbyStatus) error {
	return nil
}
func (noopStore) UpdateLobbySettings(ctx context.Context, lobbyID int64, settings models.Settings, snippetID string) error {
	return nil
}
func (noopStore) SoftTerminateLobby(ctx context.Context, lobbyID int64) error { return nil }
func (noopStore) ReassignHost(ctx context.Context, lobbyID int64, newHost models.Identity) error {
	return nil
}
func (noopStore) AddPlayer(ctx context.Context, lobbyID int64, ident models.Identity, maxPlayers int) error {
	return nil
}
func (noopStore) RemovePlayer(ctx context.Context, lobbyID int64, userID int64) error { return nil }
func (noopStore) UpdateReadyStatus(ctx context.Context, lobbyID int64, userID int64, ready bool) error {
	return nil
}
func (noopStore) RecordRaceResult(ctx context.Context, userID, lobbyID int64, snippetID string, wpm, accuracy, completionTime float64) error {
	return nil
}
func (noopStore) InsertTimedResult(ctx context.Context, userID int64, duration int, wpm, accuracy float64) error {
	return nil
}
func (noopStore) RecordPartialSession(ctx context.Context, p models.PartialSession) error { return nil }
func (noopStore) RaceResults(ctx context.Context, lobbyID int64) ([]models.RaceResult, error) {
	return nil, nil
}
func (noopStore) TimedLeaderboard(ctx context.Context, duration int, period string) ([]models.TimedLeaderboardEntry, error) {
	return []models.TimedLeaderboardEntry{{Netid: "alice", WPM: 100}}, nil
}
func (noopStore) UpdateTypingStats(ctx context.Context, userID int64, wpm, accuracy float64) error {
	return nil
}

type noopSnippets struct{}

func (noopSnippets) GetRandomSnippet(ctx context.Context, filters models.SnippetFilters) (*models.Snippet, error) {
	return &models.Snippet{ID: "1", Text: "hello world"}, nil
}
func (noopSnippets) FindSnippetByID(ctx context.Context, id string) (*models.Snippet, error) {
	return &models.Snippet{ID: id, Text: "hello world"}, nil
}

func newTestGateway(t *testing.T) *httptest.Server {
	t.Helper()
	log := logrus.New()
	svc := lobby.NewService(log, noopStore{}, noopSnippets{}, clockwork.NewRealClock())
	gw := &Gateway{Log: log, Service: svc}
	srv := httptest.NewServer(gw.WSHandler())
	t.Cleanup(srv.Close)
	t.Cleanup(svc.Shutdown)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := strings.Replace(srv.URL, "http", "ws", 1) + "?token=" + token
	c, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		Subprotocols: []string{raceSubprotocol},
	})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close(websocket.StatusNormalClosure, "test done") })
	return c
}

func readEvent(t *testing.T, c *websocket.Conn) map[string]interface{} {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := c.Read(ctx)
	require.NoError(t, err)
	var msg map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func send(t *testing.T, c *websocket.Conn, msg map[string]interface{}) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, c.Write(ctx, websocket.MessageText, data))
}

func TestWSRejectsMissingToken(t *testing.T) {
	auth.Init()
	srv := newTestGateway(t)

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWSConnectAndJoinPractice(t *testing.T) {
	auth.Init()
	srv := newTestGateway(t)

	token, err := auth.CreateSessionToken(models.Identity{Netid: "alice", UserID: 1})
	require.NoError(t, err)

	c := dial(t, srv, token)

	connected := readEvent(t, c)
	assert.Equal(t, "connected", connected["type"])
	assert.Equal(t, "alice", connected["netid"])

	send(t, c, map[string]interface{}{"type": "practice:join"})

	joined := readEvent(t, c)
	assert.Equal(t, "race:joined", joined["type"])
	assert.Equal(t, "practice", joined["lobbyType"])

	countdown := readEvent(t, c)
	assert.Equal(t, "race:countdown", countdown["type"])
	assert.Equal(t, float64(3), countdown["seconds"])
}

func TestWSUnknownEventReturnsError(t *testing.T) {
	auth.Init()
	srv := newTestGateway(t)

	token, err := auth.CreateSessionToken(models.Identity{Netid: "alice", UserID: 1})
	require.NoError(t, err)
	c := dial(t, srv, token)
	readEvent(t, c) // connected

	send(t, c, map[string]interface{}{"type": "bogus:event"})
	msg := readEvent(t, c)
	assert.Equal(t, "error", msg["type"])
}

func TestWSLeaderboardAck(t *testing.T) {
	auth.Init()
	srv := newTestGateway(t)

	token, err := auth.CreateSessionToken(models.Identity{Netid: "alice", UserID: 1})
	require.NoError(t, err)
	c := dial(t, srv, token)
	readEvent(t, c) // connected

	send(t, c, map[string]interface{}{"type": "leaderboard:timed", "duration": 15, "period": "alltime"})
	msg := readEvent(t, c)
	assert.Equal(t, "leaderboard:timed", msg["type"])
	assert.Equal(t, float64(15), msg["duration"])
}
