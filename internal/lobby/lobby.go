// internal/lobby/lobby.go
package lobby

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/TigerAppsOrg/tigertype-sub001/internal/models"
)

// Conn is a single player's live presence. The gateway owns the websocket;
// the lobby layer only ever writes to the buffered out channel.
type Conn struct {
	ID        string // connection id, unique per socket
	Netid     string
	UserID    int64
	AvatarURL string
	Cancel    context.CancelFunc
	Out       chan map[string]interface{}

	log *logrus.Logger
}

// NewConn builds a connection with a buffered out channel.
func NewConn(id string, ident models.Identity, cancel context.CancelFunc, log *logrus.Logger) *Conn {
	return &Conn{
		ID:     id,
		Netid:  ident.Netid,
		UserID: ident.UserID,
		Cancel: cancel,
		Out:    make(chan map[string]interface{}, 16),
		log:    log,
	}
}

// Write pushes a message onto the out channel non-blockingly. A full or
// closed channel drops the message; the write pump catching up is the
// client's consistency mechanism (rosters and results are always full
// snapshots, never deltas).
func (c *Conn) Write(msg map[string]interface{}) {
	select {
	case c.Out <- msg:
	default:
		if c.log != nil {
			msgType, _ := msg["type"].(string)
			c.log.WithFields(logrus.Fields{
				"netid": c.Netid,
				"conn":  c.ID,
				"event": msgType,
			}).Warn("out channel full or closed, dropped message")
		}
	}
}

// WriteError sends an error event to this connection.
func (c *Conn) WriteError(message string) {
	c.Write(map[string]interface{}{
		"type":    "error",
		"message": message,
	})
}

// Player is one membership record. Join order is the slice order in
// Lobby.Players, which also decides host succession.
type Player struct {
	Conn      *Conn
	Ready     bool
	Completed bool
	JoinedAt  time.Time
}

// Progress is a player's ephemeral race progress, keyed by connection id and
// cleared on disconnect. finishHandled guards the completion sequence against
// duplicate completion signals; resultRecorded guards the durable result
// write the same way.
type Progress struct {
	Position       int
	Percentage     int
	Completed      bool
	Timestamp      time.Time
	WPM            float64
	Accuracy       float64
	CompletionTime float64
	finishHandled  bool
	resultRecorded bool
}

// Result is one finished player's aggregator entry.
type Result struct {
	Netid          string  `json:"netid"`
	WPM            float64 `json:"wpm"`
	Accuracy       float64 `json:"accuracy"`
	CompletionTime float64 `json:"completionTime"`
	AvatarURL      string  `json:"avatarUrl,omitempty"`
}

// Lobby is the authoritative in-memory state for one race session. All
// mutation of membership, status, settings, or progress happens with Mu held;
// methods suffixed Unsafe assume the caller holds it.
type Lobby struct {
	Mu sync.Mutex

	Code         string
	PersistentID int64 // durable row id; 0 for practice lobbies
	Type         models.LobbyType
	Status       models.LobbyStatus
	Snippet      *models.Snippet
	Settings     models.Settings
	HostNetid    string
	HostUserID   int64
	StartedAt    time.Time

	Players []*Player // join order

	progress     map[string]*Progress // connID -> progress
	lastProgress map[string]time.Time // connID -> last accepted update
	results      []Result             // finished players, ascending completion time

	// inactivityTarget is the connID currently carrying warning/kick timers,
	// or empty. At most one member is ever watched.
	inactivityTarget string
}

func newLobby(code string, typ models.LobbyType, snippet *models.Snippet, settings models.Settings) *Lobby {
	return &Lobby{
		Code:         code,
		Type:         typ,
		Status:       models.StatusWaiting,
		Snippet:      snippet,
		Settings:     settings,
		progress:     make(map[string]*Progress),
		lastProgress: make(map[string]time.Time),
	}
}

// memberUnsafe returns the membership record for a connection, if any.
func (l *Lobby) memberUnsafe(connID string) (*Player, bool) {
	for _, p := range l.Players {
		if p.Conn.ID == connID {
			return p, true
		}
	}
	return nil, false
}

// memberByNetidUnsafe returns the first member with the given netid.
func (l *Lobby) memberByNetidUnsafe(netid string) (*Player, bool) {
	for _, p := range l.Players {
		if p.Conn.Netid == netid {
			return p, true
		}
	}
	return nil, false
}

// removeMemberUnsafe drops a connection's membership record, preserving join
// order of the rest. Returns the removed player, or nil.
func (l *Lobby) removeMemberUnsafe(connID string) *Player {
	for i, p := range l.Players {
		if p.Conn.ID == connID {
			l.Players = append(l.Players[:i], l.Players[i+1:]...)
			delete(l.progress, connID)
			delete(l.lastProgress, connID)
			return p
		}
	}
	return nil
}

// allReadyUnsafe reports whether every member is ready.
func (l *Lobby) allReadyUnsafe() bool {
	for _, p := range l.Players {
		if !p.Ready {
			return false
		}
	}
	return len(l.Players) > 0
}

// allCompletedUnsafe reports whether every current member has a completed
// progress record.
func (l *Lobby) allCompletedUnsafe() bool {
	if len(l.Players) == 0 {
		return false
	}
	for _, p := range l.Players {
		prog, ok := l.progress[p.Conn.ID]
		if !ok || !prog.Completed {
			return false
		}
	}
	return true
}

// soleNotReadyUnsafe returns the single not-ready member when the lobby has
// two or more members and exactly one of them is not ready.
func (l *Lobby) soleNotReadyUnsafe() (*Player, bool) {
	if len(l.Players) < 2 {
		return nil, false
	}
	var candidate *Player
	for _, p := range l.Players {
		if !p.Ready {
			if candidate != nil {
				return nil, false
			}
			candidate = p
		}
	}
	if candidate == nil {
		return nil, false
	}
	return candidate, true
}

// broadcastUnsafe sends msg to every current member. Writes are non-blocking
// so holding the lock across the loop is safe.
func (l *Lobby) broadcastUnsafe(msg map[string]interface{}) {
	for _, p := range l.Players {
		p.Conn.Write(msg)
	}
}

// rosterUnsafe builds the full membership snapshot every membership mutation
// broadcasts. Always the whole list, never a delta.
func (l *Lobby) rosterUnsafe() []map[string]interface{} {
	players := make([]map[string]interface{}, 0, len(l.Players))
	for _, p := range l.Players {
		players = append(players, map[string]interface{}{
			"netid":     p.Conn.Netid,
			"ready":     p.Ready,
			"completed": p.Completed,
			"isHost":    p.Conn.Netid == l.HostNetid && l.HostNetid != "",
			"avatarUrl": p.Conn.AvatarURL,
		})
	}
	return players
}

// broadcastRosterUnsafe broadcasts the race:playersUpdate snapshot.
func (l *Lobby) broadcastRosterUnsafe() {
	l.broadcastUnsafe(map[string]interface{}{
		"type":    "race:playersUpdate",
		"players": l.rosterUnsafe(),
	})
}

// snippetPayloadUnsafe renders the active snippet for client events.
func (l *Lobby) snippetPayloadUnsafe() map[string]interface{} {
	if l.Snippet == nil {
		return nil
	}
	payload := map[string]interface{}{
		"id":   l.Snippet.ID,
		"text": l.Snippet.Text,
	}
	if l.Snippet.IsTimedTest {
		payload["isTimedTest"] = true
		payload["duration"] = l.Snippet.DurationSeconds
	}
	return payload
}

// joinedPayloadUnsafe is the race:joined event sent to a player entering the
// lobby.
func (l *Lobby) joinedPayloadUnsafe() map[string]interface{} {
	return map[string]interface{}{
		"type":      "race:joined",
		"code":      l.Code,
		"lobbyType": string(l.Type),
		"snippet":   l.snippetPayloadUnsafe(),
		"settings":  l.Settings,
		"hostNetid": l.HostNetid,
		"players":   l.rosterUnsafe(),
	}
}

// resultsUnsafe returns a copy of the aggregator list, ascending by
// completion time.
func (l *Lobby) resultsUnsafe() []Result {
	out := make([]Result, len(l.results))
	copy(out, l.results)
	return out
}
