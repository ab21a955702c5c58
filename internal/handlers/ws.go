// internal/handlers/ws.go
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/TigerAppsOrg/tigertype-sub001/internal/auth"
	"github.com/TigerAppsOrg/tigertype-sub001/internal/cache"
	"github.com/TigerAppsOrg/tigertype-sub001/internal/lobby"
	"github.com/TigerAppsOrg/tigertype-sub001/internal/models"
)

const raceSubprotocol = "racing"

// Gateway terminates race websockets and translates between the wire and the
// lobby service. It holds no game state of its own; the service is
// authoritative.
type Gateway struct {
	Log     *logrus.Logger
	Service *lobby.Service
	Avatars *cache.AvatarCache
}

// WSHandler upgrades /ws requests, binds the caller's identity from their
// session token, and runs the read/write pumps until disconnect.
func (g *Gateway) WSHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ident, err := identityFromRequest(r)
		if err != nil {
			http.Error(w, "invalid session", http.StatusUnauthorized)
			return
		}

		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			Subprotocols:   []string{raceSubprotocol},
			OriginPatterns: []string{"*"}, // tightened by the deployment proxy
		})
		if err != nil {
			g.Log.Warnf("websocket accept error: %v", err)
			return
		}
		defer c.Close(websocket.StatusInternalError, "handler finished")

		if c.Subprotocol() != raceSubprotocol {
			c.Close(websocket.StatusPolicyViolation, "client must speak the racing subprotocol")
			return
		}

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		conn := lobby.NewConn(uuid.NewString(), ident, cancel, g.Log)
		if g.Avatars != nil {
			conn.AvatarURL = g.Avatars.Load(ctx, conn.ID, ident.Netid)
		}

		g.Log.WithFields(logrus.Fields{
			"netid":  ident.Netid,
			"conn":   conn.ID,
			"remote": r.RemoteAddr,
		}).Info("player connected")

		conn.Write(map[string]interface{}{
			"type":  "connected",
			"netid": ident.Netid,
		})

		go g.writePump(ctx, c, conn)
		g.readPump(ctx, c, conn)

		// readPump returned: the socket is gone. Tear down lobby membership
		// and per-connection caches.
		g.Service.Disconnect(conn)
		if g.Avatars != nil {
			g.Avatars.Drop(conn.ID)
		}
		g.Log.WithFields(logrus.Fields{"netid": ident.Netid, "conn": conn.ID}).Info("player disconnected")
	}
}

// identityFromRequest extracts the session token from the auth cookie or the
// token query parameter and verifies it.
func identityFromRequest(r *http.Request) (models.Identity, error) {
	token := r.URL.Query().Get("token")
	if token == "" {
		if cookie, err := r.Cookie("session"); err == nil {
			token = cookie.Value
		}
	}
	return auth.BindIdentity(token)
}

// readPump reads and dispatches inbound events until the socket closes.
func (g *Gateway) readPump(ctx context.Context, c *websocket.Conn, conn *lobby.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		typ, msg, err := c.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway &&
				!strings.Contains(err.Error(), "context canceled") {
				g.Log.WithFields(logrus.Fields{"netid": conn.Netid, "conn": conn.ID}).
					Warnf("read error: %v (close status %d)", err, status)
			}
			return
		}
		if typ != websocket.MessageText {
			continue
		}

		g.dispatch(ctx, conn, msg)
	}
}

// writePump drains the connection's out channel onto the socket and keeps the
// connection alive with periodic pings.
func (g *Gateway) writePump(ctx context.Context, c *websocket.Conn, conn *lobby.Conn) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-conn.Out:
			if !ok {
				return
			}
			data, err := json.Marshal(msg)
			if err != nil {
				g.Log.Warnf("failed to marshal outgoing msg for %s: %v", conn.Netid, err)
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err = c.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				g.Log.Warnf("write failed for %s: %v", conn.Netid, err)
				return
			}
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
			err := c.Ping(pingCtx)
			cancel()
			if err != nil {
				g.Log.Warnf("ping failed for %s, assuming disconnect", conn.Netid)
				return
			}
		}
	}
}
