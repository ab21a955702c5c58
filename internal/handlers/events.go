// internal/handlers/events.go
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/TigerAppsOrg/tigertype-sub001/internal/lobby"
	"github.com/TigerAppsOrg/tigertype-sub001/internal/models"
)

// envelope is the common shape of every inbound event.
type envelope struct {
	Type string `json:"type"`
}

// dispatch routes one inbound event to the service. Errors come back to the
// sender as error events; successful joins and state changes answer with
// their own events from inside the service.
func (g *Gateway) dispatch(ctx context.Context, conn *lobby.Conn, raw []byte) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		conn.WriteError("invalid JSON")
		return
	}

	switch env.Type {
	case "practice:join":
		var p struct {
			envelope
			lobby.PracticeOptions
		}
		if err := json.Unmarshal(raw, &p); err != nil {
			conn.WriteError("invalid practice:join payload")
			return
		}
		g.reply(conn, g.Service.JoinPractice(ctx, conn, p.PracticeOptions))

	case "public:join":
		g.reply(conn, g.Service.JoinPublic(ctx, conn))

	case "private:create":
		var p struct {
			envelope
			Settings models.Settings `json:"settings"`
		}
		if err := json.Unmarshal(raw, &p); err != nil {
			conn.WriteError("invalid private:create payload")
			return
		}
		code, err := g.Service.CreatePrivate(ctx, conn, p.Settings)
		if err != nil {
			g.reply(conn, err)
			return
		}
		conn.Write(map[string]interface{}{
			"type": "private:created",
			"code": code,
		})

	case "private:join":
		var p struct {
			envelope
			lobby.LobbyRef
		}
		if err := json.Unmarshal(raw, &p); err != nil {
			conn.WriteError("invalid private:join payload")
			return
		}
		g.reply(conn, g.Service.JoinPrivate(ctx, conn, p.LobbyRef))

	case "player:ready":
		g.Service.Ready(conn)

	case "lobby:kick":
		var p struct {
			envelope
			Code        string `json:"code"`
			TargetNetid string `json:"targetNetid"`
		}
		if err := json.Unmarshal(raw, &p); err != nil {
			conn.WriteError("invalid lobby:kick payload")
			return
		}
		g.reply(conn, g.Service.Kick(conn, p.Code, p.TargetNetid))

	case "lobby:updateSettings":
		var p struct {
			envelope
			Code string `json:"code"`
			lobby.SettingsUpdate
		}
		if err := json.Unmarshal(raw, &p); err != nil {
			conn.WriteError("invalid lobby:updateSettings payload")
			return
		}
		g.reply(conn, g.Service.UpdateSettings(ctx, conn, p.Code, p.SettingsUpdate))

	case "lobby:startRace":
		var p struct {
			envelope
			Code string `json:"code"`
		}
		if err := json.Unmarshal(raw, &p); err != nil {
			conn.WriteError("invalid lobby:startRace payload")
			return
		}
		g.reply(conn, g.Service.StartRace(conn, p.Code))

	case "race:progress":
		var p struct {
			envelope
			lobby.ProgressUpdate
		}
		if err := json.Unmarshal(raw, &p); err != nil {
			return // high-frequency event; drop malformed samples silently
		}
		g.Service.SubmitProgress(conn, p.ProgressUpdate)

	case "race:result":
		var p struct {
			envelope
			lobby.ResultReport
		}
		if err := json.Unmarshal(raw, &p); err != nil {
			conn.WriteError("invalid race:result payload")
			return
		}
		g.Service.RecordResult(conn, p.ResultReport)

	case "race:cancel":
		var p struct {
			envelope
			models.PartialSession
		}
		if err := json.Unmarshal(raw, &p); err != nil {
			conn.WriteError("invalid race:cancel payload")
			return
		}
		g.Service.CancelRace(conn, p.PartialSession)

	case "timed:moreWords":
		var p struct {
			envelope
			WordCount int `json:"wordCount"`
		}
		if err := json.Unmarshal(raw, &p); err != nil {
			conn.WriteError("invalid timed:moreWords payload")
			return
		}
		g.Service.MoreWords(conn, p.WordCount)

	case "leaderboard:timed":
		var p struct {
			envelope
			Duration int    `json:"duration"`
			Period   string `json:"period"`
		}
		if err := json.Unmarshal(raw, &p); err != nil {
			conn.WriteError("invalid leaderboard:timed payload")
			return
		}
		entries, err := g.Service.Leaderboard(ctx, p.Duration, p.Period)
		if err != nil {
			g.reply(conn, err)
			return
		}
		conn.Write(map[string]interface{}{
			"type":     "leaderboard:timed",
			"duration": p.Duration,
			"period":   p.Period,
			"entries":  entries,
		})

	default:
		conn.WriteError(fmt.Sprintf("unknown event type: %s", env.Type))
	}
}

// reply converts a service error into an error event; nil is silent because
// the service already emitted the success events.
func (g *Gateway) reply(conn *lobby.Conn, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, lobby.ErrLobbyNotFound),
		errors.Is(err, lobby.ErrLobbyFull),
		errors.Is(err, lobby.ErrNotJoinable),
		errors.Is(err, lobby.ErrNotHost),
		errors.Is(err, lobby.ErrBadState),
		errors.Is(err, lobby.ErrNotEnoughPlayers),
		errors.Is(err, lobby.ErrSelfKick),
		errors.Is(err, lobby.ErrTargetNotFound),
		errors.Is(err, lobby.ErrTransient),
		errors.Is(err, lobby.ErrSnippetLoad):
		conn.WriteError(err.Error())
	default:
		g.Log.WithError(err).Warn("unexpected service error")
		conn.WriteError("internal error")
	}
}
