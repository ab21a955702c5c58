// internal/lobby/progress.go
package lobby

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/TigerAppsOrg/tigertype-sub001/internal/models"
	"github.com/TigerAppsOrg/tigertype-sub001/internal/words"
)

// ProgressUpdate is a race:progress payload. Only the position is trusted;
// the broadcast percentage is always computed server-side from it.
type ProgressUpdate struct {
	Position  int  `json:"position"`
	Completed bool `json:"completed"`
}

// ResultReport is a race:result payload carrying the client-computed final
// stats for a finished run.
type ResultReport struct {
	WPM            float64 `json:"wpm"`
	Accuracy       float64 `json:"accuracy"`
	CompletionTime float64 `json:"completionTime"`
}

// SubmitProgress ingests one progress sample. Intermediate samples are
// throttled per player; a completion sample always passes, and its finish
// handling runs exactly once however many duplicates arrive.
func (s *Service) SubmitProgress(conn *Conn, u ProgressUpdate) {
	l := s.reg.LobbyFor(conn.ID)
	if l == nil {
		return
	}

	l.Mu.Lock()
	defer l.Mu.Unlock()

	if l.Status != models.StatusRacing {
		return
	}
	player, ok := l.memberUnsafe(conn.ID)
	if !ok {
		return
	}
	// Out-of-range samples are dropped without an error event; progress is
	// too high-frequency to ack.
	if u.Position < 0 {
		return
	}
	if l.Snippet != nil && u.Position > len(l.Snippet.Text) {
		return
	}

	now := s.clock.Now()
	prog := l.progress[conn.ID]
	if prog == nil {
		prog = &Progress{}
		l.progress[conn.ID] = prog
	}

	if !u.Completed {
		if prog.Completed {
			return // no regressing a finished run
		}
		if last, ok := l.lastProgress[conn.ID]; ok && now.Sub(last) < ProgressThrottle {
			return
		}
		l.lastProgress[conn.ID] = now
		prog.Position = u.Position
		prog.Percentage = l.percentageForUnsafe(u.Position)
		prog.Timestamp = now

		l.broadcastUnsafe(map[string]interface{}{
			"type":       "race:playerProgress",
			"netid":      conn.Netid,
			"position":   prog.Position,
			"percentage": prog.Percentage,
			"completed":  false,
		})
		return
	}

	if prog.finishHandled {
		return
	}
	prog.finishHandled = true
	prog.Completed = true
	prog.Position = u.Position
	prog.Percentage = 100
	prog.Timestamp = now
	prog.CompletionTime = now.Sub(l.StartedAt).Seconds()
	player.Completed = true

	l.broadcastUnsafe(map[string]interface{}{
		"type":       "race:playerProgress",
		"netid":      conn.Netid,
		"position":   prog.Position,
		"percentage": 100,
		"completed":  true,
	})
	l.broadcastRosterUnsafe()

	if l.allCompletedUnsafe() {
		s.endRaceUnsafe(l)
	}
}

// RecordResult ingests a player's final stats, routes the durable write by
// snippet kind, appends to the aggregator, and broadcasts the full results
// snapshot. Idempotent per player per race.
func (s *Service) RecordResult(conn *Conn, r ResultReport) {
	l := s.reg.LobbyFor(conn.ID)
	if l == nil {
		return
	}

	l.Mu.Lock()
	defer l.Mu.Unlock()

	if l.Status != models.StatusRacing && l.Status != models.StatusFinished {
		return
	}
	if _, ok := l.memberUnsafe(conn.ID); !ok {
		return
	}

	// A result is only valid on top of a completed progress record; anything
	// else is a client reporting a finish the tracker never saw.
	prog := l.progress[conn.ID]
	if prog == nil || !prog.Completed {
		return
	}
	if prog.resultRecorded {
		return
	}
	prog.resultRecorded = true
	prog.WPM = r.WPM
	prog.Accuracy = r.Accuracy
	// Completion time was stamped by the finish handling; a client-reported
	// value refines it when present.
	if r.CompletionTime > 0 {
		prog.CompletionTime = r.CompletionTime
	}

	entry := Result{
		Netid:          conn.Netid,
		WPM:            r.WPM,
		Accuracy:       r.Accuracy,
		CompletionTime: prog.CompletionTime,
		AvatarURL:      conn.AvatarURL,
	}
	l.insertResultUnsafe(entry)

	s.persistResultUnsafe(l, conn, entry)

	l.broadcastUnsafe(map[string]interface{}{
		"type":    "race:resultsUpdate",
		"results": l.resultsUnsafe(),
	})
}

// percentageForUnsafe derives the broadcast percentage from a position,
// floored and capped at 100. Clients never supply it.
func (l *Lobby) percentageForUnsafe(position int) int {
	if l.Snippet == nil || len(l.Snippet.Text) == 0 {
		return 0
	}
	pct := position * 100 / len(l.Snippet.Text)
	if pct > 100 {
		pct = 100
	}
	return pct
}

// insertResultUnsafe appends keeping the list sorted ascending by completion
// time.
func (l *Lobby) insertResultUnsafe(entry Result) {
	i := len(l.results)
	for i > 0 && l.results[i-1].CompletionTime > entry.CompletionTime {
		i--
	}
	l.results = append(l.results, Result{})
	copy(l.results[i+1:], l.results[i:])
	l.results[i] = entry
}

// persistResultUnsafe fires the best-effort durable writes for one result.
// Timed tests go to the duration-keyed leaderboard; stored snippets to the
// per-race results table. Private-lobby results never feed aggregate typing
// stats.
func (s *Service) persistResultUnsafe(l *Lobby, conn *Conn, entry Result) {
	userID := conn.UserID
	fields := logrus.Fields{"code": l.Code, "netid": conn.Netid}

	if l.Snippet != nil && l.Snippet.IsTimedTest {
		duration := l.Snippet.DurationSeconds
		s.sync.do("insertTimedResult", fields, func(ctx context.Context) error {
			return s.store.InsertTimedResult(ctx, userID, duration, entry.WPM, entry.Accuracy)
		})
	} else if l.Snippet != nil {
		lobbyID, snippetID := l.PersistentID, l.Snippet.ID
		s.sync.do("recordRaceResult", fields, func(ctx context.Context) error {
			return s.store.RecordRaceResult(ctx, userID, lobbyID, snippetID, entry.WPM, entry.Accuracy, entry.CompletionTime)
		})
	}

	if l.Type != models.LobbyPrivate {
		s.sync.do("updateTypingStats", fields, func(ctx context.Context) error {
			return s.store.UpdateTypingStats(ctx, userID, entry.WPM, entry.Accuracy)
		})
	}
}

// MoreWords extends a running timed test's text and broadcasts the extension
// so every racer sees the same words.
func (s *Service) MoreWords(conn *Conn, wordCount int) {
	l := s.reg.LobbyFor(conn.ID)
	if l == nil {
		return
	}

	l.Mu.Lock()
	defer l.Mu.Unlock()

	if l.Status != models.StatusRacing || l.Snippet == nil || !l.Snippet.IsTimedTest {
		return
	}
	if wordCount <= 0 || wordCount > 100 {
		wordCount = 25
	}

	extra := words.Generate(wordCount)
	l.Snippet.Text = l.Snippet.Text + " " + extra

	l.broadcastUnsafe(map[string]interface{}{
		"type": "timed:textUpdate",
		"text": l.Snippet.Text,
	})
}

// CancelRace abandons the caller's in-progress run, storing a partial session
// so aggregate stats account for the effort, then removes them from the
// lobby.
func (s *Service) CancelRace(conn *Conn, p models.PartialSession) {
	l := s.reg.LobbyFor(conn.ID)
	if l == nil {
		return
	}

	l.Mu.Lock()
	racing := l.Status == models.StatusRacing
	isPrivate := l.Type == models.LobbyPrivate
	snippetID := ""
	if l.Snippet != nil {
		snippetID = l.Snippet.ID
	}
	l.Mu.Unlock()

	if racing && !isPrivate && p.CharsTyped > 0 {
		p.UserID = conn.UserID
		if p.SnippetID == "" {
			p.SnippetID = snippetID
		}
		fields := logrus.Fields{"code": l.Code, "netid": conn.Netid}
		s.sync.do("recordPartialSession", fields, func(ctx context.Context) error {
			return s.store.RecordPartialSession(ctx, p)
		})
	}

	s.removeFromLobby(l, conn.ID, "cancelled")
}
