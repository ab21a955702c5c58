// internal/lobby/settings.go
package lobby

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/TigerAppsOrg/tigertype-sub001/internal/models"
	"github.com/TigerAppsOrg/tigertype-sub001/internal/words"
)

// ChangeKind classifies what a settings update asks for, so exactly one
// action is taken per request even when the payload names several things.
type ChangeKind int

const (
	NoChange ChangeKind = iota
	UseExplicitSnippet
	SwitchToTimed
	ChangeTimedDuration
	SwitchToSnippetMode
)

// SettingsUpdate is the host's lobby:updateSettings payload. Zero-valued
// fields mean "unchanged".
type SettingsUpdate struct {
	TestMode     string `json:"testMode"`
	TestDuration int    `json:"testDuration"`
	SnippetID    string `json:"snippetId"`
	Category     string `json:"category"`
	Difficulty   string `json:"difficulty"`
}

// resolveChange decides the single action an update implies. Priority: an
// explicit snippet id wins; then a mode switch to timed; then a duration
// change within timed mode; then a switch back to snippet mode (also
// triggered by category/difficulty changes, which force a re-pick).
func resolveChange(current models.Settings, u SettingsUpdate) ChangeKind {
	if u.SnippetID != "" && u.SnippetID != current.SnippetID {
		return UseExplicitSnippet
	}
	if u.TestMode == "timed" && current.TestMode != "timed" {
		return SwitchToTimed
	}
	if current.TestMode == "timed" && u.TestMode != "snippet" {
		if u.TestDuration > 0 && u.TestDuration != current.TestDuration {
			return ChangeTimedDuration
		}
		return NoChange
	}
	if u.TestMode == "snippet" && current.TestMode == "timed" {
		return SwitchToSnippetMode
	}
	if u.Category != "" && u.Category != current.Category {
		return SwitchToSnippetMode
	}
	if u.Difficulty != "" && u.Difficulty != current.Difficulty {
		return SwitchToSnippetMode
	}
	return NoChange
}

// UpdateSettings applies a host's settings change to a waiting private lobby
// and broadcasts the resulting snippet and settings to every member.
func (s *Service) UpdateSettings(ctx context.Context, conn *Conn, code string, u SettingsUpdate) error {
	l := s.reg.Get(normalizeCode(code))
	if l == nil {
		return ErrLobbyNotFound
	}

	l.Mu.Lock()
	if l.HostNetid != conn.Netid {
		l.Mu.Unlock()
		return ErrNotHost
	}
	if l.Status != models.StatusWaiting {
		l.Mu.Unlock()
		return ErrBadState
	}
	current := l.Settings
	kind := resolveChange(current, u)
	l.Mu.Unlock()

	if kind == NoChange {
		return nil
	}

	// Resolve the replacement snippet outside the lock; snippet-mode changes
	// hit the content store.
	var (
		snippet *models.Snippet
		next    = current
		err     error
	)
	switch kind {
	case UseExplicitSnippet:
		snippet, err = s.snippets.FindSnippetByID(ctx, u.SnippetID)
		if err != nil || snippet == nil {
			return ErrSnippetLoad
		}
		next.TestMode = "snippet"
		next.SnippetID = snippet.ID
	case SwitchToTimed:
		next.TestMode = "timed"
		if u.TestDuration > 0 {
			next.TestDuration = u.TestDuration
		} else if next.TestDuration <= 0 {
			next.TestDuration = defaultTimedDuration
		}
		snippet = words.NewTimedSnippet(next.TestDuration)
		next.SnippetID = snippet.ID
	case ChangeTimedDuration:
		next.TestDuration = u.TestDuration
		snippet = words.NewTimedSnippet(next.TestDuration)
		next.SnippetID = snippet.ID
	case SwitchToSnippetMode:
		next.TestMode = "snippet"
		if u.Category != "" {
			next.Category = u.Category
		}
		if u.Difficulty != "" {
			next.Difficulty = u.Difficulty
		}
		snippet, err = s.snippets.GetRandomSnippet(ctx, models.SnippetFilters{
			Category:   next.Category,
			Difficulty: next.Difficulty,
		})
		if err != nil || snippet == nil {
			return ErrSnippetLoad
		}
		next.SnippetID = snippet.ID
	}

	l.Mu.Lock()
	// Re-validate after the suspension point: the host may have left or the
	// race begun while the snippet loaded.
	if l.HostNetid != conn.Netid || l.Status != models.StatusWaiting {
		l.Mu.Unlock()
		return ErrBadState
	}
	l.Settings = next
	l.Snippet = snippet
	l.broadcastUnsafe(map[string]interface{}{
		"type":     "lobby:settingsUpdated",
		"settings": l.Settings,
		"snippet":  l.snippetPayloadUnsafe(),
	})
	l.Mu.Unlock()

	if l.PersistentID != 0 {
		lobbyID := l.PersistentID
		s.sync.do("updateSettings", logrus.Fields{"code": l.Code}, func(ctx context.Context) error {
			return s.store.UpdateLobbySettings(ctx, lobbyID, next, snippet.ID)
		})
	}
	return nil
}
