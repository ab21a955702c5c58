// internal/models/models.go
package models

import (
	"strings"
	"time"
)

// LobbyType discriminates how a lobby is created and who may join it.
type LobbyType string

const (
	LobbyPublic   LobbyType = "public"
	LobbyPrivate  LobbyType = "private"
	LobbyPractice LobbyType = "practice"
)

// LobbyStatus is the lifecycle state of a race lobby. Transitions are
// monotonic: waiting -> countdown -> racing -> finished, with a direct jump
// to finished only for forced teardown.
type LobbyStatus string

const (
	StatusWaiting   LobbyStatus = "waiting"
	StatusCountdown LobbyStatus = "countdown"
	StatusRacing    LobbyStatus = "racing"
	StatusFinished  LobbyStatus = "finished"
)

// Identity is what the session binder resolves for a connection before any
// handler runs.
type Identity struct {
	Netid  string
	UserID int64
}

// Snippet is the text a lobby races on. Timed-test snippets are synthetic
// (generated word streams) and carry the "timed-<duration>" id shape the
// result router keys on.
type Snippet struct {
	ID              string `json:"id"`
	Text            string `json:"text"`
	IsTimedTest     bool   `json:"isTimedTest"`
	DurationSeconds int    `json:"duration,omitempty"`
}

// IsTimedSnippetID reports whether a snippet id has the synthetic timed-test
// shape.
func IsTimedSnippetID(id string) bool {
	return strings.HasPrefix(id, "timed-")
}

// Settings holds the host-tunable lobby configuration.
type Settings struct {
	TestMode     string `json:"testMode"` // "snippet" or "timed"
	TestDuration int    `json:"testDuration,omitempty"`
	SnippetID    string `json:"snippetId,omitempty"` // explicit snippet request
	Category     string `json:"category,omitempty"`
	Difficulty   string `json:"difficulty,omitempty"`
}

// SnippetFilters narrows random snippet selection.
type SnippetFilters struct {
	Category   string
	Difficulty string
}

// LobbyRow is the durable representation of a public or private lobby.
// Practice lobbies are never persisted.
type LobbyRow struct {
	ID         int64
	Code       string
	Type       LobbyType
	Status     LobbyStatus
	SnippetID  string
	HostNetid  string
	HostUserID int64
	Terminated bool
	CreatedAt  time.Time
}

// RaceResult is one player's durable finishing record for a stored-snippet
// race.
type RaceResult struct {
	Netid          string  `json:"netid"`
	WPM            float64 `json:"wpm"`
	Accuracy       float64 `json:"accuracy"`
	CompletionTime float64 `json:"completionTime"`
}

// TimedLeaderboardEntry is one row of the duration-keyed timed-test
// leaderboard.
type TimedLeaderboardEntry struct {
	Netid     string  `json:"netid"`
	WPM       float64 `json:"wpm"`
	Accuracy  float64 `json:"accuracy"`
	AvatarURL string  `json:"avatarUrl,omitempty"`
}

// PartialSession captures progress from an abandoned session so aggregate
// stats stay continuous even when a race is never finished.
type PartialSession struct {
	UserID      int64   `json:"-"` // always taken from the bound identity
	SnippetID   string  `json:"snippetId,omitempty"`
	CharsTyped  int     `json:"charsTyped"`
	DurationSec float64 `json:"durationSec"`
	WPM         float64 `json:"wpm"`
	Accuracy    float64 `json:"accuracy"`
}
