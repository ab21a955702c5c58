// internal/lobby/registry.go
package lobby

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
	"sync"
)

// Registry is the authoritative in-memory lobby directory plus the
// connection-to-lobby index that enforces the at-most-one-lobby invariant.
// Constructed empty at startup, torn down at shutdown, never persisted.
type Registry struct {
	mu      sync.Mutex
	lobbies map[string]*Lobby // code -> lobby
	byConn  map[string]string // connID -> code
}

// NewRegistry returns an empty directory.
func NewRegistry() *Registry {
	return &Registry{
		lobbies: make(map[string]*Lobby),
		byConn:  make(map[string]string),
	}
}

// Get returns the lobby for a code, or nil.
func (r *Registry) Get(code string) *Lobby {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lobbies[code]
}

// CodeFor returns the lobby code a connection currently occupies, if any.
func (r *Registry) CodeFor(connID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	code, ok := r.byConn[connID]
	return code, ok
}

// LobbyFor resolves a connection straight to its lobby, if any.
func (r *Registry) LobbyFor(connID string) *Lobby {
	r.mu.Lock()
	defer r.mu.Unlock()
	code, ok := r.byConn[connID]
	if !ok {
		return nil
	}
	return r.lobbies[code]
}

// add registers a lobby under its code.
func (r *Registry) add(l *Lobby) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lobbies[l.Code] = l
}

// remove evicts a lobby from the directory.
func (r *Registry) remove(code string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.lobbies, code)
}

// bind records that a connection now occupies a lobby.
func (r *Registry) bind(connID, code string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byConn[connID] = code
}

// unbind clears a connection's lobby membership index entry.
func (r *Registry) unbind(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byConn, connID)
}

// hasCode reports whether a code is already registered.
func (r *Registry) hasCode(code string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.lobbies[code]
	return ok
}

// snapshot copies the current lobby list so scans can lock individual
// lobbies without holding the registry mutex. Lobby mutexes are never
// acquired under r.mu, which keeps the lock order single-direction.
func (r *Registry) snapshot() []*Lobby {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Lobby, 0, len(r.lobbies))
	for _, l := range r.lobbies {
		out = append(out, l)
	}
	return out
}

// findByHostNetid scans for the lobby hosted by netid.
func (r *Registry) findByHostNetid(netid string) *Lobby {
	for _, l := range r.snapshot() {
		l.Mu.Lock()
		match := l.HostNetid == netid
		l.Mu.Unlock()
		if match {
			return l
		}
	}
	return nil
}

// findByMemberNetid scans for any lobby one of whose members is netid.
func (r *Registry) findByMemberNetid(netid string) *Lobby {
	for _, l := range r.snapshot() {
		l.Mu.Lock()
		_, match := l.memberByNetidUnsafe(netid)
		l.Mu.Unlock()
		if match {
			return l
		}
	}
	return nil
}

// waitingPublic returns a public lobby still in waiting, if one exists.
func (r *Registry) waitingPublic() *Lobby {
	for _, l := range r.snapshot() {
		l.Mu.Lock()
		match := l.Type == "public" && l.Status == "waiting"
		l.Mu.Unlock()
		if match {
			return l
		}
	}
	return nil
}

// generateCode produces a 6-character uppercase hex join code.
func generateCode() string {
	buf := make([]byte, 3)
	// rand.Read from crypto/rand never fails on supported platforms.
	_, _ = rand.Read(buf)
	return strings.ToUpper(hex.EncodeToString(buf))
}
