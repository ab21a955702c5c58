// internal/lobby/inactivity.go
package lobby

import (
	"github.com/sirupsen/logrus"

	"github.com/TigerAppsOrg/tigertype-sub001/internal/models"
	"github.com/TigerAppsOrg/tigertype-sub001/internal/timers"
)

// reevaluateInactivityUnsafe keeps the inactivity watch pointed at the right
// member. A lobby watches at most one connection: the sole not-ready member
// of a waiting lobby with two or more members. Any membership or readiness
// change re-runs this; a target change restarts the clock from zero.
func (s *Service) reevaluateInactivityUnsafe(l *Lobby) {
	var targetID string
	if l.Status == models.StatusWaiting {
		if p, ok := l.soleNotReadyUnsafe(); ok {
			targetID = p.Conn.ID
		}
	}

	if targetID == l.inactivityTarget {
		return
	}

	if l.inactivityTarget != "" {
		s.timers.CancelConn(l.Code, l.inactivityTarget)
	}
	l.inactivityTarget = targetID
	if targetID == "" {
		return
	}

	code := l.Code
	s.timers.Schedule(timers.Key{Code: code, ConnID: targetID, Kind: timers.KindInactivityWarning}, InactivityWarningAfter, func() {
		s.fireInactivityWarning(code, targetID)
	})
	s.timers.Schedule(timers.Key{Code: code, ConnID: targetID, Kind: timers.KindInactivityKick}, InactivityKickAfter, func() {
		s.fireInactivityKick(code, targetID)
	})
}

// fireInactivityWarning notifies the watched member that a kick is pending.
// Everything is re-validated: the member may have readied, left, or stopped
// being the sole holdout since the timer was armed.
func (s *Service) fireInactivityWarning(code, connID string) {
	l := s.reg.Get(code)
	if l == nil {
		return
	}

	l.Mu.Lock()
	defer l.Mu.Unlock()

	if l.Status != models.StatusWaiting || l.inactivityTarget != connID {
		return
	}
	player, ok := l.memberUnsafe(connID)
	if !ok || player.Ready {
		return
	}

	remaining := InactivityKickAfter - InactivityWarningAfter
	player.Conn.Write(map[string]interface{}{
		"type":             "inactivity:warning",
		"secondsRemaining": int(remaining.Seconds()),
	})
}

// fireInactivityKick evicts the watched member after the full grace period.
func (s *Service) fireInactivityKick(code, connID string) {
	l := s.reg.Get(code)
	if l == nil {
		return
	}

	l.Mu.Lock()
	if l.Status != models.StatusWaiting || l.inactivityTarget != connID {
		l.Mu.Unlock()
		return
	}
	player, ok := l.memberUnsafe(connID)
	if !ok || player.Ready {
		l.Mu.Unlock()
		return
	}
	player.Conn.Write(map[string]interface{}{
		"type": "inactivity:kicked",
		"code": l.Code,
	})
	netid := player.Conn.Netid
	l.Mu.Unlock()

	s.log.WithFields(logrus.Fields{"code": code, "netid": netid}).Info("kicking inactive player")
	s.removeFromLobby(l, connID, "inactivity")
}
