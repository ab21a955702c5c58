// internal/lobby/lifecycle.go
package lobby

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/TigerAppsOrg/tigertype-sub001/internal/models"
	"github.com/TigerAppsOrg/tigertype-sub001/internal/timers"
)

// StartRace is the host's manual start, and only exists for private lobbies:
// public lobbies enter countdown solely through the all-ready check, and
// practice lobbies count down at creation.
func (s *Service) StartRace(conn *Conn, code string) error {
	l := s.reg.Get(normalizeCode(code))
	if l == nil {
		return ErrLobbyNotFound
	}

	l.Mu.Lock()
	defer l.Mu.Unlock()

	if l.Type != models.LobbyPrivate {
		return ErrBadState
	}
	if l.HostNetid != conn.Netid {
		return ErrNotHost
	}
	if _, ok := l.memberUnsafe(conn.ID); !ok {
		return ErrNotHost
	}
	if l.Status != models.StatusWaiting {
		return ErrBadState
	}
	if len(l.Players) < 2 {
		return ErrNotEnoughPlayers
	}
	s.startCountdownUnsafe(l)
	return nil
}

// checkAutoCountdownUnsafe starts the countdown when a waiting public lobby
// has two or more members all ready. Private lobbies wait for the host's
// explicit start; practice lobbies count down at creation.
func (s *Service) checkAutoCountdownUnsafe(l *Lobby) {
	if l.Type != models.LobbyPublic || l.Status != models.StatusWaiting {
		return
	}
	if len(l.Players) < 2 || !l.allReadyUnsafe() {
		return
	}
	s.startCountdownUnsafe(l)
}

// startCountdownUnsafe transitions waiting -> countdown, announces the
// duration, and schedules the fire. Scheduling replaces any prior countdown
// timer for the lobby, so a re-entry is harmless.
func (s *Service) startCountdownUnsafe(l *Lobby) {
	if l.Status != models.StatusWaiting {
		return
	}
	l.Status = models.StatusCountdown

	d := CountdownDefault
	if l.Type == models.LobbyPractice {
		d = CountdownPractice
	}
	l.broadcastUnsafe(map[string]interface{}{
		"type":    "race:countdown",
		"seconds": int(d.Seconds()),
	})

	code := l.Code
	s.timers.Schedule(timers.Key{Code: code, Kind: timers.KindCountdown}, d, func() {
		s.fireCountdown(code)
	})

	s.log.WithFields(logrus.Fields{"code": l.Code, "type": l.Type}).Info("countdown started")
}

// fireCountdown runs when the countdown timer elapses. The lobby may have
// emptied or been terminated in the interim, so everything is re-validated
// under the lock.
func (s *Service) fireCountdown(code string) {
	l := s.reg.Get(code)
	if l == nil {
		return
	}

	l.Mu.Lock()
	defer l.Mu.Unlock()

	if l.Status != models.StatusCountdown || len(l.Players) == 0 {
		return
	}

	l.Status = models.StatusRacing
	l.StartedAt = s.clock.Now()
	for connID := range l.progress {
		delete(l.progress, connID)
	}
	for connID := range l.lastProgress {
		delete(l.lastProgress, connID)
	}
	l.results = nil
	for _, p := range l.Players {
		p.Completed = false
	}

	l.broadcastUnsafe(map[string]interface{}{
		"type":      "race:start",
		"startTime": l.StartedAt.UnixMilli(),
	})

	if l.PersistentID != 0 {
		lobbyID := l.PersistentID
		s.sync.do("updateStatus racing", logrus.Fields{"code": l.Code}, func(ctx context.Context) error {
			return s.store.UpdateLobbyStatus(ctx, lobbyID, models.StatusRacing)
		})
	}

	s.log.WithFields(logrus.Fields{"code": l.Code, "players": len(l.Players)}).Info("race started")
}

// endRaceUnsafe transitions racing -> finished once every member has
// completed (or the last incomplete member departed), broadcasts the final
// results snapshot, and syncs the terminal status.
func (s *Service) endRaceUnsafe(l *Lobby) {
	if l.Status != models.StatusRacing {
		return
	}
	l.Status = models.StatusFinished
	s.timers.CancelLobby(l.Code)

	l.broadcastUnsafe(map[string]interface{}{
		"type":    "race:end",
		"results": l.resultsUnsafe(),
	})

	if l.PersistentID != 0 {
		lobbyID := l.PersistentID
		code := l.Code
		s.sync.do("updateStatus finished", logrus.Fields{"code": code}, func(ctx context.Context) error {
			if err := s.store.UpdateLobbyStatus(ctx, lobbyID, models.StatusFinished); err != nil {
				return err
			}
			// Log the durable snapshot so in-memory and stored results can be
			// compared after the fact.
			if results, err := s.store.RaceResults(ctx, lobbyID); err == nil {
				s.log.WithFields(logrus.Fields{"code": code, "stored": len(results)}).Debug("race results persisted")
			}
			return nil
		})
	}

	s.log.WithFields(logrus.Fields{"code": l.Code, "results": len(l.results)}).Info("race finished")
}
