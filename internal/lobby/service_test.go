// internal/lobby/service_test.go
package lobby

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TigerAppsOrg/tigertype-sub001/internal/database"
	"github.com/TigerAppsOrg/tigertype-sub001/internal/models"
)

func TestJoinPracticeStartsImmediately(t *testing.T) {
	svc, store, clock := newTestService(t)
	conn := testConn("alice", 1)

	require.NoError(t, svc.JoinPractice(context.Background(), conn, PracticeOptions{}))

	l := svc.reg.LobbyFor(conn.ID)
	require.NotNil(t, l)
	assert.Equal(t, models.LobbyPractice, l.Type)
	assert.Equal(t, models.StatusCountdown, lobbyStatus(l))

	events := drainEvents(conn)
	require.Len(t, eventsOfType(events, "race:joined"), 1)
	countdowns := eventsOfType(events, "race:countdown")
	require.Len(t, countdowns, 1)
	assert.Equal(t, 3, countdowns[0]["seconds"])

	clock.Advance(CountdownPractice)
	require.Eventually(t, func() bool {
		return lobbyStatus(l) == models.StatusRacing
	}, 2*time.Second, time.Millisecond)
	waitForEvent(t, conn, "race:start")

	// Practice lobbies live purely in memory.
	store.mu.Lock()
	assert.Zero(t, store.createLobbyCalls)
	store.mu.Unlock()
}

func TestJoinPracticeTimedMode(t *testing.T) {
	svc, _, _ := newTestService(t)
	conn := testConn("alice", 1)

	require.NoError(t, svc.JoinPractice(context.Background(), conn, PracticeOptions{TestMode: "timed", TestDuration: 30}))

	l := svc.reg.LobbyFor(conn.ID)
	require.NotNil(t, l)
	l.Mu.Lock()
	assert.Equal(t, "timed-30", l.Snippet.ID)
	assert.True(t, l.Snippet.IsTimedTest)
	l.Mu.Unlock()
}

func TestJoinPublicMatchmaking(t *testing.T) {
	svc, _, _ := newTestService(t)
	a, b := testConn("alice", 1), testConn("bob", 2)

	require.NoError(t, svc.JoinPublic(context.Background(), a))
	require.NoError(t, svc.JoinPublic(context.Background(), b))

	la, lb := svc.reg.LobbyFor(a.ID), svc.reg.LobbyFor(b.ID)
	require.NotNil(t, la)
	assert.Same(t, la, lb, "second joiner lands in the same waiting lobby")
	assert.Equal(t, 2, memberCount(la))
	assert.Equal(t, models.StatusWaiting, lobbyStatus(la))

	// Membership changes broadcast a full roster to everyone present.
	rosters := eventsOfType(drainEvents(a), "race:playersUpdate")
	require.NotEmpty(t, rosters)
	last := rosters[len(rosters)-1]
	assert.Len(t, last["players"], 2)
}

func TestPublicAutoCountdownWhenAllReady(t *testing.T) {
	svc, _, clock := newTestService(t)
	a, b := testConn("alice", 1), testConn("bob", 2)
	require.NoError(t, svc.JoinPublic(context.Background(), a))
	require.NoError(t, svc.JoinPublic(context.Background(), b))
	l := svc.reg.LobbyFor(a.ID)

	svc.Ready(a)
	assert.Equal(t, models.StatusWaiting, lobbyStatus(l), "one ready player is not enough")

	svc.Ready(b)
	assert.Equal(t, models.StatusCountdown, lobbyStatus(l))
	cd := waitForEvent(t, a, "race:countdown")
	assert.Equal(t, 5, cd["seconds"])

	clock.Advance(CountdownDefault)
	require.Eventually(t, func() bool {
		return lobbyStatus(l) == models.StatusRacing
	}, 2*time.Second, time.Millisecond)
	waitForEvent(t, b, "race:start")
}

func TestSinglePlayerPublicLobbyNeverAutoStarts(t *testing.T) {
	svc, _, clock := newTestService(t)
	a := testConn("alice", 1)
	require.NoError(t, svc.JoinPublic(context.Background(), a))
	l := svc.reg.LobbyFor(a.ID)

	svc.Ready(a)
	clock.Advance(time.Minute)
	assert.Equal(t, models.StatusWaiting, lobbyStatus(l))
}

func TestCreateAndJoinPrivateByCode(t *testing.T) {
	svc, store, _ := newTestService(t)
	host, guest := testConn("alice", 1), testConn("bob", 2)

	code, err := svc.CreatePrivate(context.Background(), host, models.Settings{})
	require.NoError(t, err)
	require.Len(t, code, 6)

	require.NoError(t, svc.JoinPrivate(context.Background(), guest, LobbyRef{Code: code}))

	l := svc.reg.Get(code)
	require.NotNil(t, l)
	assert.Equal(t, 2, memberCount(l))
	l.Mu.Lock()
	assert.Equal(t, "alice", l.HostNetid)
	l.Mu.Unlock()

	// Both membership inserts went through the capacity-checked transaction.
	store.mu.Lock()
	assert.ElementsMatch(t, []int64{1, 2}, store.addPlayerCalls)
	store.mu.Unlock()
}

func TestJoinPrivateByHostAndMemberNetid(t *testing.T) {
	svc, _, _ := newTestService(t)
	host, g1, g2 := testConn("alice", 1), testConn("bob", 2), testConn("carol", 3)

	code, err := svc.CreatePrivate(context.Background(), host, models.Settings{})
	require.NoError(t, err)

	require.NoError(t, svc.JoinPrivate(context.Background(), g1, LobbyRef{HostNetid: "alice"}))
	require.NoError(t, svc.JoinPrivate(context.Background(), g2, LobbyRef{PlayerNetid: "bob"}))
	assert.Equal(t, 3, memberCount(svc.reg.Get(code)))
}

func TestJoinPrivateCapacityEnforcedByStore(t *testing.T) {
	svc, store, _ := newTestService(t)
	host := testConn("alice", 1)
	code, err := svc.CreatePrivate(context.Background(), host, models.Settings{})
	require.NoError(t, err)

	store.mu.Lock()
	store.addPlayerErr = database.ErrCapacity
	store.mu.Unlock()

	guest := testConn("bob", 2)
	err = svc.JoinPrivate(context.Background(), guest, LobbyRef{Code: code})
	assert.ErrorIs(t, err, ErrLobbyFull)
	assert.Equal(t, 1, memberCount(svc.reg.Get(code)), "failed transaction must not admit the player")
	assert.Nil(t, svc.reg.LobbyFor(guest.ID))
}

func TestJoinPrivateInMemoryCapGuard(t *testing.T) {
	svc, _, _ := newTestService(t)
	host := testConn("alice", 1)
	code, err := svc.CreatePrivate(context.Background(), host, models.Settings{})
	require.NoError(t, err)

	for i := 0; i < PrivateLobbyCap-1; i++ {
		guest := testConn(fmt.Sprintf("g%d", i), int64(10+i))
		require.NoError(t, svc.JoinPrivate(context.Background(), guest, LobbyRef{Code: code}))
	}
	require.Equal(t, PrivateLobbyCap, memberCount(svc.reg.Get(code)))

	late := testConn("late", 99)
	assert.ErrorIs(t, svc.JoinPrivate(context.Background(), late, LobbyRef{Code: code}), ErrLobbyFull)
}

func TestJoinPrivateNotFoundVsNotJoinable(t *testing.T) {
	svc, store, _ := newTestService(t)
	guest := testConn("bob", 2)

	err := svc.JoinPrivate(context.Background(), guest, LobbyRef{Code: "ABCDEF"})
	assert.ErrorIs(t, err, ErrLobbyNotFound)

	// A durable row surviving without a live lobby means it existed but is
	// gone.
	store.mu.Lock()
	store.findByCode = &models.LobbyRow{Code: "ABCDEF", Terminated: true}
	store.mu.Unlock()
	err = svc.JoinPrivate(context.Background(), guest, LobbyRef{Code: "ABCDEF"})
	assert.ErrorIs(t, err, ErrNotJoinable)
}

func TestJoinLeavesPreviousLobby(t *testing.T) {
	svc, _, _ := newTestService(t)
	a, b := testConn("alice", 1), testConn("bob", 2)
	require.NoError(t, svc.JoinPublic(context.Background(), a))
	require.NoError(t, svc.JoinPublic(context.Background(), b))
	first := svc.reg.LobbyFor(a.ID)

	code, err := svc.CreatePrivate(context.Background(), a, models.Settings{})
	require.NoError(t, err)

	assert.Equal(t, 1, memberCount(first), "joining a new lobby leaves the old one")
	assert.Equal(t, code, svc.reg.Get(code).Code)
	got, _ := svc.reg.CodeFor(a.ID)
	assert.Equal(t, code, got)
}

func TestKick(t *testing.T) {
	svc, _, _ := newTestService(t)
	host, guest := testConn("alice", 1), testConn("bob", 2)
	code, err := svc.CreatePrivate(context.Background(), host, models.Settings{})
	require.NoError(t, err)
	require.NoError(t, svc.JoinPrivate(context.Background(), guest, LobbyRef{Code: code}))

	assert.ErrorIs(t, svc.Kick(guest, code, "alice"), ErrNotHost)
	assert.ErrorIs(t, svc.Kick(host, code, "alice"), ErrSelfKick)
	assert.ErrorIs(t, svc.Kick(host, code, "nobody"), ErrTargetNotFound)

	require.NoError(t, svc.Kick(host, code, "bob"))
	waitForEvent(t, guest, "lobby:kicked")
	assert.Equal(t, 1, memberCount(svc.reg.Get(code)))
	assert.Nil(t, svc.reg.LobbyFor(guest.ID))
}

func TestHostReassignmentOnDeparture(t *testing.T) {
	svc, store, _ := newTestService(t)
	host, g1, g2 := testConn("alice", 1), testConn("bob", 2), testConn("carol", 3)
	code, err := svc.CreatePrivate(context.Background(), host, models.Settings{})
	require.NoError(t, err)
	require.NoError(t, svc.JoinPrivate(context.Background(), g1, LobbyRef{Code: code}))
	require.NoError(t, svc.JoinPrivate(context.Background(), g2, LobbyRef{Code: code}))
	drainEvents(g1)

	svc.Disconnect(host)

	l := svc.reg.Get(code)
	require.NotNil(t, l)
	l.Mu.Lock()
	assert.Equal(t, "bob", l.HostNetid, "oldest remaining member becomes host")
	l.Mu.Unlock()

	newHost := waitForEvent(t, g1, "lobby:newHost")
	assert.Equal(t, "bob", newHost["newHostNetid"])

	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return len(store.reassignHostCalls) == 1 && store.reassignHostCalls[0].Netid == "bob"
	}, 2*time.Second, time.Millisecond)
}

func TestLastDepartureEvictsAndTerminates(t *testing.T) {
	svc, store, _ := newTestService(t)
	host := testConn("alice", 1)
	code, err := svc.CreatePrivate(context.Background(), host, models.Settings{})
	require.NoError(t, err)

	svc.Disconnect(host)

	assert.Nil(t, svc.reg.Get(code))
	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return len(store.softTerminated) == 1
	}, 2*time.Second, time.Millisecond)
}

func TestStartRaceRejectedForPublicLobbies(t *testing.T) {
	svc, _, _ := newTestService(t)
	a, b := testConn("alice", 1), testConn("bob", 2)
	require.NoError(t, svc.JoinPublic(context.Background(), a))
	require.NoError(t, svc.JoinPublic(context.Background(), b))
	l := svc.reg.LobbyFor(a.ID)

	// Neither a member nor a complete outsider can force a public lobby into
	// countdown; only the all-ready check starts it.
	outsider := testConn("mallory", 99)
	assert.ErrorIs(t, svc.StartRace(outsider, l.Code), ErrBadState)
	assert.ErrorIs(t, svc.StartRace(a, l.Code), ErrBadState)
	assert.Equal(t, models.StatusWaiting, lobbyStatus(l))
}

func TestStartRaceRequiresHostMembership(t *testing.T) {
	svc, _, _ := newTestService(t)
	host, guest := testConn("alice", 1), testConn("bob", 2)
	code, err := svc.CreatePrivate(context.Background(), host, models.Settings{})
	require.NoError(t, err)
	require.NoError(t, svc.JoinPrivate(context.Background(), guest, LobbyRef{Code: code}))

	// A different connection claiming the host's netid is not the host's
	// membership record.
	impostor := testConn("alice", 1)
	assert.ErrorIs(t, svc.StartRace(impostor, code), ErrNotHost)
	assert.Equal(t, models.StatusWaiting, lobbyStatus(svc.reg.Get(code)))
}

func TestStartRacePrivate(t *testing.T) {
	svc, _, _ := newTestService(t)
	host, guest := testConn("alice", 1), testConn("bob", 2)
	code, err := svc.CreatePrivate(context.Background(), host, models.Settings{})
	require.NoError(t, err)

	assert.ErrorIs(t, svc.StartRace(host, code), ErrNotEnoughPlayers)

	require.NoError(t, svc.JoinPrivate(context.Background(), guest, LobbyRef{Code: code}))
	assert.ErrorIs(t, svc.StartRace(guest, code), ErrNotHost)

	require.NoError(t, svc.StartRace(host, code))
	assert.Equal(t, models.StatusCountdown, lobbyStatus(svc.reg.Get(code)))
	assert.ErrorIs(t, svc.StartRace(host, code), ErrBadState)
}

func TestFailedCreatorJoinRetiresLobbyRow(t *testing.T) {
	svc, store, _ := newTestService(t)
	store.mu.Lock()
	store.addPlayerErr = database.ErrCapacity
	store.mu.Unlock()

	host := testConn("alice", 1)
	_, err := svc.CreatePrivate(context.Background(), host, models.Settings{})
	require.Error(t, err)

	assert.Empty(t, svc.reg.snapshot(), "lobby the creator never entered is dropped")
	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return len(store.softTerminated) == 1
	}, 2*time.Second, time.Millisecond, "persisted row must be retired, not orphaned")
}

func TestFailedJoinRevalidationCompensatesMembershipRow(t *testing.T) {
	svc, store, _ := newTestService(t)
	host := testConn("alice", 1)
	code, err := svc.CreatePrivate(context.Background(), host, models.Settings{})
	require.NoError(t, err)

	// The lobby moves on while the guest's membership transaction commits.
	store.mu.Lock()
	store.addPlayerHook = func() {
		l := svc.reg.Get(code)
		l.Mu.Lock()
		l.Status = models.StatusRacing
		l.Mu.Unlock()
	}
	store.mu.Unlock()

	guest := testConn("bob", 2)
	err = svc.JoinPrivate(context.Background(), guest, LobbyRef{Code: code})
	assert.ErrorIs(t, err, ErrNotJoinable)

	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		for _, id := range store.removePlayerCalls {
			if id == 2 {
				return true
			}
		}
		return false
	}, 2*time.Second, time.Millisecond, "inserted membership row must be removed")
}

func TestShutdownTerminatesEverything(t *testing.T) {
	svc, _, _ := newTestService(t)
	a, b := testConn("alice", 1), testConn("bob", 2)
	require.NoError(t, svc.JoinPublic(context.Background(), a))
	_, err := svc.CreatePrivate(context.Background(), b, models.Settings{})
	require.NoError(t, err)

	svc.Shutdown()

	assert.Empty(t, svc.reg.snapshot())
	waitForEvent(t, a, "lobby:terminated")
	waitForEvent(t, b, "lobby:terminated")
}
