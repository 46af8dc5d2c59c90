package room

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/lalith-99/gymbro/internal/docstore"
	"github.com/lalith-99/gymbro/internal/fault"
	"github.com/lalith-99/gymbro/internal/models"
	"github.com/lalith-99/gymbro/internal/roomcode"
)

var (
	alice = Identity{UID: "alice", DisplayName: "Alice", PhotoURL: "https://img/a.png"}
	bob   = Identity{UID: "bob", DisplayName: "Bob"}
	carol = Identity{UID: "carol", DisplayName: "Carol"}
)

func newTestStore(t *testing.T) (*Store, *docstore.Memory) {
	t.Helper()
	mem := docstore.NewMemory()
	t.Cleanup(mem.Close)
	return NewStore(mem, zap.NewNop()), mem
}

func mustCreate(t *testing.T, s *Store, host Identity, cfg CreateRoomConfig) string {
	t.Helper()
	id, err := s.CreateRoom(context.Background(), host, cfg)
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	return id
}

func wantCode(t *testing.T, err error, code fault.Code) {
	t.Helper()
	if err == nil {
		t.Fatalf("want %s error, got nil", code)
	}
	if got := fault.CodeOf(err); got != code {
		t.Fatalf("error code = %s, want %s (err: %v)", got, code, err)
	}
}

func TestCreateRoomValidation(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	cases := []struct {
		name  string
		actor Identity
		cfg   CreateRoomConfig
		code  fault.Code
	}{
		{"unauthenticated", Identity{}, CreateRoomConfig{Name: "x"}, fault.CodeUnauthenticated},
		{"empty name", alice, CreateRoomConfig{Name: "   "}, fault.CodeInvalidArgument},
		{"name too long", alice, CreateRoomConfig{Name: strings.Repeat("a", 51)}, fault.CodeInvalidArgument},
		{"negative capacity", alice, CreateRoomConfig{Name: "x", MaxCapacity: -1}, fault.CodeInvalidArgument},
		{"bad privacy", alice, CreateRoomConfig{Name: "x", Privacy: "secret"}, fault.CodeInvalidArgument},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := s.CreateRoom(ctx, tc.actor, tc.cfg)
			wantCode(t, err, tc.code)
		})
	}
}

func TestCreateRoomDefaultsAndHostSeed(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	id := mustCreate(t, s, alice, CreateRoomConfig{Name: "Leg Day", WorkoutID: "w1"})
	if !roomcode.Valid(id) {
		t.Fatalf("room id %q is not a valid code", id)
	}

	rm, err := s.GetRoom(ctx, id)
	if err != nil {
		t.Fatalf("GetRoom: %v", err)
	}
	if rm.Status != models.StatusLobby {
		t.Fatalf("status = %s", rm.Status)
	}
	if rm.MaxCapacity != models.DefaultMaxCapacity {
		t.Fatalf("max capacity = %d", rm.MaxCapacity)
	}
	if rm.Privacy != models.PrivacyFriendsOnly {
		t.Fatalf("privacy = %s", rm.Privacy)
	}
	if rm.HostID != alice.UID {
		t.Fatalf("host = %s", rm.HostID)
	}
	if rm.CreatedAt.IsZero() {
		t.Fatal("created_at not stamped")
	}

	members, err := s.GetRoomMembers(ctx, id)
	if err != nil {
		t.Fatalf("GetRoomMembers: %v", err)
	}
	if len(members) != 1 {
		t.Fatalf("members = %d, want 1", len(members))
	}
	host := members[0]
	if host.UID != alice.UID || host.Role != models.RoleHost || !host.ReadyStatus {
		t.Fatalf("host member = %+v", host)
	}

	board, err := s.GetLeaderboard(ctx, id)
	if err != nil {
		t.Fatalf("GetLeaderboard: %v", err)
	}
	if len(board) != 1 || board[0].TotalVolume != 0 || board[0].Rank != 1 {
		t.Fatalf("initial leaderboard = %+v", board)
	}
}

func TestCreateRoomRetriesOnCodeCollision(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	taken := mustCreate(t, s, alice, CreateRoomConfig{Name: "First"})

	// Generator hands out the taken code twice before a fresh one.
	codes := []string{taken, taken, "FRESH2"}
	calls := 0
	s.newCode = func() (string, error) {
		code := codes[calls]
		calls++
		return code, nil
	}

	id, err := s.CreateRoom(ctx, bob, CreateRoomConfig{Name: "Second"})
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	if id != "FRESH2" {
		t.Fatalf("room id = %q, want the regenerated code", id)
	}
	if calls != 3 {
		t.Fatalf("generator called %d times, want 3", calls)
	}

	// The colliding attempts must not have touched the existing room.
	first, err := s.GetRoom(ctx, taken)
	if err != nil {
		t.Fatalf("GetRoom: %v", err)
	}
	if first.Name != "First" || first.HostID != alice.UID {
		t.Fatalf("existing room clobbered: %+v", first)
	}
	second, err := s.GetRoom(ctx, id)
	if err != nil {
		t.Fatalf("GetRoom: %v", err)
	}
	if second.Name != "Second" || second.HostID != bob.UID {
		t.Fatalf("new room = %+v", second)
	}
}

func TestCreateRoomExhaustsCodeAttempts(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	taken := mustCreate(t, s, alice, CreateRoomConfig{Name: "First"})

	calls := 0
	s.newCode = func() (string, error) {
		calls++
		return taken, nil
	}

	_, err := s.CreateRoom(ctx, bob, CreateRoomConfig{Name: "Second"})
	wantCode(t, err, fault.CodeTransient)
	if calls != 5 {
		t.Fatalf("generator called %d times, want 5", calls)
	}

	first, err := s.GetRoom(ctx, taken)
	if err != nil {
		t.Fatalf("GetRoom: %v", err)
	}
	if first.Name != "First" || first.HostID != alice.UID {
		t.Fatalf("existing room clobbered after exhaustion: %+v", first)
	}
	members, _ := s.GetRoomMembers(ctx, taken)
	if len(members) != 1 || members[0].UID != alice.UID {
		t.Fatalf("existing room membership changed: %+v", members)
	}
}

func TestJoinRoom(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	id := mustCreate(t, s, alice, CreateRoomConfig{Name: "Leg Day"})

	if err := s.JoinRoom(ctx, bob, id); err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}
	wantCode(t, s.JoinRoom(ctx, bob, id), fault.CodeConflict)
	wantCode(t, s.JoinRoom(ctx, carol, "ZZZZZZ"), fault.CodeNotFound)

	members, _ := s.GetRoomMembers(ctx, id)
	if len(members) != 2 {
		t.Fatalf("members = %d, want 2", len(members))
	}
	// Joiners arrive not ready as plain members.
	for _, m := range members {
		if m.UID == bob.UID && (m.ReadyStatus || m.Role != models.RoleMember) {
			t.Fatalf("joined member = %+v", m)
		}
	}
}

func TestJoinRoomFullCapacity(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	id := mustCreate(t, s, alice, CreateRoomConfig{Name: "Leg Day", MaxCapacity: 2})
	if err := s.JoinRoom(ctx, bob, id); err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}
	err := s.JoinRoom(ctx, carol, id)
	wantCode(t, err, fault.CodeConflict)
	var fe *fault.Error
	if !errors.As(err, &fe) || fe.Message != "room is full" {
		t.Fatalf("error = %v, want room is full", err)
	}
}

func TestJoinRoomConcurrentLastSlot(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	id := mustCreate(t, s, alice, CreateRoomConfig{Name: "Leg Day", MaxCapacity: 2})

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, actor := range []Identity{bob, carol} {
		wg.Add(1)
		go func(i int, actor Identity) {
			defer wg.Done()
			errs[i] = s.JoinRoom(ctx, actor, id)
		}(i, actor)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
		} else {
			wantCode(t, err, fault.CodeConflict)
		}
	}
	if ok != 1 {
		t.Fatalf("%d joins succeeded for the last slot, want exactly 1", ok)
	}
	members, _ := s.GetRoomMembers(ctx, id)
	if len(members) != 2 {
		t.Fatalf("members = %d, want 2", len(members))
	}
}

func TestLifecycleTransitions(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	id := mustCreate(t, s, alice, CreateRoomConfig{Name: "Leg Day"})
	if err := s.JoinRoom(ctx, bob, id); err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}

	wantCode(t, s.StartWorkout(ctx, bob, id), fault.CodePermissionDenied)
	wantCode(t, s.EndWorkout(ctx, alice, id), fault.CodeConflict) // not active yet

	if err := s.StartWorkout(ctx, alice, id); err != nil {
		t.Fatalf("StartWorkout: %v", err)
	}
	rm, _ := s.GetRoom(ctx, id)
	if rm.Status != models.StatusActive || rm.StartedAt == nil {
		t.Fatalf("after start: status=%s started_at=%v", rm.Status, rm.StartedAt)
	}

	wantCode(t, s.StartWorkout(ctx, alice, id), fault.CodeConflict) // already active
	wantCode(t, s.EndWorkout(ctx, bob, id), fault.CodePermissionDenied)

	if err := s.EndWorkout(ctx, alice, id); err != nil {
		t.Fatalf("EndWorkout: %v", err)
	}
	rm, _ = s.GetRoom(ctx, id)
	if rm.Status != models.StatusFinished || rm.FinishedAt == nil {
		t.Fatalf("after end: status=%s finished_at=%v", rm.Status, rm.FinishedAt)
	}
	if len(rm.FinalLeaderboard) != 2 {
		t.Fatalf("final leaderboard = %d entries, want 2", len(rm.FinalLeaderboard))
	}

	// Finished rooms are closed to everything.
	wantCode(t, s.JoinRoom(ctx, carol, id), fault.CodeConflict)
	wantCode(t, s.EndWorkout(ctx, alice, id), fault.CodeConflict)
}

func TestEndWorkoutFreezesLeaderboard(t *testing.T) {
	s, mem := newTestStore(t)
	ctx := context.Background()

	id := mustCreate(t, s, alice, CreateRoomConfig{Name: "Leg Day", MaxCapacity: 2})
	if err := s.JoinRoom(ctx, bob, id); err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}
	if err := s.StartWorkout(ctx, alice, id); err != nil {
		t.Fatalf("StartWorkout: %v", err)
	}

	seed := func(uid string, volume float64) {
		if err := mem.Update(ctx, MetricsPath(id, uid), map[string]any{
			"total_volume": docstore.Increment{By: volume},
			"total_sets":   docstore.Increment{By: 1},
		}); err != nil {
			t.Fatalf("seed metrics: %v", err)
		}
	}
	seed(alice.UID, 1000)
	seed(bob.UID, 960)

	if err := s.EndWorkout(ctx, alice, id); err != nil {
		t.Fatalf("EndWorkout: %v", err)
	}
	rm, _ := s.GetRoom(ctx, id)
	final := rm.FinalLeaderboard
	if len(final) != 2 {
		t.Fatalf("final = %+v", final)
	}
	if final[0].UID != alice.UID || final[0].Rank != 1 || final[0].TotalVolume != 1000 {
		t.Fatalf("final[0] = %+v", final[0])
	}
	if final[1].UID != bob.UID || final[1].Rank != 2 || final[1].TotalVolume != 960 {
		t.Fatalf("final[1] = %+v", final[1])
	}

	// Later metric writes must not rewrite the frozen board.
	seed(bob.UID, 500)
	rm, _ = s.GetRoom(ctx, id)
	if rm.FinalLeaderboard[0].UID != alice.UID {
		t.Fatal("frozen leaderboard changed after finish")
	}
}

func TestLeaveRoomMemberAndHost(t *testing.T) {
	s, mem := newTestStore(t)
	ctx := context.Background()

	id := mustCreate(t, s, alice, CreateRoomConfig{Name: "Leg Day"})
	if err := s.JoinRoom(ctx, bob, id); err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}

	wantCode(t, s.LeaveRoom(ctx, carol, id), fault.CodeNotFound)

	if err := s.LeaveRoom(ctx, bob, id); err != nil {
		t.Fatalf("LeaveRoom: %v", err)
	}
	if _, err := mem.Get(ctx, MetricsPath(id, bob.UID)); err == nil {
		t.Fatal("metrics doc survived leave")
	}
	rm, _ := s.GetRoom(ctx, id)
	if rm.Status != models.StatusLobby {
		t.Fatalf("member leave changed status to %s", rm.Status)
	}

	// Host leaving archives the room whatever its state.
	if err := s.LeaveRoom(ctx, alice, id); err != nil {
		t.Fatalf("host LeaveRoom: %v", err)
	}
	rm, _ = s.GetRoom(ctx, id)
	if rm.Status != models.StatusArchived || rm.ArchivedAt == nil || rm.ArchivedReason != models.ArchivedReasonHostLeft {
		t.Fatalf("after host leave: %+v", rm)
	}

	// Archived rooms reject joins, including former members.
	wantCode(t, s.JoinRoom(ctx, bob, id), fault.CodeConflict)
}

func TestSetReadyStatus(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	id := mustCreate(t, s, alice, CreateRoomConfig{Name: "Leg Day"})
	if err := s.JoinRoom(ctx, bob, id); err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}

	if err := s.SetReadyStatus(ctx, bob, id, true); err != nil {
		t.Fatalf("SetReadyStatus: %v", err)
	}
	members, _ := s.GetRoomMembers(ctx, id)
	for _, m := range members {
		if m.UID == bob.UID && !m.ReadyStatus {
			t.Fatal("ready flag not set")
		}
	}
	wantCode(t, s.SetReadyStatus(ctx, carol, id, true), fault.CodeNotFound)
}

func TestKickMember(t *testing.T) {
	s, mem := newTestStore(t)
	ctx := context.Background()

	id := mustCreate(t, s, alice, CreateRoomConfig{Name: "Leg Day"})
	if err := s.JoinRoom(ctx, bob, id); err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}

	wantCode(t, s.KickMember(ctx, bob, id, alice.UID), fault.CodePermissionDenied)
	wantCode(t, s.KickMember(ctx, alice, id, alice.UID), fault.CodeInvalidArgument)
	wantCode(t, s.KickMember(ctx, alice, id, "nobody"), fault.CodeNotFound)

	if err := s.KickMember(ctx, alice, id, bob.UID); err != nil {
		t.Fatalf("KickMember: %v", err)
	}
	members, _ := s.GetRoomMembers(ctx, id)
	if len(members) != 1 {
		t.Fatalf("members = %d after kick, want 1", len(members))
	}
	if _, err := mem.Get(ctx, MetricsPath(id, bob.UID)); err == nil {
		t.Fatal("kicked member's metrics survived")
	}
}

func TestTransferHost(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	id := mustCreate(t, s, alice, CreateRoomConfig{Name: "Leg Day"})
	if err := s.JoinRoom(ctx, bob, id); err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}

	wantCode(t, s.TransferHost(ctx, bob, id, bob.UID), fault.CodePermissionDenied)
	wantCode(t, s.TransferHost(ctx, alice, id, alice.UID), fault.CodeInvalidArgument)
	wantCode(t, s.TransferHost(ctx, alice, id, "nobody"), fault.CodeNotFound)

	if err := s.TransferHost(ctx, alice, id, bob.UID); err != nil {
		t.Fatalf("TransferHost: %v", err)
	}
	rm, _ := s.GetRoom(ctx, id)
	if rm.HostID != bob.UID {
		t.Fatalf("host_id = %s", rm.HostID)
	}
	members, _ := s.GetRoomMembers(ctx, id)
	hosts := 0
	for _, m := range members {
		if m.Role == models.RoleHost {
			hosts++
			if m.UID != bob.UID {
				t.Fatalf("host role on %s", m.UID)
			}
		}
	}
	if hosts != 1 {
		t.Fatalf("host count = %d, want exactly 1", hosts)
	}

	// Authority actually moved.
	wantCode(t, s.StartWorkout(ctx, alice, id), fault.CodePermissionDenied)
	if err := s.StartWorkout(ctx, bob, id); err != nil {
		t.Fatalf("new host StartWorkout: %v", err)
	}
}

func TestListOpenRooms(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	pub := mustCreate(t, s, alice, CreateRoomConfig{Name: "Public Push", Privacy: models.PrivacyPublic})
	mustCreate(t, s, bob, CreateRoomConfig{Name: "Private Pull"})
	active := mustCreate(t, s, carol, CreateRoomConfig{Name: "Already Going", Privacy: models.PrivacyPublic})
	if err := s.StartWorkout(ctx, carol, active); err != nil {
		t.Fatalf("StartWorkout: %v", err)
	}

	rooms, err := s.ListOpenRooms(ctx)
	if err != nil {
		t.Fatalf("ListOpenRooms: %v", err)
	}
	if len(rooms) != 1 || rooms[0].RoomID != pub {
		t.Fatalf("open rooms = %+v", rooms)
	}
}

func TestInviteFlow(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	id := mustCreate(t, s, alice, CreateRoomConfig{Name: "Leg Day", Privacy: models.PrivacyInviteOnly})

	_, err := s.InviteMember(ctx, bob, id, carol.UID)
	wantCode(t, err, fault.CodePermissionDenied)
	_, err = s.InviteMember(ctx, alice, id, "")
	wantCode(t, err, fault.CodeInvalidArgument)
	_, err = s.InviteMember(ctx, alice, id, alice.UID)
	wantCode(t, err, fault.CodeConflict) // host is already a member

	inv, err := s.InviteMember(ctx, alice, id, bob.UID)
	if err != nil {
		t.Fatalf("InviteMember: %v", err)
	}
	if inv.RoomID != id || inv.InviteeUID != bob.UID || inv.Status != models.InviteStatusPending {
		t.Fatalf("invite = %+v", inv)
	}
	if inv.RoomName != "Leg Day" {
		t.Fatalf("room name not denormalized: %q", inv.RoomName)
	}

	_, err = s.InviteMember(ctx, alice, id, bob.UID)
	wantCode(t, err, fault.CodeConflict) // already pending

	invites, err := s.GetMyInvites(ctx, bob)
	if err != nil {
		t.Fatalf("GetMyInvites: %v", err)
	}
	if len(invites) != 1 || invites[0].ID != inv.ID {
		t.Fatalf("my invites = %+v", invites)
	}

	// Only the invitee can act on it.
	wantCode(t, s.AcceptInvite(ctx, carol, inv.ID), fault.CodePermissionDenied)

	if err := s.AcceptInvite(ctx, bob, inv.ID); err != nil {
		t.Fatalf("AcceptInvite: %v", err)
	}
	members, _ := s.GetRoomMembers(ctx, id)
	if len(members) != 2 {
		t.Fatalf("members = %d after accept, want 2", len(members))
	}
	invites, _ = s.GetMyInvites(ctx, bob)
	if len(invites) != 0 {
		t.Fatal("invite survived accept")
	}
	wantCode(t, s.AcceptInvite(ctx, bob, inv.ID), fault.CodeNotFound)
}

func TestDeclineInvite(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	id := mustCreate(t, s, alice, CreateRoomConfig{Name: "Leg Day"})
	inv, err := s.InviteMember(ctx, alice, id, bob.UID)
	if err != nil {
		t.Fatalf("InviteMember: %v", err)
	}
	if err := s.DeclineInvite(ctx, bob, inv.ID); err != nil {
		t.Fatalf("DeclineInvite: %v", err)
	}
	members, _ := s.GetRoomMembers(ctx, id)
	if len(members) != 1 {
		t.Fatal("decline must not join the room")
	}
	invites, _ := s.GetMyInvites(ctx, bob)
	if len(invites) != 0 {
		t.Fatal("invite survived decline")
	}
	// A declined invite no longer blocks a fresh one.
	if _, err := s.InviteMember(ctx, alice, id, bob.UID); err != nil {
		t.Fatalf("re-invite after decline: %v", err)
	}
}

func TestBuildLeaderboard(t *testing.T) {
	metrics := []models.ActiveMetrics{
		{UID: "b", TotalVolume: 960, TotalSets: 8},
		{UID: "a", TotalVolume: 1000, TotalSets: 10},
		{UID: "c", TotalVolume: 960, TotalSets: 7},
	}
	members := map[string]models.Member{
		"a": {UID: "a", DisplayName: "Alice", Role: models.RoleHost},
		"b": {UID: "b", DisplayName: "Bob", Role: models.RoleMember},
		// "c" intentionally missing: member snapshot lagging metrics.
	}
	board := BuildLeaderboard(metrics, members)
	if len(board) != 3 {
		t.Fatalf("board = %d entries", len(board))
	}
	if board[0].UID != "a" || board[0].Rank != 1 || board[0].DisplayName != "Alice" {
		t.Fatalf("board[0] = %+v", board[0])
	}
	// Volume tie breaks by uid ascending.
	if board[1].UID != "b" || board[1].Rank != 2 {
		t.Fatalf("board[1] = %+v", board[1])
	}
	if board[2].UID != "c" || board[2].Rank != 3 {
		t.Fatalf("board[2] = %+v", board[2])
	}
	if board[2].DisplayName != "Athlete" {
		t.Fatalf("placeholder name = %q", board[2].DisplayName)
	}
}
