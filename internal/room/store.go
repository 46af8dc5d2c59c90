// Package room owns every mutation of room, member, metrics and invite
// documents. All lifecycle and membership invariants are enforced here,
// inside docstore transactions — nothing else in the codebase writes
// room-level lifecycle fields.
package room

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalith-99/gymbro/internal/docstore"
	"github.com/lalith-99/gymbro/internal/fault"
	"github.com/lalith-99/gymbro/internal/models"
	"github.com/lalith-99/gymbro/internal/roomcode"
)

// Identity is the caller as attested by the external identity provider.
type Identity struct {
	UID         string
	DisplayName string
	PhotoURL    string
}

const maxRoomNameLen = 50

// How many fresh codes createRoom tries before giving up. Collisions on a
// ~1e9 code space are vanishingly rare; hitting the cap means the random
// source is broken, not that the keyspace is crowded.
const maxCodeAttempts = 5

// Store is the lifecycle and membership authority for rooms.
type Store struct {
	db     docstore.Store
	logger *zap.Logger

	// newCode generates candidate room codes; swapped in tests to force
	// collisions.
	newCode func() (string, error)
}

func NewStore(db docstore.Store, logger *zap.Logger) *Store {
	return &Store{db: db, logger: logger, newCode: roomcode.New}
}

// CreateRoomConfig carries the caller-controlled room settings.
type CreateRoomConfig struct {
	Name        string
	WorkoutID   string
	MaxCapacity int
	Privacy     string
}

// CreateRoom validates the config, generates a room code, and atomically
// creates the room, the host member (ready, role host) and the host's
// zeroed metrics. The existence check for the generated code runs inside
// the same transaction, so a collision retries with a new code instead of
// clobbering a live room.
func (s *Store) CreateRoom(ctx context.Context, actor Identity, cfg CreateRoomConfig) (string, error) {
	if err := requireAuth(actor); err != nil {
		return "", err
	}
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		return "", fault.New(fault.CodeInvalidArgument, "room name is required")
	}
	if len(name) > maxRoomNameLen {
		return "", fault.Newf(fault.CodeInvalidArgument, "room name exceeds %d characters", maxRoomNameLen)
	}
	capacity := cfg.MaxCapacity
	if capacity == 0 {
		capacity = models.DefaultMaxCapacity
	}
	if capacity < 1 {
		return "", fault.New(fault.CodeInvalidArgument, "max capacity must be positive")
	}
	privacy := cfg.Privacy
	if privacy == "" {
		privacy = models.PrivacyFriendsOnly
	}
	switch privacy {
	case models.PrivacyFriendsOnly, models.PrivacyInviteOnly, models.PrivacyPublic:
	default:
		return "", fault.Newf(fault.CodeInvalidArgument, "unknown privacy %q", privacy)
	}

	errCodeTaken := errors.New("room code taken")
	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		roomID, err := s.newCode()
		if err != nil {
			return "", fmt.Errorf("generate room code: %w", err)
		}

		err = s.db.RunTransaction(ctx, func(tx docstore.Tx) error {
			if _, err := tx.Get(RoomPath(roomID)); err == nil {
				return errCodeTaken
			} else if !errors.Is(err, docstore.ErrNotFound) {
				return err
			}

			tx.Set(RoomPath(roomID), map[string]any{
				"room_id":       roomID,
				"host_id":       actor.UID,
				"name":          name,
				"workout_id":    cfg.WorkoutID,
				"max_capacity":  capacity,
				"privacy":       privacy,
				"status":        models.StatusLobby,
				"created_at":    docstore.ServerTimestamp{},
				"last_activity": docstore.ServerTimestamp{},
			})
			tx.Set(MemberPath(roomID, actor.UID), memberDoc(actor, models.RoleHost, true))
			tx.Set(MetricsPath(roomID, actor.UID), zeroMetricsDoc(actor.UID))
			return nil
		})
		if errors.Is(err, errCodeTaken) {
			s.logger.Warn("room code collision, regenerating", zap.String("room_id", roomID))
			continue
		}
		if err != nil {
			return "", err
		}

		s.logger.Info("room created",
			zap.String("room_id", roomID),
			zap.String("host", actor.UID),
			zap.String("privacy", privacy),
		)
		return roomID, nil
	}
	return "", fault.New(fault.CodeTransient, "could not allocate an unused room code")
}

// JoinRoom adds the caller as a member. The capacity check and the member
// insert share one transaction, so two concurrent joiners at capacity-1
// can never both slip in.
func (s *Store) JoinRoom(ctx context.Context, actor Identity, roomID string) error {
	if err := requireAuth(actor); err != nil {
		return err
	}

	err := s.db.RunTransaction(ctx, func(tx docstore.Tx) error {
		rm, err := s.txRoom(tx, roomID)
		if err != nil {
			return err
		}
		if rm.Status == models.StatusFinished || rm.Status == models.StatusArchived {
			return fault.New(fault.CodeConflict, "room is no longer joinable")
		}
		if _, err := tx.Get(MemberPath(roomID, actor.UID)); err == nil {
			return fault.New(fault.CodeConflict, "already a member of this room")
		} else if !errors.Is(err, docstore.ErrNotFound) {
			return err
		}
		members, err := tx.List(MembersCollection(roomID))
		if err != nil {
			return err
		}
		if len(members) >= rm.MaxCapacity {
			return fault.New(fault.CodeConflict, "room is full")
		}

		tx.Set(MemberPath(roomID, actor.UID), memberDoc(actor, models.RoleMember, false))
		tx.Set(MetricsPath(roomID, actor.UID), zeroMetricsDoc(actor.UID))
		tx.Update(RoomPath(roomID), map[string]any{
			"last_activity": docstore.ServerTimestamp{},
		})
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.Info("member joined", zap.String("room_id", roomID), zap.String("uid", actor.UID))
	return nil
}

// LeaveRoom removes the caller's member and metrics documents. A leaving
// host archives the room in the same atomic write set, whatever state it
// was in.
func (s *Store) LeaveRoom(ctx context.Context, actor Identity, roomID string) error {
	if err := requireAuth(actor); err != nil {
		return err
	}

	var archived bool
	err := s.db.RunTransaction(ctx, func(tx docstore.Tx) error {
		rm, err := s.txRoom(tx, roomID)
		if err != nil {
			return err
		}
		if _, err := tx.Get(MemberPath(roomID, actor.UID)); err != nil {
			if errors.Is(err, docstore.ErrNotFound) {
				return fault.New(fault.CodeNotFound, "not a member of this room")
			}
			return err
		}

		tx.Delete(MemberPath(roomID, actor.UID))
		tx.Delete(MetricsPath(roomID, actor.UID))
		archived = rm.HostID == actor.UID
		if archived {
			tx.Update(RoomPath(roomID), map[string]any{
				"status":          models.StatusArchived,
				"archived_at":     docstore.ServerTimestamp{},
				"archived_reason": models.ArchivedReasonHostLeft,
			})
		} else {
			tx.Update(RoomPath(roomID), map[string]any{
				"last_activity": docstore.ServerTimestamp{},
			})
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.Info("member left",
		zap.String("room_id", roomID),
		zap.String("uid", actor.UID),
		zap.Bool("archived", archived),
	)
	return nil
}

// SetReadyStatus flips the caller's own ready flag. Single-document write;
// no invariant crosses documents, so no transaction.
func (s *Store) SetReadyStatus(ctx context.Context, actor Identity, roomID string, isReady bool) error {
	if err := requireAuth(actor); err != nil {
		return err
	}
	err := s.db.Update(ctx, MemberPath(roomID, actor.UID), map[string]any{
		"ready_status": isReady,
	})
	if errors.Is(err, docstore.ErrNotFound) {
		return fault.New(fault.CodeNotFound, "not a member of this room")
	}
	return err
}

// StartWorkout transitions lobby → active. Host only; the precondition is
// re-checked inside the transaction, so a concurrent transition fails
// cleanly instead of double-applying.
func (s *Store) StartWorkout(ctx context.Context, actor Identity, roomID string) error {
	if err := requireAuth(actor); err != nil {
		return err
	}
	err := s.db.RunTransaction(ctx, func(tx docstore.Tx) error {
		rm, err := s.txRoom(tx, roomID)
		if err != nil {
			return err
		}
		if rm.HostID != actor.UID {
			return fault.New(fault.CodePermissionDenied, "only the host can start the workout")
		}
		if rm.Status != models.StatusLobby {
			return fault.Newf(fault.CodeConflict, "cannot start workout from status %q", rm.Status)
		}
		tx.Update(RoomPath(roomID), map[string]any{
			"status":        models.StatusActive,
			"started_at":    docstore.ServerTimestamp{},
			"last_activity": docstore.ServerTimestamp{},
		})
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.Info("workout started", zap.String("room_id", roomID))
	return nil
}

// EndWorkout transitions active → finished and freezes the final
// leaderboard from the metrics documents as they stand, inside the same
// transaction that flips the status.
func (s *Store) EndWorkout(ctx context.Context, actor Identity, roomID string) error {
	if err := requireAuth(actor); err != nil {
		return err
	}
	err := s.db.RunTransaction(ctx, func(tx docstore.Tx) error {
		rm, err := s.txRoom(tx, roomID)
		if err != nil {
			return err
		}
		if rm.HostID != actor.UID {
			return fault.New(fault.CodePermissionDenied, "only the host can end the workout")
		}
		if rm.Status != models.StatusActive {
			return fault.Newf(fault.CodeConflict, "cannot end workout from status %q", rm.Status)
		}

		metricDocs, err := tx.List(MetricsCollection(roomID))
		if err != nil {
			return err
		}
		memberDocs, err := tx.List(MembersCollection(roomID))
		if err != nil {
			return err
		}
		metrics, err := decodeMetrics(metricDocs)
		if err != nil {
			return err
		}
		members, err := decodeMembers(memberDocs)
		if err != nil {
			return err
		}
		final := BuildLeaderboard(metrics, memberIndex(members))

		tx.Update(RoomPath(roomID), map[string]any{
			"status":            models.StatusFinished,
			"finished_at":       docstore.ServerTimestamp{},
			"last_activity":     docstore.ServerTimestamp{},
			"final_leaderboard": final,
		})
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.Info("workout ended", zap.String("room_id", roomID))
	return nil
}

// KickMember removes another member, host only. Hosts leave through
// LeaveRoom so the archive rule cannot be sidestepped.
func (s *Store) KickMember(ctx context.Context, actor Identity, roomID, memberUID string) error {
	if err := requireAuth(actor); err != nil {
		return err
	}
	if memberUID == actor.UID {
		return fault.New(fault.CodeInvalidArgument, "use leave to remove yourself")
	}
	err := s.db.RunTransaction(ctx, func(tx docstore.Tx) error {
		rm, err := s.txRoom(tx, roomID)
		if err != nil {
			return err
		}
		if rm.HostID != actor.UID {
			return fault.New(fault.CodePermissionDenied, "only the host can kick members")
		}
		if _, err := tx.Get(MemberPath(roomID, memberUID)); err != nil {
			if errors.Is(err, docstore.ErrNotFound) {
				return fault.New(fault.CodeNotFound, "member not found")
			}
			return err
		}
		tx.Delete(MemberPath(roomID, memberUID))
		tx.Delete(MetricsPath(roomID, memberUID))
		tx.Update(RoomPath(roomID), map[string]any{
			"last_activity": docstore.ServerTimestamp{},
		})
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.Info("member kicked",
		zap.String("room_id", roomID),
		zap.String("uid", memberUID),
	)
	return nil
}

// TransferHost moves host authority to an existing member. Three writes —
// room.host_id plus both member roles — commit atomically so the
// exactly-one-host invariant holds at every observable point.
func (s *Store) TransferHost(ctx context.Context, actor Identity, roomID, newHostUID string) error {
	if err := requireAuth(actor); err != nil {
		return err
	}
	err := s.db.RunTransaction(ctx, func(tx docstore.Tx) error {
		rm, err := s.txRoom(tx, roomID)
		if err != nil {
			return err
		}
		if rm.HostID != actor.UID {
			return fault.New(fault.CodePermissionDenied, "only the host can transfer host")
		}
		if newHostUID == actor.UID {
			return fault.New(fault.CodeInvalidArgument, "already the host")
		}
		if _, err := tx.Get(MemberPath(roomID, newHostUID)); err != nil {
			if errors.Is(err, docstore.ErrNotFound) {
				return fault.New(fault.CodeNotFound, "new host is not a member")
			}
			return err
		}
		tx.Update(RoomPath(roomID), map[string]any{"host_id": newHostUID})
		tx.Update(MemberPath(roomID, actor.UID), map[string]any{"role": models.RoleMember})
		tx.Update(MemberPath(roomID, newHostUID), map[string]any{"role": models.RoleHost})
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.Info("host transferred",
		zap.String("room_id", roomID),
		zap.String("new_host", newHostUID),
	)
	return nil
}

// GetRoom returns the room document.
func (s *Store) GetRoom(ctx context.Context, roomID string) (*models.Room, error) {
	doc, err := s.db.Get(ctx, RoomPath(roomID))
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return nil, fault.New(fault.CodeNotFound, "room not found")
		}
		return nil, err
	}
	var rm models.Room
	if err := doc.DataTo(&rm); err != nil {
		return nil, err
	}
	return &rm, nil
}

// GetRoomMembers returns members ordered by join time (uid breaks ties).
func (s *Store) GetRoomMembers(ctx context.Context, roomID string) ([]models.Member, error) {
	docs, err := s.db.List(ctx, MembersCollection(roomID))
	if err != nil {
		return nil, err
	}
	members, err := decodeMembers(docs)
	if err != nil {
		return nil, err
	}
	sort.Slice(members, func(i, j int) bool {
		if !members[i].JoinedAt.Equal(members[j].JoinedAt) {
			return members[i].JoinedAt.Before(members[j].JoinedAt)
		}
		return members[i].UID < members[j].UID
	})
	return members, nil
}

// GetLeaderboard computes the live leaderboard: metrics sorted by total
// volume descending with dense 1-based ranks, enriched with member info.
func (s *Store) GetLeaderboard(ctx context.Context, roomID string) ([]models.LeaderboardEntry, error) {
	metricDocs, err := s.db.List(ctx, MetricsCollection(roomID))
	if err != nil {
		return nil, err
	}
	memberDocs, err := s.db.List(ctx, MembersCollection(roomID))
	if err != nil {
		return nil, err
	}
	metrics, err := decodeMetrics(metricDocs)
	if err != nil {
		return nil, err
	}
	members, err := decodeMembers(memberDocs)
	if err != nil {
		return nil, err
	}
	return BuildLeaderboard(metrics, memberIndex(members)), nil
}

// ListOpenRooms returns public rooms still in the lobby.
func (s *Store) ListOpenRooms(ctx context.Context) ([]models.Room, error) {
	docs, err := s.db.List(ctx, RoomsCollection)
	if err != nil {
		return nil, err
	}
	rooms := make([]models.Room, 0)
	for _, doc := range docs {
		var rm models.Room
		if err := doc.DataTo(&rm); err != nil {
			return nil, err
		}
		if rm.Status == models.StatusLobby && rm.Privacy == models.PrivacyPublic {
			rooms = append(rooms, rm)
		}
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].CreatedAt.After(rooms[j].CreatedAt) })
	return rooms, nil
}

// InviteMember records a pending invite. Duplicate and already-member
// checks are read-before-write on purpose: the worst case of the race is
// a duplicate invite row, not a broken invariant, so a transaction here
// would buy nothing.
func (s *Store) InviteMember(ctx context.Context, actor Identity, roomID, inviteeUID string) (*models.Invite, error) {
	if err := requireAuth(actor); err != nil {
		return nil, err
	}
	if inviteeUID == "" {
		return nil, fault.New(fault.CodeInvalidArgument, "invitee uid is required")
	}
	rm, err := s.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if rm.HostID != actor.UID {
		return nil, fault.New(fault.CodePermissionDenied, "only the host can invite members")
	}
	if rm.Status == models.StatusFinished || rm.Status == models.StatusArchived {
		return nil, fault.New(fault.CodeConflict, "room is no longer joinable")
	}
	if _, err := s.db.Get(ctx, MemberPath(roomID, inviteeUID)); err == nil {
		return nil, fault.New(fault.CodeConflict, "user is already a member")
	} else if !errors.Is(err, docstore.ErrNotFound) {
		return nil, err
	}

	pending, err := s.db.ListGroup(ctx, InvitesGroup, "invitee_uid", inviteeUID)
	if err != nil {
		return nil, err
	}
	for _, doc := range pending {
		var inv models.Invite
		if err := doc.DataTo(&inv); err != nil {
			return nil, err
		}
		if inv.RoomID == roomID && inv.Status == models.InviteStatusPending {
			return nil, fault.New(fault.CodeConflict, "invite already pending")
		}
	}

	inviteID := uuid.NewString()
	err = s.db.Set(ctx, InvitePath(roomID, inviteID), map[string]any{
		"id":          inviteID,
		"room_id":     roomID,
		"invitee_uid": inviteeUID,
		"invited_by":  actor.UID,
		"room_name":   rm.Name,
		"status":      models.InviteStatusPending,
		"created_at":  docstore.ServerTimestamp{},
	})
	if err != nil {
		return nil, err
	}
	doc, err := s.db.Get(ctx, InvitePath(roomID, inviteID))
	if err != nil {
		return nil, err
	}
	var inv models.Invite
	if err := doc.DataTo(&inv); err != nil {
		return nil, err
	}
	s.logger.Info("invite sent",
		zap.String("room_id", roomID),
		zap.String("invitee", inviteeUID),
	)
	return &inv, nil
}

// GetMyInvites lists the caller's pending invites across all rooms.
func (s *Store) GetMyInvites(ctx context.Context, actor Identity) ([]models.Invite, error) {
	if err := requireAuth(actor); err != nil {
		return nil, err
	}
	docs, err := s.db.ListGroup(ctx, InvitesGroup, "invitee_uid", actor.UID)
	if err != nil {
		return nil, err
	}
	invites := make([]models.Invite, 0)
	for _, doc := range docs {
		var inv models.Invite
		if err := doc.DataTo(&inv); err != nil {
			return nil, err
		}
		if inv.Status == models.InviteStatusPending {
			invites = append(invites, inv)
		}
	}
	sort.Slice(invites, func(i, j int) bool { return invites[i].CreatedAt.Before(invites[j].CreatedAt) })
	return invites, nil
}

// AcceptInvite joins the room, then consumes the invite. The join carries
// the real admission checks; the invite document is best-effort history.
func (s *Store) AcceptInvite(ctx context.Context, actor Identity, inviteID string) error {
	inv, err := s.findInvite(ctx, actor, inviteID)
	if err != nil {
		return err
	}
	if err := s.JoinRoom(ctx, actor, inv.RoomID); err != nil {
		return err
	}
	return s.db.Delete(ctx, InvitePath(inv.RoomID, inv.ID))
}

// DeclineInvite consumes the invite without joining.
func (s *Store) DeclineInvite(ctx context.Context, actor Identity, inviteID string) error {
	inv, err := s.findInvite(ctx, actor, inviteID)
	if err != nil {
		return err
	}
	return s.db.Delete(ctx, InvitePath(inv.RoomID, inv.ID))
}

func (s *Store) findInvite(ctx context.Context, actor Identity, inviteID string) (*models.Invite, error) {
	if err := requireAuth(actor); err != nil {
		return nil, err
	}
	docs, err := s.db.ListGroup(ctx, InvitesGroup, "id", inviteID)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, fault.New(fault.CodeNotFound, "invite not found")
	}
	var inv models.Invite
	if err := docs[0].DataTo(&inv); err != nil {
		return nil, err
	}
	if inv.InviteeUID != actor.UID {
		return nil, fault.New(fault.CodePermissionDenied, "invite belongs to another user")
	}
	return &inv, nil
}

// --- helpers ---

func requireAuth(actor Identity) error {
	if actor.UID == "" {
		return fault.New(fault.CodeUnauthenticated, "no authenticated user")
	}
	return nil
}

func (s *Store) txRoom(tx docstore.Tx, roomID string) (*models.Room, error) {
	doc, err := tx.Get(RoomPath(roomID))
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return nil, fault.New(fault.CodeNotFound, "room not found")
		}
		return nil, err
	}
	var rm models.Room
	if err := doc.DataTo(&rm); err != nil {
		return nil, err
	}
	return &rm, nil
}

func memberDoc(id Identity, role string, ready bool) map[string]any {
	return map[string]any{
		"uid":          id.UID,
		"display_name": id.DisplayName,
		"photo_url":    id.PhotoURL,
		"ready_status": ready,
		"role":         role,
		"joined_at":    docstore.ServerTimestamp{},
	}
}

func zeroMetricsDoc(uid string) map[string]any {
	return map[string]any{
		"uid":              uid,
		"current_exercise": "",
		"current_set":      0,
		"total_volume":     0.0,
		"total_sets":       0,
		"last_set_weight":  0.0,
		"last_set_reps":    0,
		"last_update":      docstore.ServerTimestamp{},
	}
}

func decodeMembers(docs []docstore.Document) ([]models.Member, error) {
	out := make([]models.Member, 0, len(docs))
	for _, doc := range docs {
		var m models.Member
		if err := doc.DataTo(&m); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func decodeMetrics(docs []docstore.Document) ([]models.ActiveMetrics, error) {
	out := make([]models.ActiveMetrics, 0, len(docs))
	for _, doc := range docs {
		var m models.ActiveMetrics
		if err := doc.DataTo(&m); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func memberIndex(members []models.Member) map[string]models.Member {
	idx := make(map[string]models.Member, len(members))
	for _, m := range members {
		idx[m.UID] = m
	}
	return idx
}

// BuildLeaderboard sorts metrics by total volume descending and assigns
// dense 1-based ranks. Ties order by uid ascending — deterministic and
// independent of update timing. Missing member info falls back to a
// generic placeholder so the board renders even when the member snapshot
// lags the metrics snapshot.
func BuildLeaderboard(metrics []models.ActiveMetrics, members map[string]models.Member) []models.LeaderboardEntry {
	sorted := make([]models.ActiveMetrics, len(metrics))
	copy(sorted, metrics)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].TotalVolume != sorted[j].TotalVolume {
			return sorted[i].TotalVolume > sorted[j].TotalVolume
		}
		return sorted[i].UID < sorted[j].UID
	})

	entries := make([]models.LeaderboardEntry, 0, len(sorted))
	for i, m := range sorted {
		entry := models.LeaderboardEntry{
			UID:             m.UID,
			Rank:            i + 1,
			DisplayName:     "Athlete",
			Role:            models.RoleMember,
			CurrentExercise: m.CurrentExercise,
			CurrentSet:      m.CurrentSet,
			TotalVolume:     m.TotalVolume,
			TotalSets:       m.TotalSets,
			LastSetWeight:   m.LastSetWeight,
			LastSetReps:     m.LastSetReps,
		}
		if info, ok := members[m.UID]; ok {
			entry.DisplayName = info.DisplayName
			entry.PhotoURL = info.PhotoURL
			entry.Role = info.Role
		}
		entries = append(entries, entry)
	}
	return entries
}
