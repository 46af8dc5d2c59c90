package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/lalith-99/gymbro/internal/middleware"
	"github.com/lalith-99/gymbro/internal/models"
	"github.com/lalith-99/gymbro/internal/realtime"
	"github.com/lalith-99/gymbro/internal/retry"
	"github.com/lalith-99/gymbro/internal/room"
)

// RoomHandler exposes the room store over HTTP. Every mutating call runs
// under the retry policy; permanent failures pass straight through.
type RoomHandler struct {
	store  *room.Store
	sync   *realtime.Sync
	policy *retry.Policy
	logger *zap.Logger
}

func NewRoomHandler(store *room.Store, rts *realtime.Sync, policy *retry.Policy, logger *zap.Logger) *RoomHandler {
	return &RoomHandler{store: store, sync: rts, policy: policy, logger: logger}
}

type createRoomRequest struct {
	Name        string `json:"name" binding:"required"`
	WorkoutID   string `json:"workout_id"`
	MaxCapacity int    `json:"max_capacity"`
	Privacy     string `json:"privacy"`
}

// Create handles POST /v1/rooms
func (h *RoomHandler) Create(c *gin.Context) {
	var req createRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	actor := middleware.GetIdentity(c)

	var roomID string
	err := h.policy.Do(c.Request.Context(), "create_room", func(ctx context.Context) error {
		var err error
		roomID, err = h.store.CreateRoom(ctx, actor, room.CreateRoomConfig{
			Name:        req.Name,
			WorkoutID:   req.WorkoutID,
			MaxCapacity: req.MaxCapacity,
			Privacy:     req.Privacy,
		})
		return err
	})
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusCreated, gin.H{"room_id": roomID})
}

// ListOpen handles GET /v1/rooms/open
func (h *RoomHandler) ListOpen(c *gin.Context) {
	rooms, err := h.store.ListOpenRooms(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, rooms)
}

// Get handles GET /v1/rooms/:id
func (h *RoomHandler) Get(c *gin.Context) {
	rm, err := h.store.GetRoom(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, rm)
}

// Join handles POST /v1/rooms/:id/join
func (h *RoomHandler) Join(c *gin.Context) {
	actor := middleware.GetIdentity(c)
	roomID := c.Param("id")
	err := h.policy.Do(c.Request.Context(), "join_room", func(ctx context.Context) error {
		return h.store.JoinRoom(ctx, actor, roomID)
	})
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, nil)
}

// Leave handles POST /v1/rooms/:id/leave
func (h *RoomHandler) Leave(c *gin.Context) {
	actor := middleware.GetIdentity(c)
	roomID := c.Param("id")
	err := h.policy.Do(c.Request.Context(), "leave_room", func(ctx context.Context) error {
		return h.store.LeaveRoom(ctx, actor, roomID)
	})
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, nil)
}

type readyRequest struct {
	Ready *bool `json:"ready" binding:"required"`
}

// SetReady handles PUT /v1/rooms/:id/ready
func (h *RoomHandler) SetReady(c *gin.Context) {
	var req readyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	actor := middleware.GetIdentity(c)
	roomID := c.Param("id")
	err := h.policy.Do(c.Request.Context(), "set_ready", func(ctx context.Context) error {
		return h.store.SetReadyStatus(ctx, actor, roomID, *req.Ready)
	})
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, nil)
}

// Start handles POST /v1/rooms/:id/start
func (h *RoomHandler) Start(c *gin.Context) {
	actor := middleware.GetIdentity(c)
	roomID := c.Param("id")
	err := h.policy.Do(c.Request.Context(), "start_workout", func(ctx context.Context) error {
		return h.store.StartWorkout(ctx, actor, roomID)
	})
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, nil)
}

// End handles POST /v1/rooms/:id/end
func (h *RoomHandler) End(c *gin.Context) {
	actor := middleware.GetIdentity(c)
	roomID := c.Param("id")
	err := h.policy.Do(c.Request.Context(), "end_workout", func(ctx context.Context) error {
		return h.store.EndWorkout(ctx, actor, roomID)
	})
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, nil)
}

type kickRequest struct {
	UID string `json:"uid" binding:"required"`
}

// Kick handles POST /v1/rooms/:id/kick
func (h *RoomHandler) Kick(c *gin.Context) {
	var req kickRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	actor := middleware.GetIdentity(c)
	roomID := c.Param("id")
	err := h.policy.Do(c.Request.Context(), "kick_member", func(ctx context.Context) error {
		return h.store.KickMember(ctx, actor, roomID, req.UID)
	})
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, nil)
}

type transferHostRequest struct {
	UID string `json:"uid" binding:"required"`
}

// TransferHost handles POST /v1/rooms/:id/transfer-host
func (h *RoomHandler) TransferHost(c *gin.Context) {
	var req transferHostRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	actor := middleware.GetIdentity(c)
	roomID := c.Param("id")
	err := h.policy.Do(c.Request.Context(), "transfer_host", func(ctx context.Context) error {
		return h.store.TransferHost(ctx, actor, roomID, req.UID)
	})
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, nil)
}

// Members handles GET /v1/rooms/:id/members
func (h *RoomHandler) Members(c *gin.Context) {
	members, err := h.store.GetRoomMembers(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, members)
}

// Leaderboard handles GET /v1/rooms/:id/leaderboard
func (h *RoomHandler) Leaderboard(c *gin.Context) {
	board, err := h.store.GetLeaderboard(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, board)
}

type metricUpdateRequest struct {
	Exercise string  `json:"exercise" binding:"required"`
	Set      int     `json:"set"`
	Reps     int     `json:"reps" binding:"required"`
	Weight   float64 `json:"weight"`
}

// PushMetrics handles POST /v1/rooms/:id/metrics
func (h *RoomHandler) PushMetrics(c *gin.Context) {
	var req metricUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	actor := middleware.GetIdentity(c)
	roomID := c.Param("id")
	err := h.policy.Do(c.Request.Context(), "push_metric_update", func(ctx context.Context) error {
		return h.sync.PushMetricUpdate(ctx, actor, roomID, realtime.MetricUpdate{
			Exercise: req.Exercise,
			Set:      req.Set,
			Reps:     req.Reps,
			Weight:   req.Weight,
		})
	})
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, nil)
}

type inviteRequest struct {
	UID string `json:"uid" binding:"required"`
}

// Invite handles POST /v1/rooms/:id/invites
func (h *RoomHandler) Invite(c *gin.Context) {
	var req inviteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	actor := middleware.GetIdentity(c)
	roomID := c.Param("id")
	var invite *models.Invite
	err := h.policy.Do(c.Request.Context(), "invite_member", func(ctx context.Context) error {
		var err error
		invite, err = h.store.InviteMember(ctx, actor, roomID, req.UID)
		return err
	})
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusCreated, invite)
}

// MyInvites handles GET /v1/invites
func (h *RoomHandler) MyInvites(c *gin.Context) {
	actor := middleware.GetIdentity(c)
	invites, err := h.store.GetMyInvites(c.Request.Context(), actor)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, invites)
}

// AcceptInvite handles POST /v1/invites/:id/accept
func (h *RoomHandler) AcceptInvite(c *gin.Context) {
	actor := middleware.GetIdentity(c)
	inviteID := c.Param("id")
	err := h.policy.Do(c.Request.Context(), "accept_invite", func(ctx context.Context) error {
		return h.store.AcceptInvite(ctx, actor, inviteID)
	})
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, nil)
}

// DeclineInvite handles POST /v1/invites/:id/decline
func (h *RoomHandler) DeclineInvite(c *gin.Context) {
	actor := middleware.GetIdentity(c)
	inviteID := c.Param("id")
	err := h.policy.Do(c.Request.Context(), "decline_invite", func(ctx context.Context) error {
		return h.store.DeclineInvite(ctx, actor, inviteID)
	})
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, nil)
}
