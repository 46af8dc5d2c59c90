// Package session holds the client-facing view of one room: a small state
// machine fed by the realtime streams, with user actions routed back
// through the room store under the retry policy.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lalith-99/gymbro/internal/models"
	"github.com/lalith-99/gymbro/internal/realtime"
	"github.com/lalith-99/gymbro/internal/retry"
	"github.com/lalith-99/gymbro/internal/room"
)

// Status is the view-level lifecycle, distinct from the stored room
// status: it starts at loading and ends at finished.
type Status string

const (
	StatusLoading  Status = "loading"
	StatusLobby    Status = "lobby"
	StatusActive   Status = "active"
	StatusFinished Status = "finished"
)

// ViewState is the consolidated snapshot handed to the renderer.
type ViewState struct {
	Status      Status                    `json:"status"`
	IsHost      bool                      `json:"is_host"`
	Room        *models.Room              `json:"room,omitempty"`
	Members     []models.Member           `json:"members"`
	Leaderboard []models.LeaderboardEntry `json:"leaderboard"`
	Deltas      map[string]models.Delta   `json:"deltas,omitempty"`
	Log         []models.LogEntry         `json:"log"`
}

// Callbacks are the session's outward surface. All optional; they fire
// off the stream-delivery goroutines, never concurrently with themselves.
type Callbacks struct {
	// Render receives the coalesced view state, at most once per frame tick.
	Render func(ViewState)
	// WorkoutStarted fires on the lobby → active transition.
	WorkoutStarted func()
	// WorkoutEnded fires when the room reaches finished.
	WorkoutEnded func()
	// Fatal fires when the session cannot continue (room deleted or
	// archived); the controller has already torn itself down.
	Fatal func(reason string)
	// Notice carries transient, non-fatal user-facing warnings.
	Notice func(msg string)
}

// Frame tick budget: state updates landing within the same tick coalesce
// into one redraw, capping render work at ~60/s however chatty the
// streams get.
const frameInterval = 16 * time.Millisecond

// Controller drives one user's live view of one room.
type Controller struct {
	roomID string
	self   room.Identity
	store  *room.Store
	sync   *realtime.Sync
	policy *retry.Policy
	logger *zap.Logger
	cb     Callbacks

	mu          sync.Mutex
	state       ViewState
	cancels     []func()
	cancelDown  func()
	dirty       bool
	renderTimer *time.Timer
	closed      bool
}

func NewController(
	roomID string,
	self room.Identity,
	store *room.Store,
	rts *realtime.Sync,
	policy *retry.Policy,
	logger *zap.Logger,
	cb Callbacks,
) *Controller {
	return &Controller{
		roomID: roomID,
		self:   self,
		store:  store,
		sync:   rts,
		policy: policy,
		logger: logger,
		cb:     cb,
		state: ViewState{
			Status:      StatusLoading,
			Members:     []models.Member{},
			Leaderboard: []models.LeaderboardEntry{},
			Log:         []models.LogEntry{},
		},
	}
}

// Start attaches all four watch streams. Call Cleanup when done.
func (c *Controller) Start() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.cancels = append(c.cancels,
		c.sync.WatchRoom(c.roomID, c.onRoom),
		c.sync.WatchMembers(c.roomID, c.onMembers),
		c.sync.WatchMetrics(c.roomID, c.onMetrics),
		c.sync.WatchWorkoutLog(c.roomID, c.onLog),
	)
	c.cancelDown = c.sync.OnStreamDown(c.onStreamDown)
	c.mu.Unlock()
	c.scheduleRender()
}

func (c *Controller) onRoom(snap realtime.RoomSnapshot) {
	if !snap.Exists {
		c.fatal("room no longer exists")
		return
	}
	if snap.Room.Status == models.StatusArchived {
		c.fatal("room was archived")
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	prev := c.state.Status
	rm := snap.Room
	c.state.Room = &rm
	c.state.IsHost = rm.HostID == c.self.UID
	switch rm.Status {
	case models.StatusLobby:
		c.state.Status = StatusLobby
	case models.StatusActive:
		c.state.Status = StatusActive
	case models.StatusFinished:
		c.state.Status = StatusFinished
	}
	next := c.state.Status
	c.mu.Unlock()

	if prev == StatusLobby && next == StatusActive && c.cb.WorkoutStarted != nil {
		c.cb.WorkoutStarted()
	}
	if prev != StatusFinished && next == StatusFinished && c.cb.WorkoutEnded != nil {
		c.cb.WorkoutEnded()
	}
	c.scheduleRender()
}

func (c *Controller) onMembers(snap realtime.MembersSnapshot) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.state.Members = snap.Members
	c.mu.Unlock()
	c.scheduleRender()
}

func (c *Controller) onMetrics(snap realtime.LeaderboardSnapshot) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.state.Leaderboard = snap.Leaderboard
	c.state.Deltas = snap.Deltas
	c.mu.Unlock()
	c.scheduleRender()
}

func (c *Controller) onLog(snap realtime.LogSnapshot) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.state.Log = snap.Entries
	c.mu.Unlock()
	c.scheduleRender()
}

func (c *Controller) onStreamDown(ev realtime.StreamDown) {
	if ev.RoomID != c.roomID {
		return
	}
	c.notice(fmt.Sprintf("live %s updates interrupted — data may be stale", ev.Kind))
}

// scheduleRender coalesces: the first dirty mark arms the frame timer,
// later marks within the same tick ride along.
func (c *Controller) scheduleRender() {
	c.mu.Lock()
	if c.closed || c.dirty {
		c.mu.Unlock()
		return
	}
	c.dirty = true
	c.renderTimer = time.AfterFunc(frameInterval, c.render)
	c.mu.Unlock()
}

func (c *Controller) render() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.dirty = false
	c.renderTimer = nil
	state := c.state
	c.mu.Unlock()

	if c.cb.Render != nil {
		c.cb.Render(state)
	}
}

// State returns the current view state.
func (c *Controller) State() ViewState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// --- user actions (RoomStore under the retry policy) ---

func (c *Controller) SetReady(ctx context.Context, isReady bool) error {
	return c.policy.Do(ctx, "set_ready", func(ctx context.Context) error {
		return c.store.SetReadyStatus(ctx, c.self, c.roomID, isReady)
	})
}

func (c *Controller) StartWorkout(ctx context.Context) error {
	return c.policy.Do(ctx, "start_workout", func(ctx context.Context) error {
		return c.store.StartWorkout(ctx, c.self, c.roomID)
	})
}

func (c *Controller) EndWorkout(ctx context.Context) error {
	return c.policy.Do(ctx, "end_workout", func(ctx context.Context) error {
		return c.store.EndWorkout(ctx, c.self, c.roomID)
	})
}

func (c *Controller) Leave(ctx context.Context) error {
	err := c.policy.Do(ctx, "leave_room", func(ctx context.Context) error {
		return c.store.LeaveRoom(ctx, c.self, c.roomID)
	})
	if err != nil {
		return err
	}
	c.Cleanup()
	return nil
}

func (c *Controller) PushSet(ctx context.Context, u realtime.MetricUpdate) error {
	return c.policy.Do(ctx, "push_metric_update", func(ctx context.Context) error {
		return c.sync.PushMetricUpdate(ctx, c.self, c.roomID, u)
	})
}

func (c *Controller) fatal(reason string) {
	c.logger.Warn("session fatal",
		zap.String("room_id", c.roomID),
		zap.String("reason", reason),
	)
	c.Cleanup()
	if c.cb.Fatal != nil {
		c.cb.Fatal(reason)
	}
}

func (c *Controller) notice(msg string) {
	if c.cb.Notice != nil {
		c.cb.Notice(msg)
	}
}

// Cleanup unsubscribes every stream and stops the render timer. Stream
// cancellation releases this session's hold on the room's shared realtime
// state; other live sessions of the same room are unaffected. Idempotent;
// safe in any teardown order.
func (c *Controller) Cleanup() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	cancels := c.cancels
	c.cancels = nil
	cancelDown := c.cancelDown
	c.cancelDown = nil
	if c.renderTimer != nil {
		c.renderTimer.Stop()
		c.renderTimer = nil
	}
	c.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	if cancelDown != nil {
		cancelDown()
	}
}
