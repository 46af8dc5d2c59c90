package realtime

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalith-99/gymbro/internal/docstore"
	"github.com/lalith-99/gymbro/internal/fault"
	"github.com/lalith-99/gymbro/internal/room"
)

// MetricUpdate is one completed set reported by its owner.
type MetricUpdate struct {
	Exercise string
	Set      int
	Reps     int
	Weight   float64
}

const logAppendTimeout = 10 * time.Second

// PushMetricUpdate applies a completed set. Two deliberately separate
// writes: the metrics update and the room's last_activity bump commit as
// one atomic batch (that is what the leaderboard is computed from), while
// the workout-log append is fire-and-forget history — its latency or
// failure must never block the update the lifter is waiting on.
func (s *Sync) PushMetricUpdate(ctx context.Context, actor room.Identity, roomID string, u MetricUpdate) error {
	if actor.UID == "" {
		return fault.New(fault.CodeUnauthenticated, "no authenticated user")
	}
	exercise := strings.TrimSpace(u.Exercise)
	if exercise == "" {
		return fault.New(fault.CodeInvalidArgument, "exercise is required")
	}
	if u.Reps <= 0 {
		return fault.New(fault.CodeInvalidArgument, "reps must be positive")
	}
	if u.Weight < 0 {
		return fault.New(fault.CodeInvalidArgument, "weight cannot be negative")
	}
	volume := u.Weight * float64(u.Reps)

	// Owner-only document: the path is derived from the caller's uid, so
	// nobody can write someone else's metrics. The existence check keeps
	// non-members from materializing a metrics document via batch upsert.
	if _, err := s.db.Get(ctx, room.MetricsPath(roomID, actor.UID)); err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return fault.New(fault.CodeNotFound, "not a member of this room")
		}
		return err
	}

	batch := s.db.Batch()
	batch.Update(room.MetricsPath(roomID, actor.UID), map[string]any{
		"current_exercise": exercise,
		"current_set":      u.Set,
		"total_volume":     docstore.Increment{By: volume},
		"total_sets":       docstore.Increment{By: 1},
		"last_set_weight":  u.Weight,
		"last_set_reps":    u.Reps,
		"last_update":      docstore.ServerTimestamp{},
	})
	batch.Update(room.RoomPath(roomID), map[string]any{
		"last_activity": docstore.ServerTimestamp{},
	})
	if err := batch.Commit(ctx); err != nil {
		return err
	}

	entryID := uuid.NewString()
	go func() {
		logCtx, cancel := context.WithTimeout(context.Background(), logAppendTimeout)
		defer cancel()
		err := s.db.Set(logCtx, room.LogPath(roomID, entryID), map[string]any{
			"id":        entryID,
			"uid":       actor.UID,
			"exercise":  exercise,
			"set":       u.Set,
			"reps":      u.Reps,
			"weight":    u.Weight,
			"volume":    volume,
			"timestamp": docstore.ServerTimestamp{},
		})
		if err != nil {
			s.logger.Warn("workout log append failed",
				zap.String("room_id", roomID),
				zap.String("uid", actor.UID),
				zap.Error(err),
			)
		}
	}()

	return nil
}
