package realtime

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lalith-99/gymbro/internal/docstore"
	"github.com/lalith-99/gymbro/internal/models"
)

// watcher wires one (roomID, kind) subscription: coalescing debounce on
// the way in, bounded re-subscribe backoff on stream errors, and a closed
// flag checked at delivery time so a cancelled watcher never fires again
// — even for snapshots already in flight. Each watcher holds a reference
// on its room's shared state and carries its own previous board, so
// cancelling one subscription never disturbs another viewer of the same
// room.
type watcher struct {
	s        *Sync
	roomID   string
	kind     Kind
	path     string
	debounce time.Duration
	process  func(docstore.Snapshot)
	room     *roomState

	mu        sync.Mutex
	closed    bool
	cancelSub func()
	timer     *time.Timer
	pending   *docstore.Snapshot
	retries   int

	// prevBoard is what this subscriber last saw; guarded by s.mu.
	prevBoard []models.LeaderboardEntry
}

func (s *Sync) newWatcher(roomID string, kind Kind, path string, debounce time.Duration) *watcher {
	return &watcher{
		s:        s,
		roomID:   roomID,
		kind:     kind,
		path:     path,
		debounce: debounce,
		room:     s.retainRoom(roomID),
	}
}

func (w *watcher) start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.cancelSub = w.s.db.Subscribe(w.path, w.onNext, w.onErr)
}

func (w *watcher) onNext(snap docstore.Snapshot) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	// A healthy snapshot resets the error budget.
	w.retries = 0

	if w.debounce == 0 {
		w.mu.Unlock()
		w.deliver(snap)
		return
	}

	// Coalescing debounce: latest docs win, but change annotations
	// accumulate across the window so no join/leave diff is lost.
	if w.pending != nil {
		snap.Changes = append(w.pending.Changes, snap.Changes...)
	}
	w.pending = &snap
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.flush)
	w.mu.Unlock()
}

func (w *watcher) flush() {
	w.mu.Lock()
	if w.closed || w.pending == nil {
		w.mu.Unlock()
		return
	}
	snap := *w.pending
	w.pending = nil
	w.timer = nil
	w.mu.Unlock()
	w.deliver(snap)
}

func (w *watcher) deliver(snap docstore.Snapshot) {
	w.mu.Lock()
	closed := w.closed
	w.mu.Unlock()
	if closed {
		return
	}
	w.process(snap)
}

func (w *watcher) onErr(err error) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.retries++
	retries := w.retries
	cancelSub := w.cancelSub
	w.cancelSub = nil
	w.mu.Unlock()

	if cancelSub != nil {
		cancelSub()
	}

	if retries > streamRetryMax {
		w.s.emitDown(StreamDown{RoomID: w.roomID, Kind: w.kind, Err: err})
		return
	}

	delay := streamRetryBase << (retries - 1)
	w.s.logger.Warn("watch stream error, re-subscribing",
		zap.String("room_id", w.roomID),
		zap.String("stream", string(w.kind)),
		zap.Int("attempt", retries),
		zap.Duration("delay", delay),
		zap.Error(err),
	)
	time.AfterFunc(delay, func() {
		w.mu.Lock()
		if w.closed {
			w.mu.Unlock()
			return
		}
		w.cancelSub = w.s.db.Subscribe(w.path, w.onNext, w.onErr)
		w.mu.Unlock()
	})
}

// cancel detaches the watcher. Safe to call more than once; pending
// debounce timers are cleared and later deliveries are filtered out.
func (w *watcher) cancel() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.pending = nil
	cancelSub := w.cancelSub
	w.cancelSub = nil
	w.mu.Unlock()

	if cancelSub != nil {
		cancelSub()
	}
	w.s.releaseRoom(w.roomID)
}
