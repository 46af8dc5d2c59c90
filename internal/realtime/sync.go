// Package realtime converts raw document-store notifications into stable,
// rate-limited, enriched snapshots. The UI layer is never driven by raw
// write events — under concurrent lifters those arrive many times per
// second.
package realtime

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lalith-99/gymbro/internal/docstore"
	"github.com/lalith-99/gymbro/internal/models"
	"github.com/lalith-99/gymbro/internal/room"
)

// Kind identifies one of the four watch streams of a room.
type Kind string

const (
	KindRoom    Kind = "room"
	KindMembers Kind = "members"
	KindMetrics Kind = "metrics"
	KindLog     Kind = "log"
)

// Debounce windows. Room and log snapshots pass through undebounced:
// lifecycle changes are rare and must propagate immediately. Metrics get
// the widest window — it is the rate limiter that caps leaderboard
// recomputation at ~3/s no matter how many lifters are logging sets.
const (
	MembersDebounce = 100 * time.Millisecond
	MetricsDebounce = 300 * time.Millisecond
)

// Stream-error backoff: base 2s, doubling, at most 3 re-subscribe
// attempts before the stream is declared down.
const (
	streamRetryBase = 2 * time.Second
	streamRetryMax  = 3
)

// RoomSnapshot is one emission of the room stream. Exists=false means the
// document was deleted out from under the session.
type RoomSnapshot struct {
	Exists bool
	Room   models.Room
}

// MembersSnapshot carries the full member list plus a structured diff
// accumulated over the debounce window.
type MembersSnapshot struct {
	Members  []models.Member
	Added    []models.Member
	Modified []models.Member
	Removed  []models.Member
}

// LeaderboardSnapshot is one debounced flush of the metrics stream.
type LeaderboardSnapshot struct {
	Leaderboard []models.LeaderboardEntry
	Deltas      map[string]models.Delta
	Timestamp   time.Time
}

// LogSnapshot is the full workout log, ascending by timestamp.
type LogSnapshot struct {
	Entries []models.LogEntry
}

// StreamDown reports a stream that exhausted its retry budget. Surfaced
// explicitly so the session layer can warn about staleness instead of
// silently serving a dead board.
type StreamDown struct {
	RoomID string
	Kind   Kind
	Err    error
}

// Sync owns the watch streams of all rooms this process observes.
type Sync struct {
	db     docstore.Store
	logger *zap.Logger

	mu           sync.Mutex
	rooms        map[string]*roomState
	downNextID   int64
	downHandlers map[int64]func(StreamDown)
}

// roomState is the member cache shared by every watcher of one room,
// reference-counted so it lives exactly as long as a watcher needs it.
// One viewer tearing down must never clear it for another. Previous-board
// state for delta computation is deliberately NOT here — each metrics
// watcher keeps its own, because deltas compare against what THAT
// subscriber last saw.
type roomState struct {
	refs    int
	members []models.Member
}

func NewSync(db docstore.Store, logger *zap.Logger) *Sync {
	return &Sync{
		db:           db,
		logger:       logger,
		rooms:        make(map[string]*roomState),
		downHandlers: make(map[int64]func(StreamDown)),
	}
}

func (s *Sync) retainRoom(roomID string) *roomState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.rooms[roomID]
	if !ok {
		st = &roomState{}
		s.rooms[roomID] = st
	}
	st.refs++
	return st
}

func (s *Sync) releaseRoom(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.rooms[roomID]
	if !ok {
		return
	}
	st.refs--
	if st.refs <= 0 {
		delete(s.rooms, roomID)
	}
}

// OnStreamDown registers a dead-stream handler; the returned function
// unregisters it.
func (s *Sync) OnStreamDown(fn func(StreamDown)) func() {
	s.mu.Lock()
	s.downNextID++
	id := s.downNextID
	s.downHandlers[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.downHandlers, id)
		s.mu.Unlock()
	}
}

func (s *Sync) emitDown(ev StreamDown) {
	s.mu.Lock()
	handlers := make([]func(StreamDown), 0, len(s.downHandlers))
	for _, fn := range s.downHandlers {
		handlers = append(handlers, fn)
	}
	s.mu.Unlock()
	s.logger.Warn("watch stream down",
		zap.String("room_id", ev.RoomID),
		zap.String("stream", string(ev.Kind)),
		zap.Error(ev.Err),
	)
	for _, fn := range handlers {
		fn(ev)
	}
}

// WatchRoom streams the room document, undebounced.
func (s *Sync) WatchRoom(roomID string, fn func(RoomSnapshot)) func() {
	w := s.newWatcher(roomID, KindRoom, room.RoomPath(roomID), 0)
	w.process = func(snap docstore.Snapshot) {
		if !snap.Doc.Exists {
			fn(RoomSnapshot{})
			return
		}
		var rm models.Room
		if err := snap.Doc.DataTo(&rm); err != nil {
			s.logger.Error("decode room snapshot", zap.String("room_id", roomID), zap.Error(err))
			return
		}
		fn(RoomSnapshot{Exists: true, Room: rm})
	}
	w.start()
	return w.cancel
}

// WatchMembers streams the member list with a short debounce that
// coalesces join/leave bursts, and keeps the member cache that enriches
// leaderboard entries.
func (s *Sync) WatchMembers(roomID string, fn func(MembersSnapshot)) func() {
	w := s.newWatcher(roomID, KindMembers, room.MembersCollection(roomID), MembersDebounce)
	w.process = func(snap docstore.Snapshot) {
		members, err := decodeMemberDocs(snap.Docs)
		if err != nil {
			s.logger.Error("decode members snapshot", zap.String("room_id", roomID), zap.Error(err))
			return
		}
		s.mu.Lock()
		w.room.members = members
		s.mu.Unlock()

		out := MembersSnapshot{Members: members}
		for _, change := range snap.Changes {
			var m models.Member
			if err := change.Doc.DataTo(&m); err != nil {
				continue
			}
			switch change.Kind {
			case docstore.ChangeAdded:
				out.Added = append(out.Added, m)
			case docstore.ChangeModified:
				out.Modified = append(out.Modified, m)
			case docstore.ChangeRemoved:
				out.Removed = append(out.Removed, m)
			}
		}
		fn(out)
	}
	w.start()
	return w.cancel
}

// WatchMetrics streams the debounced leaderboard. Every flush re-sorts the
// metrics documents, assigns dense ranks, enriches from the room's shared
// member cache (placeholders when the cache hasn't caught up) and computes
// per-user deltas against the board this subscription last emitted. The
// previous board is per-watcher state: two viewers of the same room each
// get deltas relative to their own stream, and a fresh subscription marks
// everyone isNew on its first emission.
func (s *Sync) WatchMetrics(roomID string, fn func(LeaderboardSnapshot)) func() {
	w := s.newWatcher(roomID, KindMetrics, room.MetricsCollection(roomID), MetricsDebounce)
	w.process = func(snap docstore.Snapshot) {
		metrics, err := decodeMetricDocs(snap.Docs)
		if err != nil {
			s.logger.Error("decode metrics snapshot", zap.String("room_id", roomID), zap.Error(err))
			return
		}

		s.mu.Lock()
		cached := w.room.members
		prev := w.prevBoard
		s.mu.Unlock()

		index := make(map[string]models.Member, len(cached))
		for _, m := range cached {
			index[m.UID] = m
		}
		board := room.BuildLeaderboard(metrics, index)
		deltas := computeDeltas(board, prev)

		s.mu.Lock()
		w.prevBoard = board
		s.mu.Unlock()

		fn(LeaderboardSnapshot{
			Leaderboard: board,
			Deltas:      deltas,
			Timestamp:   time.Now().UTC(),
		})
	}
	w.start()
	return w.cancel
}

// WatchWorkoutLog streams the append-only set history, undebounced,
// ascending by timestamp with unstamped entries last.
func (s *Sync) WatchWorkoutLog(roomID string, fn func(LogSnapshot)) func() {
	w := s.newWatcher(roomID, KindLog, room.LogCollection(roomID), 0)
	w.process = func(snap docstore.Snapshot) {
		entries := make([]models.LogEntry, 0, len(snap.Docs))
		for _, doc := range snap.Docs {
			var e models.LogEntry
			if err := doc.DataTo(&e); err != nil {
				s.logger.Error("decode log entry", zap.String("room_id", roomID), zap.Error(err))
				continue
			}
			entries = append(entries, e)
		}
		sortLogEntries(entries)
		fn(LogSnapshot{Entries: entries})
	}
	w.start()
	return w.cancel
}

func computeDeltas(board, prev []models.LeaderboardEntry) map[string]models.Delta {
	prevByUID := make(map[string]models.LeaderboardEntry, len(prev))
	for _, e := range prev {
		prevByUID[e.UID] = e
	}
	deltas := make(map[string]models.Delta, len(board))
	for _, e := range board {
		d := models.Delta{UID: e.UID}
		if p, ok := prevByUID[e.UID]; ok {
			d.VolumeDelta = e.TotalVolume - p.TotalVolume
			d.RankDelta = p.Rank - e.Rank
		} else {
			d.IsNew = true
		}
		deltas[e.UID] = d
	}
	return deltas
}

func sortLogEntries(entries []models.LogEntry) {
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.Timestamp.IsZero() != b.Timestamp.IsZero() {
			return !a.Timestamp.IsZero()
		}
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		return a.ID < b.ID
	})
}

func decodeMemberDocs(docs []docstore.Document) ([]models.Member, error) {
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

func decodeMetricDocs(docs []docstore.Document) ([]models.ActiveMetrics, error) {
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
