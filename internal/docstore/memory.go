package docstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Memory is an in-process Store used by tests and local development.
// A single mutex serializes commits, so transactions never observe a
// write conflict; subscription delivery runs on one goroutine per
// subscriber to preserve per-document write order.
type Memory struct {
	mu     sync.Mutex
	docs   map[string]map[string]any
	subs   map[int64]*memSub
	nextID int64
	closed bool
}

func NewMemory() *Memory {
	return &Memory{
		docs: make(map[string]map[string]any),
		subs: make(map[int64]*memSub),
	}
}

type memSub struct {
	path         string
	isCollection bool
	onNext       func(Snapshot)
	onErr        func(error)

	closed atomic.Bool

	qmu   sync.Mutex
	qcond *sync.Cond
	queue []Snapshot
	done  bool
}

func (s *memSub) enqueue(snap Snapshot) {
	s.qmu.Lock()
	s.queue = append(s.queue, snap)
	s.qcond.Signal()
	s.qmu.Unlock()
}

// run drains the queue in order. Delivery checks the closed flag right
// before invoking the callback so a cancelled subscription stops firing
// even with snapshots still queued.
func (s *memSub) run() {
	for {
		s.qmu.Lock()
		for len(s.queue) == 0 && !s.done {
			s.qcond.Wait()
		}
		if s.done && len(s.queue) == 0 {
			s.qmu.Unlock()
			return
		}
		snap := s.queue[0]
		s.queue = s.queue[1:]
		s.qmu.Unlock()

		if s.closed.Load() {
			continue
		}
		s.onNext(snap)
	}
}

func (s *memSub) stop() {
	s.closed.Store(true)
	s.qmu.Lock()
	s.done = true
	s.qcond.Signal()
	s.qmu.Unlock()
}

func (m *Memory) Get(_ context.Context, path string) (Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.docs[path]
	if !ok {
		return Document{Path: path}, ErrNotFound
	}
	return Document{Path: path, Data: deepCopy(data), Exists: true}, nil
}

func (m *Memory) Set(_ context.Context, path string, data map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applySet(path, data)
	return nil
}

func (m *Memory) Update(_ context.Context, path string, fields map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[path]; !ok {
		return ErrNotFound
	}
	m.applyUpdate(path, fields)
	return nil
}

func (m *Memory) Delete(_ context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applyDelete(path)
	return nil
}

func (m *Memory) List(_ context.Context, collection string) ([]Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.collectionDocs(collection), nil
}

func (m *Memory) ListGroup(_ context.Context, group, field string, value any) ([]Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Document
	for path, data := range m.docs {
		if Parent(path) == "" || !strings.HasSuffix(Parent(path), "/"+group) && Parent(path) != group {
			continue
		}
		if !looseEqual(data[field], value) {
			continue
		}
		out = append(out, Document{Path: path, Data: deepCopy(data), Exists: true})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// memTx queues writes; reads see committed state only. Commits happen
// under the store mutex, so bodies never race and never need conflict
// retry here.
type memTx struct {
	m      *Memory
	writes []memWrite
}

type memWrite struct {
	kind   string // "set", "update", "delete"
	path   string
	fields map[string]any
}

func (t *memTx) Get(path string) (Document, error) {
	data, ok := t.m.docs[path]
	if !ok {
		return Document{Path: path}, ErrNotFound
	}
	return Document{Path: path, Data: deepCopy(data), Exists: true}, nil
}

func (t *memTx) List(collection string) ([]Document, error) {
	return t.m.collectionDocs(collection), nil
}

func (t *memTx) Set(path string, data map[string]any) {
	t.writes = append(t.writes, memWrite{kind: "set", path: path, fields: data})
}

func (t *memTx) Update(path string, fields map[string]any) {
	t.writes = append(t.writes, memWrite{kind: "update", path: path, fields: fields})
}

func (t *memTx) Delete(path string) {
	t.writes = append(t.writes, memWrite{kind: "delete", path: path})
}

func (m *Memory) RunTransaction(_ context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx := &memTx{m: m}
	if err := fn(tx); err != nil {
		return err
	}
	m.applyWrites(tx.writes)
	return nil
}

type memBatch struct {
	m      *Memory
	writes []memWrite
}

func (b *memBatch) Set(path string, data map[string]any) {
	b.writes = append(b.writes, memWrite{kind: "set", path: path, fields: data})
}

func (b *memBatch) Update(path string, fields map[string]any) {
	b.writes = append(b.writes, memWrite{kind: "update", path: path, fields: fields})
}

func (b *memBatch) Delete(path string) {
	b.writes = append(b.writes, memWrite{kind: "delete", path: path})
}

func (b *memBatch) Commit(_ context.Context) error {
	b.m.mu.Lock()
	defer b.m.mu.Unlock()
	b.m.applyWrites(b.writes)
	return nil
}

func (m *Memory) Batch() Batch {
	return &memBatch{m: m}
}

func (m *Memory) Subscribe(path string, onNext func(Snapshot), onErr func(error)) func() {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	sub := &memSub{
		path:         path,
		isCollection: IsCollectionPath(path),
		onNext:       onNext,
		onErr:        onErr,
	}
	sub.qcond = sync.NewCond(&sub.qmu)
	m.subs[id] = sub

	// Initial snapshot: current state, every document flagged added.
	sub.enqueue(m.snapshotFor(sub, ChangeAdded, Document{}))
	m.mu.Unlock()

	go sub.run()

	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
		sub.stop()
	}
}

func (m *Memory) Health(_ context.Context) error { return nil }

func (m *Memory) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	for id, sub := range m.subs {
		delete(m.subs, id)
		sub.stop()
	}
}

// --- commit internals (callers hold m.mu) ---

func (m *Memory) applyWrites(writes []memWrite) {
	for _, w := range writes {
		switch w.kind {
		case "set":
			m.applySet(w.path, w.fields)
		case "update":
			m.applyUpdate(w.path, w.fields)
		case "delete":
			m.applyDelete(w.path)
		}
	}
}

func (m *Memory) applySet(path string, data map[string]any) {
	existed := m.docs[path] != nil
	doc := make(map[string]any, len(data))
	for k, v := range data {
		doc[k] = resolveSentinel(nil, v)
	}
	m.docs[path] = doc
	kind := ChangeAdded
	if existed {
		kind = ChangeModified
	}
	m.notify(path, kind)
}

func (m *Memory) applyUpdate(path string, fields map[string]any) {
	doc, ok := m.docs[path]
	if !ok {
		// Updates inside batches/transactions against missing docs are
		// treated as upserts; the direct Update method rejects them first.
		doc = make(map[string]any)
		m.docs[path] = doc
		for k, v := range fields {
			doc[k] = resolveSentinel(nil, v)
		}
		m.notify(path, ChangeAdded)
		return
	}
	for k, v := range fields {
		doc[k] = resolveSentinel(doc[k], v)
	}
	m.notify(path, ChangeModified)
}

func (m *Memory) applyDelete(path string) {
	if _, ok := m.docs[path]; !ok {
		return
	}
	removed := Document{Path: path, Data: deepCopy(m.docs[path]), Exists: true}
	delete(m.docs, path)
	m.notifyRemoved(path, removed)
}

func (m *Memory) notify(path string, kind ChangeKind) {
	doc := Document{Path: path, Data: deepCopy(m.docs[path]), Exists: true}
	for _, sub := range m.subs {
		if sub.matches(path) {
			sub.enqueue(m.snapshotFor(sub, kind, doc))
		}
	}
}

func (m *Memory) notifyRemoved(path string, removed Document) {
	for _, sub := range m.subs {
		if !sub.matches(path) {
			continue
		}
		if sub.isCollection {
			snap := Snapshot{
				Docs:    m.collectionDocs(sub.path),
				Changes: []Change{{Kind: ChangeRemoved, Doc: removed}},
			}
			sub.enqueue(snap)
		} else {
			sub.enqueue(Snapshot{Doc: Document{Path: path}})
		}
	}
}

func (s *memSub) matches(docPath string) bool {
	if s.isCollection {
		return Parent(docPath) == s.path
	}
	return docPath == s.path
}

func (m *Memory) snapshotFor(sub *memSub, kind ChangeKind, doc Document) Snapshot {
	if !sub.isCollection {
		if doc.Path != "" {
			return Snapshot{Doc: doc}
		}
		// Initial document snapshot.
		if data, ok := m.docs[sub.path]; ok {
			return Snapshot{Doc: Document{Path: sub.path, Data: deepCopy(data), Exists: true}}
		}
		return Snapshot{Doc: Document{Path: sub.path}}
	}
	docs := m.collectionDocs(sub.path)
	var changes []Change
	if doc.Path != "" {
		changes = []Change{{Kind: kind, Doc: doc}}
	} else {
		for _, d := range docs {
			changes = append(changes, Change{Kind: ChangeAdded, Doc: d})
		}
	}
	return Snapshot{Docs: docs, Changes: changes}
}

func (m *Memory) collectionDocs(collection string) []Document {
	var out []Document
	for path, data := range m.docs {
		if Parent(path) == collection {
			out = append(out, Document{Path: path, Data: deepCopy(data), Exists: true})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// resolveSentinel turns write sentinels into concrete values at commit time.
func resolveSentinel(existing, v any) any {
	switch sv := v.(type) {
	case ServerTimestamp:
		return time.Now().UTC()
	case Increment:
		return toFloat(existing) + sv.By
	default:
		return deepCopyValue(v)
	}
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return 0
	}
}

func looseEqual(a, b any) bool {
	if a == b {
		return true
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	return aok && bok && as == bs
}

func deepCopy(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		return deepCopy(tv)
	case []any:
		out := make([]any, len(tv))
		for i, e := range tv {
			out[i] = deepCopyValue(e)
		}
		return out
	default:
		return v
	}
}
