// Package postgres backs the docstore contract with a single jsonb
// documents table. Cross-document atomicity comes from serializable
// transactions (retried on serialization failure); the subscription
// stream rides on LISTEN/NOTIFY with a re-read per notification.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/lalith-99/gymbro/internal/docstore"
)

const notifyChannel = "doc_changes"

// serialization_failure — the retryable verdict of a serializable tx.
const sqlstateSerializationFailure = "40001"

const maxTxAttempts = 5

type Store struct {
	pool   *pgxpool.Pool
	logger *zap.Logger

	mu     sync.Mutex
	subs   map[int64]*pgSub
	nextID int64

	listenCancel context.CancelFunc
	listenDone   chan struct{}
	closed       bool
}

// New connects, verifies the connection, ensures the schema, and starts
// the notification listener.
func New(ctx context.Context, databaseURL string, logger *zap.Logger) (*Store, error) {
	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	// Pool tuning: each room operation holds a connection briefly; 25
	// keeps high concurrency well below a default Postgres max_connections
	// of 100. Warm minimum avoids cold-start latency after idle periods,
	// and hourly recycling sidesteps stale TCP connections across
	// failovers.
	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = 1 * time.Hour
	poolConfig.MaxConnIdleTime = 20 * time.Minute
	poolConfig.HealthCheckPeriod = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping DB: %w", err)
	}

	s := &Store{
		pool:   pool,
		logger: logger,
		subs:   make(map[int64]*pgSub),
	}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	listenCtx, cancel := context.WithCancel(context.Background())
	s.listenCancel = cancel
	s.listenDone = make(chan struct{})
	go s.listen(listenCtx)

	logger.Info("document store ready",
		zap.String("dsn", poolConfig.ConnString()),
		zap.Int32("max_conns", poolConfig.MaxConns),
	)
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	ddl := `
		CREATE TABLE IF NOT EXISTS documents (
			path       text PRIMARY KEY,
			collection text NOT NULL,
			grp        text NOT NULL,
			data       jsonb NOT NULL,
			updated_at timestamptz NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS documents_collection_idx ON documents (collection);
		CREATE INDEX IF NOT EXISTS documents_grp_idx ON documents (grp);`
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("migrate documents table: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, path string) (docstore.Document, error) {
	return getDoc(ctx, s.pool, path)
}

type queryer interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getDoc(ctx context.Context, q queryer, path string) (docstore.Document, error) {
	var raw []byte
	err := q.QueryRow(ctx, `SELECT data FROM documents WHERE path = $1`, path).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return docstore.Document{Path: path}, docstore.ErrNotFound
		}
		return docstore.Document{}, fmt.Errorf("get document: %w", err)
	}
	data := make(map[string]any)
	if err := json.Unmarshal(raw, &data); err != nil {
		return docstore.Document{}, fmt.Errorf("decode document %s: %w", path, err)
	}
	return docstore.Document{Path: path, Data: data, Exists: true}, nil
}

func (s *Store) Set(ctx context.Context, path string, data map[string]any) error {
	return s.commit(ctx, []write{{kind: "set", path: path, fields: data}}, false)
}

func (s *Store) Update(ctx context.Context, path string, fields map[string]any) error {
	return s.commit(ctx, []write{{kind: "update", path: path, fields: fields}}, true)
}

func (s *Store) Delete(ctx context.Context, path string) error {
	return s.commit(ctx, []write{{kind: "delete", path: path}}, false)
}

func (s *Store) List(ctx context.Context, collection string) ([]docstore.Document, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT path, data FROM documents WHERE collection = $1 ORDER BY path`, collection)
	if err != nil {
		return nil, fmt.Errorf("list collection: %w", err)
	}
	defer rows.Close()
	return scanDocs(rows)
}

func (s *Store) ListGroup(ctx context.Context, group, field string, value any) ([]docstore.Document, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT path, data FROM documents WHERE grp = $1 AND data->>$2 = $3 ORDER BY path`,
		group, field, fmt.Sprint(value))
	if err != nil {
		return nil, fmt.Errorf("list group: %w", err)
	}
	defer rows.Close()
	return scanDocs(rows)
}

func scanDocs(rows pgx.Rows) ([]docstore.Document, error) {
	var out []docstore.Document
	for rows.Next() {
		var path string
		var raw []byte
		if err := rows.Scan(&path, &raw); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		data := make(map[string]any)
		if err := json.Unmarshal(raw, &data); err != nil {
			return nil, fmt.Errorf("decode document %s: %w", path, err)
		}
		out = append(out, docstore.Document{Path: path, Data: data, Exists: true})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return out, nil
}

type write struct {
	kind   string // "set", "update", "delete"
	path   string
	fields map[string]any
}

type pgTx struct {
	ctx    context.Context
	tx     pgx.Tx
	writes []write
}

func (t *pgTx) Get(path string) (docstore.Document, error) {
	return getDoc(t.ctx, t.tx, path)
}

func (t *pgTx) List(collection string) ([]docstore.Document, error) {
	rows, err := t.tx.Query(t.ctx,
		`SELECT path, data FROM documents WHERE collection = $1 ORDER BY path`, collection)
	if err != nil {
		return nil, fmt.Errorf("list collection: %w", err)
	}
	defer rows.Close()
	return scanDocs(rows)
}

func (t *pgTx) Set(path string, data map[string]any) {
	t.writes = append(t.writes, write{kind: "set", path: path, fields: data})
}

func (t *pgTx) Update(path string, fields map[string]any) {
	t.writes = append(t.writes, write{kind: "update", path: path, fields: fields})
}

func (t *pgTx) Delete(path string) {
	t.writes = append(t.writes, write{kind: "delete", path: path})
}

// RunTransaction runs fn under SERIALIZABLE isolation and retries the
// whole body when the commit loses a serialization race. fn must stay
// side-effect free apart from its queued writes.
func (s *Store) RunTransaction(ctx context.Context, fn func(tx docstore.Tx) error) error {
	var lastErr error
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err := s.runTxOnce(ctx, fn)
		if err == nil {
			return nil
		}
		if !isSerializationFailure(err) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("transaction not serializable after %d attempts: %w", maxTxAttempts, lastErr)
}

func (s *Store) runTxOnce(ctx context.Context, fn func(tx docstore.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	wrapped := &pgTx{ctx: ctx, tx: tx}
	if err := fn(wrapped); err != nil {
		return err
	}
	if err := applyWrites(ctx, tx, wrapped.writes, false); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == sqlstateSerializationFailure
}

type pgBatch struct {
	s      *Store
	writes []write
}

func (b *pgBatch) Set(path string, data map[string]any) {
	b.writes = append(b.writes, write{kind: "set", path: path, fields: data})
}

func (b *pgBatch) Update(path string, fields map[string]any) {
	b.writes = append(b.writes, write{kind: "update", path: path, fields: fields})
}

func (b *pgBatch) Delete(path string) {
	b.writes = append(b.writes, write{kind: "delete", path: path})
}

func (b *pgBatch) Commit(ctx context.Context) error {
	return b.s.commit(ctx, b.writes, false)
}

func (s *Store) Batch() docstore.Batch {
	return &pgBatch{s: s}
}

// commit applies writes in one transaction. strictUpdate makes an update
// against a missing document fail with ErrNotFound (direct Update calls);
// batch and transaction updates upsert instead.
func (s *Store) commit(ctx context.Context, writes []write, strictUpdate bool) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin batch: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := applyWrites(ctx, tx, writes, strictUpdate); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

func applyWrites(ctx context.Context, tx pgx.Tx, writes []write, strictUpdate bool) error {
	if len(writes) == 0 {
		return nil
	}

	// One server clock reading per commit; every ServerTimestamp sentinel
	// in the write set resolves to the same instant.
	var now time.Time
	if err := tx.QueryRow(ctx, `SELECT now()`).Scan(&now); err != nil {
		return fmt.Errorf("read server time: %w", err)
	}
	now = now.UTC()

	for _, w := range writes {
		if err := applyWrite(ctx, tx, w, now, strictUpdate); err != nil {
			return err
		}
	}
	return nil
}

func applyWrite(ctx context.Context, tx pgx.Tx, w write, now time.Time, strictUpdate bool) error {
	switch w.kind {
	case "delete":
		tag, err := tx.Exec(ctx, `DELETE FROM documents WHERE path = $1`, w.path)
		if err != nil {
			return fmt.Errorf("delete document: %w", err)
		}
		if tag.RowsAffected() > 0 {
			return notifyChange(ctx, tx, w.path, docstore.ChangeRemoved)
		}
		return nil

	case "set", "update":
		var existing map[string]any
		var raw []byte
		err := tx.QueryRow(ctx, `SELECT data FROM documents WHERE path = $1 FOR UPDATE`, w.path).Scan(&raw)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			if w.kind == "update" && strictUpdate {
				return docstore.ErrNotFound
			}
		case err != nil:
			return fmt.Errorf("lock document: %w", err)
		default:
			existing = make(map[string]any)
			if err := json.Unmarshal(raw, &existing); err != nil {
				return fmt.Errorf("decode document %s: %w", w.path, err)
			}
		}

		merged := mergeFields(existing, w.fields, w.kind == "set", now)
		encoded, err := json.Marshal(merged)
		if err != nil {
			return fmt.Errorf("encode document %s: %w", w.path, err)
		}

		collection := docstore.Parent(w.path)
		grp := collection
		if idx := strings.LastIndexByte(collection, '/'); idx >= 0 {
			grp = collection[idx+1:]
		}
		kind := docstore.ChangeModified
		if existing == nil {
			kind = docstore.ChangeAdded
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO documents (path, collection, grp, data, updated_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (path) DO UPDATE SET data = EXCLUDED.data, updated_at = EXCLUDED.updated_at`,
			w.path, collection, grp, encoded, now)
		if err != nil {
			return fmt.Errorf("upsert document: %w", err)
		}
		return notifyChange(ctx, tx, w.path, kind)
	}
	return fmt.Errorf("unknown write kind %q", w.kind)
}

func mergeFields(existing, fields map[string]any, replace bool, now time.Time) map[string]any {
	merged := make(map[string]any, len(fields))
	if !replace {
		for k, v := range existing {
			merged[k] = v
		}
	}
	for k, v := range fields {
		switch sv := v.(type) {
		case docstore.ServerTimestamp:
			merged[k] = now
		case docstore.Increment:
			var base float64
			if prev, ok := existing[k].(float64); ok {
				base = prev
			}
			merged[k] = base + sv.By
		default:
			merged[k] = v
		}
	}
	return merged
}

type changePayload struct {
	Path string              `json:"path"`
	Kind docstore.ChangeKind `json:"kind"`
}

func notifyChange(ctx context.Context, tx pgx.Tx, path string, kind docstore.ChangeKind) error {
	payload, err := json.Marshal(changePayload{Path: path, Kind: kind})
	if err != nil {
		return fmt.Errorf("encode change payload: %w", err)
	}
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, string(payload)); err != nil {
		return fmt.Errorf("notify change: %w", err)
	}
	return nil
}

// --- subscriptions ---

type pgSub struct {
	path         string
	isCollection bool
	onNext       func(docstore.Snapshot)
	onErr        func(error)

	closed atomic.Bool
	events chan changePayload
	done   chan struct{}
}

func (s *Store) Subscribe(path string, onNext func(docstore.Snapshot), onErr func(error)) func() {
	sub := &pgSub{
		path:         path,
		isCollection: docstore.IsCollectionPath(path),
		onNext:       onNext,
		onErr:        onErr,
		events:       make(chan changePayload, 256),
		done:         make(chan struct{}),
	}

	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.subs[id] = sub
	s.mu.Unlock()

	go s.serveSub(sub)

	return func() {
		if !sub.closed.CompareAndSwap(false, true) {
			return
		}
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
		close(sub.done)
	}
}

// serveSub re-reads the watched path per notification and delivers a full
// snapshot. Re-reading (rather than shipping deltas through NOTIFY's 8KB
// payload limit) keeps delivery simple and always-current.
func (s *Store) serveSub(sub *pgSub) {
	s.deliver(sub, changePayload{})
	for {
		select {
		case <-sub.done:
			return
		case ev := <-sub.events:
			s.deliver(sub, ev)
		}
	}
}

func (s *Store) deliver(sub *pgSub, ev changePayload) {
	if sub.closed.Load() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var snap docstore.Snapshot
	if sub.isCollection {
		docs, err := s.List(ctx, sub.path)
		if err != nil {
			sub.fail(err)
			return
		}
		snap.Docs = docs
		if ev.Path != "" {
			change := docstore.Change{Kind: ev.Kind, Doc: docstore.Document{Path: ev.Path}}
			for _, d := range docs {
				if d.Path == ev.Path {
					change.Doc = d
					break
				}
			}
			snap.Changes = []docstore.Change{change}
		} else {
			for _, d := range docs {
				snap.Changes = append(snap.Changes, docstore.Change{Kind: docstore.ChangeAdded, Doc: d})
			}
		}
	} else {
		doc, err := s.Get(ctx, sub.path)
		if err != nil && !errors.Is(err, docstore.ErrNotFound) {
			sub.fail(err)
			return
		}
		snap.Doc = doc
	}

	if sub.closed.Load() {
		return
	}
	sub.onNext(snap)
}

func (sub *pgSub) fail(err error) {
	if sub.closed.Load() || sub.onErr == nil {
		return
	}
	sub.onErr(err)
}

// listen owns one dedicated connection running LISTEN and fans incoming
// notifications out to matching subscribers. On connection loss it backs
// off and reconnects; subscribers keep their queues.
func (s *Store) listen(ctx context.Context) {
	defer close(s.listenDone)
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}
		err := s.listenOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn("notification listener lost, reconnecting",
			zap.Error(err), zap.Duration("backoff", backoff))
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (s *Store) listenOnce(ctx context.Context) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `LISTEN `+notifyChannel); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait for notification: %w", err)
		}
		var payload changePayload
		if err := json.Unmarshal([]byte(notification.Payload), &payload); err != nil {
			s.logger.Warn("malformed change notification", zap.Error(err))
			continue
		}
		s.dispatch(payload)
	}
}

func (s *Store) dispatch(payload changePayload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		match := payload.Path == sub.path
		if sub.isCollection {
			match = docstore.Parent(payload.Path) == sub.path
		}
		if !match {
			continue
		}
		select {
		case sub.events <- payload:
		default:
			// Queue full: the subscriber is slow. Dropping is safe because
			// every delivery re-reads full current state.
			s.logger.Warn("subscriber queue full, dropping notification",
				zap.String("path", sub.path))
		}
	}
}

func (s *Store) Health(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.listenCancel()
	<-s.listenDone
	s.logger.Info("closing document store")
	s.pool.Close()
}
