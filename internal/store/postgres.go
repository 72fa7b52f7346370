package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/sony/gobreaker"
)

const pgChannel = "dispatch_record_changes"

const pgSchema = `CREATE TABLE IF NOT EXISTS records (
	collection text NOT NULL,
	key        text NOT NULL,
	value      jsonb NOT NULL,
	PRIMARY KEY (collection, key)
)`

// Postgres is the Store backed by PostgreSQL, with LISTEN/NOTIFY as the
// push channel. Every mutation notifies the collection name; subscribers
// re-read the full collection, keeping the total-replacement contract.
type Postgres struct {
	db       *sql.DB
	listener *pq.Listener
	cb       *gobreaker.CircuitBreaker
	logger   *slog.Logger

	mu     sync.Mutex
	subs   map[int]*pgSub
	nextID int
}

type pgSub struct {
	collection string
	view       func(Snapshot) Snapshot
	fn         func(Snapshot)
}

func NewPostgres(dsn string, logger *slog.Logger) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	if _, err := db.Exec(pgSchema); err != nil {
		return nil, err
	}
	p := &Postgres{
		db:     db,
		cb:     newBreaker("postgres-store", logger),
		logger: logger,
		subs:   make(map[int]*pgSub),
	}
	p.listener = pq.NewListener(dsn, time.Second, 30*time.Second, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			logger.Error("postgres listener event", "event", int(ev), "error", err)
		}
	})
	if err := p.listener.Listen(pgChannel); err != nil {
		_ = db.Close()
		return nil, err
	}
	go p.run()
	return p, nil
}

func (p *Postgres) run() {
	for n := range p.listener.Notify {
		if n == nil {
			// reconnect; state may have moved while we were away
			p.broadcastAll()
			continue
		}
		p.broadcast(n.Extra)
	}
}

func (p *Postgres) Read(ctx context.Context, path string) (json.RawMessage, error) {
	collection, key, err := SplitPath(path)
	if err != nil {
		return nil, err
	}
	v, err := p.cb.Execute(func() (any, error) {
		var raw []byte
		err := p.db.QueryRowContext(ctx,
			`SELECT value FROM records WHERE collection=$1 AND key=$2`, collection, key).Scan(&raw)
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return raw, err
	})
	if err != nil {
		return nil, err
	}
	return json.RawMessage(v.([]byte)), nil
}

func (p *Postgres) Write(ctx context.Context, path string, value any) error {
	if value == nil {
		return p.Delete(ctx, path)
	}
	collection, key, err := SplitPath(path)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	_, err = p.cb.Execute(func() (any, error) {
		_, err := p.db.ExecContext(ctx,
			`INSERT INTO records(collection, key, value) VALUES($1,$2,$3)
			 ON CONFLICT (collection, key) DO UPDATE SET value = EXCLUDED.value`,
			collection, key, raw)
		if err != nil {
			return nil, err
		}
		_, err = p.db.ExecContext(ctx, `SELECT pg_notify($1, $2)`, pgChannel, collection)
		return nil, err
	})
	return err
}

// Patch is read-merge-write; last write wins under concurrency.
func (p *Postgres) Patch(ctx context.Context, path string, fields map[string]any) error {
	raw, err := p.Read(ctx, path)
	if err != nil && err != ErrNotFound {
		return err
	}
	merged, err := mergeFields(raw, fields)
	if err != nil {
		return err
	}
	var rec map[string]json.RawMessage
	if err := json.Unmarshal(merged, &rec); err != nil {
		return err
	}
	return p.Write(ctx, path, rec)
}

func (p *Postgres) Delete(ctx context.Context, path string) error {
	collection, key, err := SplitPath(path)
	if err != nil {
		return err
	}
	_, err = p.cb.Execute(func() (any, error) {
		_, err := p.db.ExecContext(ctx,
			`DELETE FROM records WHERE collection=$1 AND key=$2`, collection, key)
		if err != nil {
			return nil, err
		}
		_, err = p.db.ExecContext(ctx, `SELECT pg_notify($1, $2)`, pgChannel, collection)
		return nil, err
	})
	return err
}

func (p *Postgres) Subscribe(collection string, fn func(Snapshot)) (CancelFunc, error) {
	return p.subscribe(collection, func(s Snapshot) Snapshot { return s }, fn)
}

func (p *Postgres) SubscribeMatch(collection, field, equals string, fn func(Snapshot)) (CancelFunc, error) {
	return p.subscribe(collection, func(s Snapshot) Snapshot { return filterMatch(s, field, equals) }, fn)
}

func (p *Postgres) subscribe(collection string, view func(Snapshot) Snapshot, fn func(Snapshot)) (CancelFunc, error) {
	initial, err := p.readCollection(context.Background(), collection)
	if err != nil {
		return nil, err
	}
	s := &pgSub{collection: collection, view: view, fn: fn}
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.subs[id] = s
	p.mu.Unlock()

	fn(view(initial))

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.subs, id)
			p.mu.Unlock()
		})
	}
	return cancel, nil
}

func (p *Postgres) Query(ctx context.Context, collection, field, equals string) (Snapshot, error) {
	snap, err := p.readCollection(ctx, collection)
	if err != nil {
		return nil, err
	}
	return filterMatch(snap, field, equals), nil
}

func (p *Postgres) GenerateKey(collection string) string { return NewKey() }

func (p *Postgres) readCollection(ctx context.Context, collection string) (Snapshot, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT key, value FROM records WHERE collection=$1`, collection)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	snap := make(Snapshot)
	for rows.Next() {
		var key string
		var raw []byte
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, err
		}
		snap[key] = json.RawMessage(raw)
	}
	return snap, rows.Err()
}

func (p *Postgres) broadcast(collection string) {
	p.mu.Lock()
	targets := make([]*pgSub, 0, len(p.subs))
	for _, s := range p.subs {
		if s.collection == collection {
			targets = append(targets, s)
		}
	}
	p.mu.Unlock()
	if len(targets) == 0 {
		return
	}
	snap, err := p.readCollection(context.Background(), collection)
	if err != nil {
		p.logger.Error("postgres snapshot read failed", "collection", collection, "error", err)
		return
	}
	for _, s := range targets {
		s.fn(s.view(snap))
	}
}

func (p *Postgres) broadcastAll() {
	p.mu.Lock()
	seen := map[string]bool{}
	for _, s := range p.subs {
		seen[s.collection] = true
	}
	p.mu.Unlock()
	for c := range seen {
		p.broadcast(c)
	}
}

func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *Postgres) Close() error {
	_ = p.listener.Close()
	return p.db.Close()
}
