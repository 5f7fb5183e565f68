package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/engram-cli/engram/internal/entity"
)

// Create validates e, assigns its id and timestamps, and persists it. The
// entity is readable under the returned id as soon as Create returns.
//
// A preset id is kept; callers use that for derived, idempotent ids and
// must handle ErrExists.
func (s *Store) Create(ctx context.Context, e entity.Entity) (id string, err error) {
	start := time.Now()
	defer func() { s.metrics.StoreOp(string(e.Kind()), "create", err, time.Since(start)) }()

	if err := entity.Prepare(e); err != nil {
		return "", err
	}
	m := e.Base()
	saved := *m
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	now := s.now()
	m.CreatedAt, m.UpdatedAt, m.Version = now, now, 1

	if err := s.withTx(ctx, func(tx *sql.Tx) error {
		return s.put(ctx, tx, e, 0)
	}); err != nil {
		*m = saved
		return "", err
	}
	s.logger.Debug("entity created", "kind", e.Kind(), "entity_id", m.ID)
	return m.ID, nil
}

// Read returns the current value of (kind, id).
func (s *Store) Read(ctx context.Context, kind entity.Kind, id string) (entity.Entity, error) {
	obj, err := s.loadObject(ctx, s.db, kind, id)
	if err != nil {
		return nil, err
	}
	return obj.decode()
}

// Save writes e if the stored version still equals e's version, and
// returns a *ConflictError otherwise. On success e carries the new version.
func (s *Store) Save(ctx context.Context, e entity.Entity) (err error) {
	start := time.Now()
	defer func() { s.metrics.StoreOp(string(e.Kind()), "save", err, time.Since(start)) }()

	m := e.Base()
	saved := *m
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		obj, err := s.loadObject(ctx, tx, e.Kind(), m.ID)
		if err != nil {
			return err
		}
		if obj.version != saved.Version {
			return &ConflictError{Kind: string(e.Kind()), ID: m.ID, Expected: saved.Version, Actual: obj.version}
		}
		prev, err := obj.decode()
		if err != nil {
			return err
		}
		return s.replace(ctx, tx, prev, e)
	})
	if err != nil {
		*m = saved
		return err
	}
	s.logger.Debug("entity saved", "kind", e.Kind(), "entity_id", m.ID, "version", m.Version)
	return nil
}

// Update applies mutate to the current value of (kind, id) and writes the
// result, all inside one transaction. Updates to the same id are totally
// ordered. mutate must not call back into the store.
func (s *Store) Update(ctx context.Context, kind entity.Kind, id string, mutate func(entity.Entity) error) (out entity.Entity, err error) {
	start := time.Now()
	defer func() { s.metrics.StoreOp(string(kind), "update", err, time.Since(start)) }()

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		obj, err := s.loadObject(ctx, tx, kind, id)
		if err != nil {
			return err
		}
		prev, err := obj.decode()
		if err != nil {
			return err
		}
		next, err := obj.decode()
		if err != nil {
			return err
		}
		if err := mutate(next); err != nil {
			return err
		}
		if err := s.replace(ctx, tx, prev, next); err != nil {
			return err
		}
		out = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Debug("entity updated", "kind", kind, "entity_id", id, "version", out.Base().Version)
	return out, nil
}

// List returns the current values of entities matching f, oldest first.
func (s *Store) List(ctx context.Context, f Filter) ([]entity.Entity, error) {
	where, args := f.where()
	page, pargs := f.page()
	rows, err := s.db.QueryContext(ctx, `
		SELECT i.kind, i.id, r.version, o.encoding, o.size, o.data
		FROM entity_index i
		JOIN refs r ON r.kind = i.kind AND r.id = i.id
		JOIN objects o ON o.hash = r.hash`+where+`
		ORDER BY i.created_at ASC, i.id ASC`+page, append(args, pargs...)...)
	if err != nil {
		return nil, classify(fmt.Errorf("listing entities: %w", err))
	}
	defer rows.Close()

	var out []entity.Entity
	for rows.Next() {
		var obj object
		if err := rows.Scan(&obj.kind, &obj.id, &obj.version, &obj.encoding, &obj.size, &obj.data); err != nil {
			return nil, err
		}
		e, err := obj.decode()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, classify(rows.Err())
}

// Get reads one entity with its concrete type.
func Get[T entity.Entity](ctx context.Context, s *Store, id string) (T, error) {
	var zero T
	e, err := s.Read(ctx, zero.Kind(), id)
	if err != nil {
		return zero, err
	}
	t, ok := e.(T)
	if !ok {
		return zero, fmt.Errorf("stored %s %s has unexpected type %T", zero.Kind(), id, e)
	}
	return t, nil
}

// Mutate is Update with a typed callback.
func Mutate[T entity.Entity](ctx context.Context, s *Store, id string, fn func(T) error) (T, error) {
	var zero T
	e, err := s.Update(ctx, zero.Kind(), id, func(e entity.Entity) error {
		t, ok := e.(T)
		if !ok {
			return fmt.Errorf("stored %s %s has unexpected type %T", zero.Kind(), id, e)
		}
		return fn(t)
	})
	if err != nil {
		return zero, err
	}
	return e.(T), nil
}

// ListOf lists entities of T's kind. f.Kind is ignored.
func ListOf[T entity.Entity](ctx context.Context, s *Store, f Filter) ([]T, error) {
	var zero T
	f.Kind = zero.Kind()
	es, err := s.List(ctx, f)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(es))
	for _, e := range es {
		if t, ok := e.(T); ok {
			out = append(out, t)
		}
	}
	return out, nil
}

// replace checks the per-kind update guard, stamps metadata and writes next
// as the successor of prev.
func (s *Store) replace(ctx context.Context, tx *sql.Tx, prev, next entity.Entity) error {
	pm, nm := prev.Base(), next.Base()
	nm.ID, nm.CreatedAt = pm.ID, pm.CreatedAt
	if g, ok := next.(entity.UpdateGuard); ok {
		if err := g.CheckUpdate(prev); err != nil {
			return err
		}
	}
	if err := entity.Prepare(next); err != nil {
		return err
	}
	now := s.now()
	if now.Before(pm.UpdatedAt) {
		now = pm.UpdatedAt
	}
	nm.UpdatedAt = now
	nm.Version = pm.Version + 1
	return s.put(ctx, tx, next, pm.Version)
}

// put writes the record, moves the ref from prevVersion (0 for a create),
// logs the version and refreshes the index rows, all on tx.
func (s *Store) put(ctx context.Context, tx *sql.Tx, e entity.Entity, prevVersion int64) error {
	m := e.Base()
	kind := string(e.Kind())

	data, err := marshal(e)
	if err != nil {
		return fmt.Errorf("encoding %s %s: %w", kind, m.ID, err)
	}
	hash := objectHash(data)
	stored, enc, err := compress(data, s.compression)
	if err != nil {
		return fmt.Errorf("compressing %s %s: %w", kind, m.ID, err)
	}
	at := formatTime(m.UpdatedAt)

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO objects (hash, kind, encoding, size, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(hash) DO NOTHING`,
		hash, kind, string(enc), len(data), stored, at,
	); err != nil {
		return fmt.Errorf("writing object: %w", err)
	}

	if prevVersion == 0 {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO refs (kind, id, hash, version, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			kind, m.ID, hash, m.Version, formatTime(m.CreatedAt), at,
		)
		if isConstraint(err) {
			return fmt.Errorf("%s %s: %w", kind, m.ID, ErrExists)
		}
		if err != nil {
			return fmt.Errorf("creating ref: %w", err)
		}
	} else {
		res, err := tx.ExecContext(ctx, `
			UPDATE refs SET hash = ?, version = ?, updated_at = ?
			WHERE kind = ? AND id = ? AND version = ?`,
			hash, m.Version, at, kind, m.ID, prevVersion,
		)
		if err != nil {
			return fmt.Errorf("swapping ref: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return &ConflictError{Kind: kind, ID: m.ID, Expected: prevVersion}
		}
	}

	fields := e.IndexFields()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO ref_log (kind, id, version, hash, agent, status, at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		kind, m.ID, m.Version, hash, actorFrom(ctx, fields.Agent), fields.Status, at,
	); err != nil {
		return fmt.Errorf("appending ref log: %w", err)
	}

	var gen int64
	if err := tx.QueryRowContext(ctx,
		`UPDATE store_meta SET value = value + 1 WHERE key = 'generation' RETURNING value`,
	).Scan(&gen); err != nil {
		return fmt.Errorf("bumping generation: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO entity_index (kind, id, agent, status, title, body, created_at, updated_at, generation)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(kind, id) DO UPDATE SET
			agent = excluded.agent,
			status = excluded.status,
			title = excluded.title,
			body = excluded.body,
			updated_at = excluded.updated_at,
			generation = excluded.generation`,
		kind, m.ID, fields.Agent, fields.Status, fields.Title, fields.Body,
		formatTime(m.CreatedAt), at, gen,
	); err != nil {
		return fmt.Errorf("indexing %s %s: %w", kind, m.ID, err)
	}

	if fields.Edge != nil && prevVersion == 0 {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO edges (id, source_id, target_id, rel_type, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			m.ID, fields.Edge.SourceID, fields.Edge.TargetID, fields.Edge.Type, at,
		)
		if isConstraint(err) {
			return fmt.Errorf("edge %s -[%s]-> %s: %w", fields.Edge.SourceID, fields.Edge.Type, fields.Edge.TargetID, ErrExists)
		}
		if err != nil {
			return fmt.Errorf("writing edge: %w", err)
		}
	}
	return nil
}

// object is a stored record as read from the arena.
type object struct {
	kind     string
	id       string
	version  int64
	encoding string
	size     int
	data     []byte
}

func (s *Store) loadObject(ctx context.Context, q querier, kind entity.Kind, id string) (object, error) {
	obj := object{kind: string(kind), id: id}
	err := q.QueryRowContext(ctx, `
		SELECT r.version, o.encoding, o.size, o.data
		FROM refs r JOIN objects o ON o.hash = r.hash
		WHERE r.kind = ? AND r.id = ?`, string(kind), id,
	).Scan(&obj.version, &obj.encoding, &obj.size, &obj.data)
	if errors.Is(err, sql.ErrNoRows) {
		return object{}, &NotFoundError{Kind: string(kind), ID: id}
	}
	if err != nil {
		return object{}, classify(fmt.Errorf("reading %s %s: %w", kind, id, err))
	}
	return obj, nil
}

func (o object) decode() (entity.Entity, error) {
	data, err := decompress(o.data, Compression(o.encoding), o.size)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %w", ErrStorageUnavailable, o.kind, o.id, err)
	}
	e, err := entity.New(entity.Kind(o.kind))
	if err != nil {
		return nil, err
	}
	if err := unmarshal(data, e); err != nil {
		return nil, fmt.Errorf("%w: decoding %s %s: %w", ErrStorageUnavailable, o.kind, o.id, err)
	}
	e.Base().Version = o.version
	return e, nil
}

func (f Filter) where() (string, []any) {
	var conds []string
	var args []any
	if f.Kind != "" {
		conds = append(conds, "i.kind = ?")
		args = append(args, string(f.Kind))
	}
	if f.Agent != "" {
		conds = append(conds, "i.agent = ?")
		args = append(args, f.Agent)
	}
	if f.Status != "" {
		conds = append(conds, "i.status = ?")
		args = append(args, f.Status)
	}
	if !f.CreatedAfter.IsZero() {
		conds = append(conds, "i.created_at >= ?")
		args = append(args, formatTime(f.CreatedAfter))
	}
	if !f.CreatedBefore.IsZero() {
		conds = append(conds, "i.created_at < ?")
		args = append(args, formatTime(f.CreatedBefore))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return "\n\t\tWHERE " + strings.Join(conds, " AND "), args
}

func (f Filter) page() (string, []any) {
	switch {
	case f.Limit > 0:
		return " LIMIT ? OFFSET ?", []any{f.Limit, f.Offset}
	case f.Offset > 0:
		return " LIMIT -1 OFFSET ?", []any{f.Offset}
	}
	return "", nil
}
