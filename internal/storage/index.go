package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/engram-cli/engram/internal/entity"
)

// Query returns structured index rows matching f, oldest first. The index is
// written in the same transaction as the ref, so it never lags the store.
func (s *Store) Query(ctx context.Context, f Filter) ([]IndexEntry, error) {
	where, args := f.where()
	page, pargs := f.page()
	rows, err := s.db.QueryContext(ctx, `
		SELECT i.kind, i.id, i.agent, i.status, i.title, i.body, i.created_at, i.updated_at, i.generation
		FROM entity_index i`+where+`
		ORDER BY i.created_at ASC, i.id ASC`+page, append(args, pargs...)...)
	if err != nil {
		return nil, classify(fmt.Errorf("querying index: %w", err))
	}
	return scanEntries(rows)
}

// Count returns how many index rows match f. Limit and Offset are ignored.
func (s *Store) Count(ctx context.Context, f Filter) (int, error) {
	where, args := f.where()
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM entity_index i`+where, args...).Scan(&n); err != nil {
		return 0, classify(fmt.Errorf("counting index: %w", err))
	}
	return n, nil
}

// Generation is the number of committed writes since the store was created.
func (s *Store) Generation(ctx context.Context) (int64, error) {
	var gen int64
	err := s.db.QueryRowContext(ctx, `SELECT value FROM store_meta WHERE key = 'generation'`).Scan(&gen)
	if err != nil {
		return 0, classify(fmt.Errorf("reading generation: %w", err))
	}
	return gen, nil
}

// ChangesSince returns index rows whose latest write is newer than gen, in
// write order. An entity written several times appears once.
func (s *Store) ChangesSince(ctx context.Context, gen int64, limit int) ([]IndexEntry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT i.kind, i.id, i.agent, i.status, i.title, i.body, i.created_at, i.updated_at, i.generation
		FROM entity_index i
		WHERE i.generation > ?
		ORDER BY i.generation ASC
		LIMIT ?`, gen, limit)
	if err != nil {
		return nil, classify(fmt.Errorf("reading changes: %w", err))
	}
	return scanEntries(rows)
}

// Resolve finds the kind of a stored id.
func (s *Store) Resolve(ctx context.Context, id string) (entity.Kind, error) {
	var kind string
	err := s.db.QueryRowContext(ctx, `SELECT kind FROM refs WHERE id = ?`, id).Scan(&kind)
	if errors.Is(err, sql.ErrNoRows) {
		return "", &NotFoundError{ID: id}
	}
	if err != nil {
		return "", classify(fmt.Errorf("resolving %s: %w", id, err))
	}
	return entity.Kind(kind), nil
}

// ReadAny reads an entity by id alone.
func (s *Store) ReadAny(ctx context.Context, id string) (entity.Entity, error) {
	kind, err := s.Resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.Read(ctx, kind, id)
}

// History lists every version of (kind, id), oldest first.
func (s *Store) History(ctx context.Context, kind entity.Kind, id string) ([]Revision, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, id, version, hash, agent, status, at
		FROM ref_log WHERE kind = ? AND id = ?
		ORDER BY version ASC`, string(kind), id)
	if err != nil {
		return nil, classify(fmt.Errorf("reading history: %w", err))
	}
	revs, err := scanRevisions(rows)
	if err != nil {
		return nil, err
	}
	if len(revs) == 0 {
		return nil, &NotFoundError{Kind: string(kind), ID: id}
	}
	return revs, nil
}

// ReadVersion loads a historical value of (kind, id).
func (s *Store) ReadVersion(ctx context.Context, kind entity.Kind, id string, version int64) (entity.Entity, error) {
	obj := object{kind: string(kind), id: id, version: version}
	err := s.db.QueryRowContext(ctx, `
		SELECT o.encoding, o.size, o.data
		FROM ref_log l JOIN objects o ON o.hash = l.hash
		WHERE l.kind = ? AND l.id = ? AND l.version = ?`, string(kind), id, version,
	).Scan(&obj.encoding, &obj.size, &obj.data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Kind: string(kind), ID: fmt.Sprintf("%s@%d", id, version)}
	}
	if err != nil {
		return nil, classify(fmt.Errorf("reading %s %s@%d: %w", kind, id, version, err))
	}
	return obj.decode()
}

// Activity lists ref log entries attributed to agent with from <= at <= to.
func (s *Store) Activity(ctx context.Context, agent string, from, to time.Time) ([]Revision, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, id, version, hash, agent, status, at
		FROM ref_log
		WHERE agent = ? AND at >= ? AND at <= ?
		ORDER BY at ASC, kind ASC, id ASC, version ASC`,
		agent, formatTime(from), formatTime(to))
	if err != nil {
		return nil, classify(fmt.Errorf("reading activity: %w", err))
	}
	return scanRevisions(rows)
}

// LastActivity returns the time of agent's latest write at or after since,
// or the zero time if there is none.
func (s *Store) LastActivity(ctx context.Context, agent string, since time.Time, exclude entity.Kind) (time.Time, error) {
	var at sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(at) FROM ref_log WHERE agent = ? AND at >= ? AND kind != ?`,
		agent, formatTime(since), string(exclude)).Scan(&at)
	if err != nil {
		return time.Time{}, classify(fmt.Errorf("reading last activity: %w", err))
	}
	if !at.Valid {
		return time.Time{}, nil
	}
	return parseTime(at.String)
}

// Relationships returns the relationship entities touching q.EntityID.
func (s *Store) Relationships(ctx context.Context, q EdgeQuery) ([]*entity.Relationship, error) {
	var cond string
	var args []any
	switch q.Direction {
	case Outbound:
		cond, args = "e.source_id = ?", []any{q.EntityID}
	case Inbound:
		cond, args = "e.target_id = ?", []any{q.EntityID}
	default:
		cond, args = "(e.source_id = ? OR e.target_id = ?)", []any{q.EntityID, q.EntityID}
	}
	if q.Type != "" {
		cond += " AND e.rel_type = ?"
		args = append(args, q.Type)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.kind, r.id, r.version, o.encoding, o.size, o.data
		FROM edges e
		JOIN refs r ON r.kind = 'relationship' AND r.id = e.id
		JOIN objects o ON o.hash = r.hash
		WHERE `+cond+`
		ORDER BY e.created_at ASC, e.id ASC`, args...)
	if err != nil {
		return nil, classify(fmt.Errorf("querying edges: %w", err))
	}
	defer rows.Close()

	var out []*entity.Relationship
	for rows.Next() {
		var obj object
		if err := rows.Scan(&obj.kind, &obj.id, &obj.version, &obj.encoding, &obj.size, &obj.data); err != nil {
			return nil, err
		}
		e, err := obj.decode()
		if err != nil {
			return nil, err
		}
		if r, ok := e.(*entity.Relationship); ok {
			out = append(out, r)
		}
	}
	return out, classify(rows.Err())
}

// EdgeCounts returns the number of edges per relationship type.
func (s *Store) EdgeCounts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT rel_type, COUNT(*) FROM edges GROUP BY rel_type`)
	if err != nil {
		return nil, classify(fmt.Errorf("counting edges: %w", err))
	}
	defer rows.Close()
	out := make(map[string]int)
	for rows.Next() {
		var t string
		var n int
		if err := rows.Scan(&t, &n); err != nil {
			return nil, err
		}
		out[t] = n
	}
	return out, classify(rows.Err())
}

// KindCounts returns the number of entities per kind.
func (s *Store) KindCounts(ctx context.Context) (map[entity.Kind]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT kind, COUNT(*) FROM refs GROUP BY kind`)
	if err != nil {
		return nil, classify(fmt.Errorf("counting entities: %w", err))
	}
	defer rows.Close()
	out := make(map[entity.Kind]int)
	for rows.Next() {
		var k string
		var n int
		if err := rows.Scan(&k, &n); err != nil {
			return nil, err
		}
		out[entity.Kind(k)] = n
	}
	return out, classify(rows.Err())
}

func scanEntries(rows *sql.Rows) ([]IndexEntry, error) {
	defer rows.Close()
	var out []IndexEntry
	for rows.Next() {
		var e IndexEntry
		var kind, created, updated string
		if err := rows.Scan(&kind, &e.ID, &e.Agent, &e.Status, &e.Title, &e.Body, &created, &updated, &e.Generation); err != nil {
			return nil, err
		}
		e.Kind = entity.Kind(kind)
		var err error
		if e.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		if e.UpdatedAt, err = parseTime(updated); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, classify(rows.Err())
}

func scanRevisions(rows *sql.Rows) ([]Revision, error) {
	defer rows.Close()
	var out []Revision
	for rows.Next() {
		var r Revision
		var kind, at string
		if err := rows.Scan(&kind, &r.ID, &r.Version, &r.Hash, &r.Agent, &r.Status, &at); err != nil {
			return nil, err
		}
		r.Kind = entity.Kind(kind)
		var err error
		if r.At, err = parseTime(at); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, classify(rows.Err())
}
