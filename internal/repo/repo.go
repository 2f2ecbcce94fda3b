package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"flagdeck/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (r Repo) exec(tx *sql.Tx) execer {
	if tx != nil {
		return tx
	}
	return r.DB
}

func scanOverride(row scanner) (domain.Override, error) {
	var o domain.Override
	err := row.Scan(&o.Name, &o.ID, &o.Kind, &o.Value, &o.ActorID, &o.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return o, ErrNotFound
	}
	return o, err
}

const overrideColumns = `name,id,kind,value,actor_id,updated_at`

// ListOverrides returns every persisted override ordered by name.
func (r Repo) ListOverrides(ctx context.Context) ([]domain.Override, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+overrideColumns+` FROM overrides ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Override
	for rows.Next() {
		o, err := scanOverride(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

func (r Repo) GetOverride(ctx context.Context, name string) (domain.Override, error) {
	return scanOverride(r.DB.QueryRowContext(ctx, `SELECT `+overrideColumns+` FROM overrides WHERE name=?`, name))
}

func (r Repo) UpsertOverrideTx(ctx context.Context, tx *sql.Tx, o domain.Override) error {
	if o.Name == "" {
		return errors.New("name required")
	}
	_, err := r.exec(tx).ExecContext(ctx, `
INSERT INTO overrides(`+overrideColumns+`) VALUES (?,?,?,?,?,?)
ON CONFLICT(name) DO UPDATE SET id=excluded.id, kind=excluded.kind, value=excluded.value,
  actor_id=excluded.actor_id, updated_at=excluded.updated_at`,
		o.Name, o.ID, o.Kind, o.Value, o.ActorID, o.UpdatedAt)
	return err
}

func (r Repo) DeleteOverrideTx(ctx context.Context, tx *sql.Tx, name string) error {
	res, err := r.exec(tx).ExecContext(ctx, `DELETE FROM overrides WHERE name=?`, name)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteAllOverridesTx removes every override and returns how many were removed.
func (r Repo) DeleteAllOverridesTx(ctx context.Context, tx *sql.Tx) (int64, error) {
	res, err := r.exec(tx).ExecContext(ctx, `DELETE FROM overrides`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// OverridesRevision returns a counter that triggers bump on every write to
// the overrides table, from any connection.
func (r Repo) OverridesRevision(ctx context.Context) (int64, error) {
	var rev int64
	err := r.DB.QueryRowContext(ctx, `SELECT rev FROM revisions WHERE name='overrides'`).Scan(&rev)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return rev, err
}

func (r Repo) GetSetting(ctx context.Context, key string) (string, error) {
	var v string
	err := r.DB.QueryRowContext(ctx, `SELECT value FROM settings WHERE key=?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return v, err
}

func (r Repo) SetSettingTx(ctx context.Context, tx *sql.Tx, key, value, now string) error {
	_, err := r.exec(tx).ExecContext(ctx, `
INSERT INTO settings(key,value,updated_at) VALUES (?,?,?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`, key, value, now)
	return err
}

// EventFilters narrows LatestEvents.
type EventFilters struct {
	Limit      int
	Type       string
	EntityKind string
	EntityID   string
}

// LatestEvents returns the most recent events first.
func (r Repo) LatestEvents(ctx context.Context, f EventFilters) ([]domain.Event, error) {
	if f.Limit <= 0 {
		f.Limit = 20
	}
	var (
		where []string
		args  []any
	)
	if f.Type != "" {
		where = append(where, "type=?")
		args = append(args, f.Type)
	}
	if f.EntityKind != "" {
		where = append(where, "entity_kind=?")
		args = append(args, f.EntityKind)
	}
	if f.EntityID != "" {
		where = append(where, "entity_id=?")
		args = append(args, f.EntityID)
	}
	query := `SELECT id,ts,type,entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY id DESC LIMIT %d", f.Limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var payload string
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &e.EntityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
			return nil, fmt.Errorf("event %d payload: %w", e.ID, err)
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
