package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"loopd/internal/loop"
	logx "loopd/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations_sqlite.sql migrations_postgres.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	q := url.Values{}
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))

	db, err := sql.Open("sqlite", path+"?"+q.Encode())
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log.With(logx.String("comp", "storage.sqlite")), pruneEvery: 500}

	if path != ":memory:" {
		_, _ = db.Exec("PRAGMA journal_mode = WAL")
	}
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations_sqlite.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const sqliteLoopCols = `id, title, color, created_at, window_start_ms, window_end_ms, active_days, repeat_interval_ms, enabled`

func scanSQLiteLoop(sc interface{ Scan(...any) error }) (loop.Loop, error) {
	var (
		l                       loop.Loop
		id                      int64
		color                   int64
		created                 int64
		startMS, endMS, everyMS int64
		days                    int64
		enabled                 bool
	)
	if err := sc.Scan(&id, &l.Title, &color, &created, &startMS, &endMS, &days, &everyMS, &enabled); err != nil {
		return loop.Loop{}, err
	}
	l.ID = loop.ID(id)
	l.Color = uint32(color)
	l.CreatedAt = time.UnixMilli(created)
	l.WindowStart = time.Duration(startMS) * time.Millisecond
	l.WindowEnd = time.Duration(endMS) * time.Millisecond
	l.ActiveDays = loop.DayMask(days)
	l.RepeatInterval = time.Duration(everyMS) * time.Millisecond
	l.Enabled = enabled
	return l, nil
}

func (s *sqliteStore) ListLoops(ctx context.Context) ([]loop.Loop, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sqliteLoopCols+` FROM loops ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []loop.Loop
	for rows.Next() {
		l, err := scanSQLiteLoop(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *sqliteStore) GetLoop(ctx context.Context, id loop.ID) (loop.Loop, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteLoopCols+` FROM loops WHERE id = ?`, int64(id))
	l, err := scanSQLiteLoop(row)
	if errors.Is(err, sql.ErrNoRows) {
		return loop.Loop{}, fmt.Errorf("loop %d: %w", id, ErrNotFound)
	}
	return l, err
}

func (s *sqliteStore) UpsertLoop(ctx context.Context, l loop.Loop) (loop.Loop, error) {
	args := []any{
		l.Title, int64(l.Color), l.CreatedAt.UnixMilli(),
		l.WindowStart.Milliseconds(), l.WindowEnd.Milliseconds(),
		int64(l.ActiveDays), l.RepeatInterval.Milliseconds(), l.Enabled,
	}
	if l.ID == 0 {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO loops(title, color, created_at, window_start_ms, window_end_ms, active_days, repeat_interval_ms, enabled)
			 VALUES(?,?,?,?,?,?,?,?)`, args...)
		if err != nil {
			return loop.Loop{}, err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return loop.Loop{}, err
		}
		l.ID = loop.ID(id)
		return l, nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO loops(id, title, color, created_at, window_start_ms, window_end_ms, active_days, repeat_interval_ms, enabled)
		 VALUES(?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   title = excluded.title,
		   color = excluded.color,
		   created_at = excluded.created_at,
		   window_start_ms = excluded.window_start_ms,
		   window_end_ms = excluded.window_end_ms,
		   active_days = excluded.active_days,
		   repeat_interval_ms = excluded.repeat_interval_ms,
		   enabled = excluded.enabled`,
		append([]any{int64(l.ID)}, args...)...)
	return l, err
}

func (s *sqliteStore) SetLoopEnabled(ctx context.Context, id loop.ID, enabled bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE loops SET enabled = ? WHERE id = ?`, enabled, int64(id))
	return affectedOrNotFound(res, err, id)
}

func (s *sqliteStore) DeleteLoop(ctx context.Context, id loop.ID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM loops WHERE id = ?`, int64(id))
	return affectedOrNotFound(res, err, id)
}

func affectedOrNotFound(res sql.Result, err error, id loop.ID) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("loop %d: %w", id, ErrNotFound)
	}
	return nil
}

func (s *sqliteStore) InsertResponseIfAbsent(ctx context.Context, r loop.Response) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO responses(loop_id, day, state, updated_at)
		 SELECT ?, ?, ?, ? WHERE EXISTS (SELECT 1 FROM loops WHERE id = ?)
		 ON CONFLICT(loop_id, day) DO NOTHING`,
		int64(r.LoopID), r.Day.String(), int(r.State), updatedAt(r).UnixMilli(), int64(r.LoopID))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *sqliteStore) PutResponse(ctx context.Context, r loop.Response) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO responses(loop_id, day, state, updated_at)
		 SELECT ?, ?, ?, ? WHERE EXISTS (SELECT 1 FROM loops WHERE id = ?)
		 ON CONFLICT(loop_id, day) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at`,
		int64(r.LoopID), r.Day.String(), int(r.State), updatedAt(r).UnixMilli(), int64(r.LoopID))
	return affectedOrNotFound(res, err, r.LoopID)
}

func (s *sqliteStore) GetResponse(ctx context.Context, id loop.ID, day loop.Day) (loop.Response, bool, error) {
	var state int
	var ms int64
	err := s.db.QueryRowContext(ctx,
		`SELECT state, updated_at FROM responses WHERE loop_id = ? AND day = ?`,
		int64(id), day.String()).Scan(&state, &ms)
	if errors.Is(err, sql.ErrNoRows) {
		return loop.Response{}, false, nil
	}
	if err != nil {
		return loop.Response{}, false, err
	}
	return loop.Response{LoopID: id, Day: day, State: loop.ResponseState(state), UpdatedAt: time.UnixMilli(ms)}, true, nil
}

func (s *sqliteStore) ListResponses(ctx context.Context, id loop.ID, from, to loop.Day) ([]loop.Response, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT day, state, updated_at FROM responses
		 WHERE loop_id = ? AND day >= ? AND day <= ?
		 ORDER BY day`,
		int64(id), from.String(), to.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []loop.Response
	for rows.Next() {
		var (
			dayS  string
			state int
			ms    int64
		)
		if err := rows.Scan(&dayS, &state, &ms); err != nil {
			return nil, err
		}
		d, err := loop.ParseDay(dayS)
		if err != nil {
			return nil, err
		}
		out = append(out, loop.Response{LoopID: id, Day: d, State: loop.ResponseState(state), UpdatedAt: time.UnixMilli(ms)})
	}
	return out, rows.Err()
}

func (s *sqliteStore) GetMeta(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *sqliteStore) PutMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO meta(key, value) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

func (s *sqliteStore) PutTimer(ctx context.Context, t Timer) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO timers(key, at, payload) VALUES(?,?,?)
		 ON CONFLICT(key) DO UPDATE SET at = excluded.at, payload = excluded.payload`,
		t.Key, t.At.UnixMilli(), t.Payload)
	return err
}

func (s *sqliteStore) DeleteTimer(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM timers WHERE key = ?`, key)
	return err
}

func (s *sqliteStore) ListTimers(ctx context.Context) ([]Timer, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, at, payload FROM timers ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Timer
	for rows.Next() {
		var t Timer
		var ms int64
		if err := rows.Scan(&t.Key, &ms, &t.Payload); err != nil {
			return nil, err
		}
		t.At = time.UnixMilli(ms)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PutJob(ctx context.Context, j Job) error {
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs(id, kind, key, payload, created_at) VALUES(?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET kind = excluded.kind, key = excluded.key, payload = excluded.payload`,
		j.ID, j.Kind, j.Key, j.Payload, j.CreatedAt.UnixMilli())
	return err
}

func (s *sqliteStore) DeleteJob(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	return err
}

func (s *sqliteStore) ListJobs(ctx context.Context) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, kind, key, payload, created_at FROM jobs ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Job
	for rows.Next() {
		var j Job
		var ms int64
		if err := rows.Scan(&j.ID, &j.Kind, &j.Key, &j.Payload, &ms); err != nil {
			return nil, err
		}
		j.CreatedAt = time.UnixMilli(ms)
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until = excluded.until`,
		key, until.UnixMilli(),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		if perr := s.pruneExpired(pctx); perr != nil {
			s.log.Debug("dedup prune failed", logx.Any("err", perr))
		}
		cancel()
	}
	return err
}

func (s *sqliteStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT until FROM dedup WHERE key = ?`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func (s *sqliteStore) pruneExpired(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM dedup WHERE until < ?`, time.Now().UnixMilli())
	return err
}

func updatedAt(r loop.Response) time.Time {
	if r.UpdatedAt.IsZero() {
		return time.Now()
	}
	return r.UpdatedAt
}
