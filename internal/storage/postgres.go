package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"loopd/internal/loop"
	logx "loopd/pkg/logx"
)

type postgresStore struct {
	db  *pgxpool.Pool
	log logx.Logger
}

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	log = log.With(logx.String("comp", "storage.postgres"))

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse db config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	} else {
		poolCfg.MaxConns = 4
	}
	poolCfg.MaxConnIdleTime = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping: %w", err)
	}

	st := &postgresStore{db: pool, log: log}
	if err := st.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}
	log.Info("postgres store ready",
		logx.String("host", poolCfg.ConnConfig.Host),
		logx.String("db", poolCfg.ConnConfig.Database),
		logx.Int("max_conns", int(poolCfg.MaxConns)),
	)
	return st, nil
}

func (s *postgresStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations_postgres.sql")
	if err != nil {
		return err
	}
	// Simple protocol allows several statements in one Exec.
	_, err = s.db.Exec(ctx, string(b), pgx.QueryExecModeSimpleProtocol)
	return err
}

func (s *postgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	s.db.Close()
	return nil
}

const pgLoopCols = `id, title, color, created_at, window_start_ms, window_end_ms, active_days, repeat_interval_ms, enabled`

func scanPGLoop(row pgx.Row) (loop.Loop, error) {
	var (
		l                       loop.Loop
		id, color               int64
		startMS, endMS, everyMS int64
		days                    int16
	)
	if err := row.Scan(&id, &l.Title, &color, &l.CreatedAt, &startMS, &endMS, &days, &everyMS, &l.Enabled); err != nil {
		return loop.Loop{}, err
	}
	l.ID = loop.ID(id)
	l.Color = uint32(color)
	l.WindowStart = time.Duration(startMS) * time.Millisecond
	l.WindowEnd = time.Duration(endMS) * time.Millisecond
	l.ActiveDays = loop.DayMask(days)
	l.RepeatInterval = time.Duration(everyMS) * time.Millisecond
	return l, nil
}

func (s *postgresStore) ListLoops(ctx context.Context) ([]loop.Loop, error) {
	rows, err := s.db.Query(ctx, `SELECT `+pgLoopCols+` FROM loops ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []loop.Loop
	for rows.Next() {
		l, err := scanPGLoop(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *postgresStore) GetLoop(ctx context.Context, id loop.ID) (loop.Loop, error) {
	l, err := scanPGLoop(s.db.QueryRow(ctx, `SELECT `+pgLoopCols+` FROM loops WHERE id = $1`, int64(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return loop.Loop{}, fmt.Errorf("loop %d: %w", id, ErrNotFound)
	}
	return l, err
}

func (s *postgresStore) UpsertLoop(ctx context.Context, l loop.Loop) (loop.Loop, error) {
	if l.ID == 0 {
		var id int64
		err := s.db.QueryRow(ctx, `
			INSERT INTO loops (title, color, created_at, window_start_ms, window_end_ms, active_days, repeat_interval_ms, enabled)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING id`,
			l.Title, int64(l.Color), l.CreatedAt, l.WindowStart.Milliseconds(), l.WindowEnd.Milliseconds(),
			int16(l.ActiveDays), l.RepeatInterval.Milliseconds(), l.Enabled,
		).Scan(&id)
		if err != nil {
			return loop.Loop{}, err
		}
		l.ID = loop.ID(id)
		return l, nil
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return loop.Loop{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO loops (id, title, color, created_at, window_start_ms, window_end_ms, active_days, repeat_interval_ms, enabled)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title,
			color = EXCLUDED.color,
			created_at = EXCLUDED.created_at,
			window_start_ms = EXCLUDED.window_start_ms,
			window_end_ms = EXCLUDED.window_end_ms,
			active_days = EXCLUDED.active_days,
			repeat_interval_ms = EXCLUDED.repeat_interval_ms,
			enabled = EXCLUDED.enabled`,
		int64(l.ID), l.Title, int64(l.Color), l.CreatedAt, l.WindowStart.Milliseconds(), l.WindowEnd.Milliseconds(),
		int16(l.ActiveDays), l.RepeatInterval.Milliseconds(), l.Enabled,
	)
	if err != nil {
		return loop.Loop{}, err
	}
	// Explicit ids bypass the sequence; keep it ahead of the max id.
	_, err = tx.Exec(ctx, `SELECT setval(pg_get_serial_sequence('loops', 'id'), GREATEST((SELECT MAX(id) FROM loops), 1))`)
	if err != nil {
		return loop.Loop{}, err
	}
	return l, tx.Commit(ctx)
}

func (s *postgresStore) SetLoopEnabled(ctx context.Context, id loop.ID, enabled bool) error {
	tag, err := s.db.Exec(ctx, `UPDATE loops SET enabled = $1 WHERE id = $2`, enabled, int64(id))
	return pgAffected(tag, err, id)
}

func (s *postgresStore) DeleteLoop(ctx context.Context, id loop.ID) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM loops WHERE id = $1`, int64(id))
	return pgAffected(tag, err, id)
}

func pgAffected(tag pgconn.CommandTag, err error, id loop.ID) error {
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("loop %d: %w", id, ErrNotFound)
	}
	return nil
}

func dayDate(d loop.Day) time.Time { return d.Start(time.UTC) }

func (s *postgresStore) InsertResponseIfAbsent(ctx context.Context, r loop.Response) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		INSERT INTO responses (loop_id, day, state, updated_at)
		SELECT $1::bigint, $2::date, $3::smallint, $4::timestamptz WHERE EXISTS (SELECT 1 FROM loops WHERE id = $1)
		ON CONFLICT (loop_id, day) DO NOTHING`,
		int64(r.LoopID), dayDate(r.Day), int16(r.State), updatedAt(r))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *postgresStore) PutResponse(ctx context.Context, r loop.Response) error {
	tag, err := s.db.Exec(ctx, `
		INSERT INTO responses (loop_id, day, state, updated_at)
		SELECT $1::bigint, $2::date, $3::smallint, $4::timestamptz WHERE EXISTS (SELECT 1 FROM loops WHERE id = $1)
		ON CONFLICT (loop_id, day) DO UPDATE SET state = EXCLUDED.state, updated_at = EXCLUDED.updated_at`,
		int64(r.LoopID), dayDate(r.Day), int16(r.State), updatedAt(r))
	return pgAffected(tag, err, r.LoopID)
}

func (s *postgresStore) GetResponse(ctx context.Context, id loop.ID, day loop.Day) (loop.Response, bool, error) {
	var state int16
	var at time.Time
	err := s.db.QueryRow(ctx,
		`SELECT state, updated_at FROM responses WHERE loop_id = $1 AND day = $2`,
		int64(id), dayDate(day)).Scan(&state, &at)
	if errors.Is(err, pgx.ErrNoRows) {
		return loop.Response{}, false, nil
	}
	if err != nil {
		return loop.Response{}, false, err
	}
	return loop.Response{LoopID: id, Day: day, State: loop.ResponseState(state), UpdatedAt: at}, true, nil
}

func (s *postgresStore) ListResponses(ctx context.Context, id loop.ID, from, to loop.Day) ([]loop.Response, error) {
	rows, err := s.db.Query(ctx, `
		SELECT day, state, updated_at FROM responses
		WHERE loop_id = $1 AND day BETWEEN $2 AND $3
		ORDER BY day`,
		int64(id), dayDate(from), dayDate(to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []loop.Response
	for rows.Next() {
		var (
			d     time.Time
			state int16
			at    time.Time
		)
		if err := rows.Scan(&d, &state, &at); err != nil {
			return nil, err
		}
		out = append(out, loop.Response{LoopID: id, Day: loop.DayOf(d.UTC()), State: loop.ResponseState(state), UpdatedAt: at})
	}
	return out, rows.Err()
}

func (s *postgresStore) GetMeta(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRow(ctx, `SELECT value FROM meta WHERE key = $1`, key).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *postgresStore) PutMeta(ctx context.Context, key, value string) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO meta (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`, key, value)
	return err
}

func (s *postgresStore) PutTimer(ctx context.Context, t Timer) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO timers (key, at, payload) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET at = EXCLUDED.at, payload = EXCLUDED.payload`,
		t.Key, t.At, t.Payload)
	return err
}

func (s *postgresStore) DeleteTimer(ctx context.Context, key string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM timers WHERE key = $1`, key)
	return err
}

func (s *postgresStore) ListTimers(ctx context.Context) ([]Timer, error) {
	rows, err := s.db.Query(ctx, `SELECT key, at, payload FROM timers ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Timer
	for rows.Next() {
		var t Timer
		if err := rows.Scan(&t.Key, &t.At, &t.Payload); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *postgresStore) PutJob(ctx context.Context, j Job) error {
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now()
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO jobs (id, kind, key, payload, created_at) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET kind = EXCLUDED.kind, key = EXCLUDED.key, payload = EXCLUDED.payload`,
		j.ID, j.Kind, j.Key, j.Payload, j.CreatedAt)
	return err
}

func (s *postgresStore) DeleteJob(ctx context.Context, id string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, id)
	return err
}

func (s *postgresStore) ListJobs(ctx context.Context) ([]Job, error) {
	rows, err := s.db.Query(ctx, `SELECT id, kind, key, payload, created_at FROM jobs ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Job
	for rows.Next() {
		var j Job
		if err := rows.Scan(&j.ID, &j.Kind, &j.Key, &j.Payload, &j.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *postgresStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO dedup (key, until) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET until = EXCLUDED.until`, key, until)
	return err
}

func (s *postgresStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, nil
	}
	var until time.Time
	err := s.db.QueryRow(ctx, `SELECT until FROM dedup WHERE key = $1`, key).Scan(&until)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return until, true, nil
}
