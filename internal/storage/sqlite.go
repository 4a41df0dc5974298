package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"forgewatch/internal/delegate"
	logx "forgewatch/pkg/logx"
)

//go:embed migrations.sql
var migrationsSQL string

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
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection: SQLite serializes writers anyway and pragmas are
	// per-connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = time.Second
	}
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			log.Warn("sqlite pragma failed", logx.String("pragma", p), logx.Err(err))
		}
	}

	if _, err := db.Exec(migrationsSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return &sqliteStore{db: db, log: log, pruneEvery: 500}, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) LoadStreaks(ctx context.Context) (delegate.States, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, consecutive_missed, consecutive_produced,
		last_notified_at_streak, baseline_missed, baseline_produced, absent_cycles FROM streaks`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := delegate.States{}
	for rows.Next() {
		var st delegate.StreakState
		if err := rows.Scan(&st.Name, &st.ConsecutiveMissed, &st.ConsecutiveProduced,
			&st.LastNotifiedAtStreak, &st.BaselineMissed, &st.BaselineProduced, &st.AbsentCycles); err != nil {
			return nil, err
		}
		out[st.Name] = st
	}
	return out, rows.Err()
}

// SaveStreaks replaces every row in one transaction.
func (s *sqliteStore) SaveStreaks(ctx context.Context, states delegate.States) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM streaks`); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO streaks(name, consecutive_missed, consecutive_produced,
		last_notified_at_streak, baseline_missed, baseline_produced, absent_cycles) VALUES(?,?,?,?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for name, st := range states {
		if _, err = stmt.ExecContext(ctx, name, st.ConsecutiveMissed, st.ConsecutiveProduced,
			st.LastNotifiedAtStreak, st.BaselineMissed, st.BaselineProduced, st.AbsentCycles); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) PutIdentity(ctx context.Context, id delegate.ChatIdentity) error {
	if strings.TrimSpace(id.ID) == "" {
		return errors.New("identity id is empty")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO identities(id, login_name, full_name, display_name) VALUES(?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET login_name=excluded.login_name,
		   full_name=excluded.full_name, display_name=excluded.display_name`,
		id.ID, id.LoginName, id.FullName, id.DisplayName,
	)
	return err
}

func (s *sqliteStore) ListIdentities(ctx context.Context) ([]delegate.ChatIdentity, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, login_name, full_name, display_name FROM identities ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []delegate.ChatIdentity
	for rows.Next() {
		var c delegate.ChatIdentity
		if err := rows.Scan(&c.ID, &c.LoginName, &c.FullName, &c.DisplayName); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, actor_id, actor_username, chat_id, command, args, ok, err, took_ms)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		e.At.Format(time.RFC3339Nano), e.ActorID, nullStr(e.ActorUsername), e.ChatID,
		e.Command, nullStr(e.Args), e.OK, nullStr(e.Error), e.TookMS,
	)
	return err
}

func (s *sqliteStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until=excluded.until`,
		key, until.UnixMilli(),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		if perr := s.pruneExpired(pctx); perr != nil {
			s.log.Debug("dedup prune failed", logx.Err(perr))
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

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
