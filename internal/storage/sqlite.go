package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	logx "plugd/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, pruneEvery: 500}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const pluginCols = `id, name, module, status, config, load_count, error_count, last_error, last_loaded, created_at, updated_at`

type rowScanner interface{ Scan(dest ...any) error }

func scanPlugin(r rowScanner) (PluginRecord, error) {
	var (
		p          PluginRecord
		status     string
		cfg        sql.NullString
		lastErr    sql.NullString
		lastLoaded sql.NullInt64
		created    int64
		updated    int64
	)
	if err := r.Scan(&p.ID, &p.Name, &p.Module, &status, &cfg, &p.LoadCount, &p.ErrorCount, &lastErr, &lastLoaded, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return PluginRecord{}, ErrNotFound
		}
		return PluginRecord{}, err
	}
	p.Status = PluginStatus(status)
	p.LastError = lastErr.String
	if lastLoaded.Valid {
		p.LastLoaded = time.UnixMilli(lastLoaded.Int64)
	}
	p.CreatedAt = time.UnixMilli(created)
	p.UpdatedAt = time.UnixMilli(updated)
	if cfg.Valid && cfg.String != "" {
		if err := json.Unmarshal([]byte(cfg.String), &p.Config); err != nil {
			return PluginRecord{}, fmt.Errorf("plugin %s: decode config: %w", p.ID, err)
		}
	}
	return p, nil
}

func (s *sqliteStore) CreatePlugin(ctx context.Context, p PluginRecord) (PluginRecord, error) {
	p, err := prepPlugin(p, time.Now())
	if err != nil {
		return PluginRecord{}, err
	}
	cfg, err := encodeMap(p.Config)
	if err != nil {
		return PluginRecord{}, err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO plugins(`+pluginCols+`) VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.Name, p.Module, string(p.Status), cfg, p.LoadCount, p.ErrorCount,
		nullStr(p.LastError), nullMillis(p.LastLoaded), p.CreatedAt.UnixMilli(), p.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return PluginRecord{}, ErrConflict
		}
		return PluginRecord{}, err
	}
	return p, nil
}

func (s *sqliteStore) GetPlugin(ctx context.Context, id string) (PluginRecord, error) {
	return scanPlugin(s.db.QueryRowContext(ctx, `SELECT `+pluginCols+` FROM plugins WHERE id = ?`, id))
}

func (s *sqliteStore) ListPlugins(ctx context.Context) ([]PluginRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+pluginCols+` FROM plugins ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]PluginRecord, 0, 8)
	for rows.Next() {
		p, err := scanPlugin(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *sqliteStore) UpdatePlugin(ctx context.Context, p PluginRecord) (PluginRecord, error) {
	cur, err := s.GetPlugin(ctx, p.ID)
	if err != nil {
		return PluginRecord{}, err
	}
	if p.Name != "" {
		cur.Name = p.Name
	}
	if p.Module != "" {
		cur.Module = p.Module
	}
	if p.Config != nil {
		cur.Config = p.Config
	}
	cur.UpdatedAt = time.Now()
	cfg, err := encodeMap(cur.Config)
	if err != nil {
		return PluginRecord{}, err
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE plugins SET name = ?, module = ?, config = ?, updated_at = ? WHERE id = ?`,
		cur.Name, cur.Module, cfg, cur.UpdatedAt.UnixMilli(), cur.ID,
	)
	if err != nil {
		return PluginRecord{}, err
	}
	return cur, nil
}

func (s *sqliteStore) DeletePlugin(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM plugins WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM plugin_hooks WHERE plugin_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM plugin_logs WHERE plugin_id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) execOne(ctx context.Context, q string, args ...any) error {
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) UpdatePluginStatus(ctx context.Context, id string, status PluginStatus, lastError string) error {
	now := time.Now().UnixMilli()
	if lastError == "" {
		return s.execOne(ctx, `UPDATE plugins SET status = ?, updated_at = ? WHERE id = ?`, string(status), now, id)
	}
	return s.execOne(ctx, `UPDATE plugins SET status = ?, last_error = ?, updated_at = ? WHERE id = ?`, string(status), lastError, now, id)
}

func (s *sqliteStore) RecordPluginLoad(ctx context.Context, id string, at time.Time) error {
	return s.execOne(ctx,
		`UPDATE plugins SET status = ?, load_count = load_count + 1, last_loaded = ?, last_error = NULL, updated_at = ? WHERE id = ?`,
		string(StatusActive), at.UnixMilli(), time.Now().UnixMilli(), id,
	)
}

func (s *sqliteStore) RecordPluginError(ctx context.Context, id, msg string) error {
	return s.execOne(ctx,
		`UPDATE plugins SET error_count = error_count + 1, last_error = ?, updated_at = ? WHERE id = ?`,
		msg, time.Now().UnixMilli(), id,
	)
}

func (s *sqliteStore) CountPluginError(ctx context.Context, id string) error {
	return s.execOne(ctx,
		`UPDATE plugins SET error_count = error_count + 1, updated_at = ? WHERE id = ?`,
		time.Now().UnixMilli(), id,
	)
}

const hookCols = `id, plugin_id, hook, method, priority, active, execution_count, avg_exec_ns, last_executed, created_at`

func scanHook(r rowScanner) (HookRecord, error) {
	var (
		h       HookRecord
		active  int
		avg     int64
		last    sql.NullInt64
		created int64
	)
	if err := r.Scan(&h.ID, &h.PluginID, &h.Hook, &h.Method, &h.Priority, &active, &h.ExecutionCount, &avg, &last, &created); err != nil {
		return HookRecord{}, err
	}
	h.Active = active != 0
	h.AvgExecutionTime = time.Duration(avg)
	if last.Valid {
		h.LastExecuted = time.UnixMilli(last.Int64)
	}
	h.CreatedAt = time.UnixMilli(created)
	return h, nil
}

func (s *sqliteStore) CreateHook(ctx context.Context, h HookRecord) (HookRecord, error) {
	h, err := prepHook(h, time.Now())
	if err != nil {
		return HookRecord{}, err
	}
	if _, err := s.GetPlugin(ctx, h.PluginID); err != nil {
		return HookRecord{}, err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO plugin_hooks(`+hookCols+`) VALUES(?,?,?,?,?,?,?,?,?,?)`,
		h.ID, h.PluginID, h.Hook, h.Method, h.Priority, boolInt(h.Active), h.ExecutionCount,
		int64(h.AvgExecutionTime), nullMillis(h.LastExecuted), h.CreatedAt.UnixMilli(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return HookRecord{}, ErrConflict
		}
		return HookRecord{}, err
	}
	return h, nil
}

func (s *sqliteStore) queryHooks(ctx context.Context, q string, args ...any) ([]HookRecord, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]HookRecord, 0, 4)
	for rows.Next() {
		h, err := scanHook(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ListHooks(ctx context.Context, pluginID string) ([]HookRecord, error) {
	return s.queryHooks(ctx, `SELECT `+hookCols+` FROM plugin_hooks WHERE plugin_id = ? ORDER BY created_at, id`, pluginID)
}

func (s *sqliteStore) ListActiveHooks(ctx context.Context, pluginID string) ([]HookRecord, error) {
	return s.queryHooks(ctx, `SELECT `+hookCols+` FROM plugin_hooks WHERE plugin_id = ? AND active = 1 ORDER BY created_at, id`, pluginID)
}

func (s *sqliteStore) SetHookActive(ctx context.Context, id string, active bool) error {
	return s.execOne(ctx, `UPDATE plugin_hooks SET active = ? WHERE id = ?`, boolInt(active), id)
}

func (s *sqliteStore) DeleteHook(ctx context.Context, id string) error {
	return s.execOne(ctx, `DELETE FROM plugin_hooks WHERE id = ?`, id)
}

func (s *sqliteStore) UpdateHookStats(ctx context.Context, id string, st HookStats) error {
	return s.execOne(ctx,
		`UPDATE plugin_hooks SET execution_count = ?, avg_exec_ns = ?, last_executed = ? WHERE id = ?`,
		st.ExecutionCount, int64(st.AvgExecutionTime), nullMillis(st.LastExecuted), id,
	)
}

func (s *sqliteStore) AppendLog(ctx context.Context, e LogRecord) error {
	e = prepLog(e)
	ctxJSON, err := encodeMap(e.Context)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO plugin_logs(id, plugin_id, level, message, stack, hook, context, at) VALUES(?,?,?,?,?,?,?,?)`,
		e.ID, e.PluginID, string(e.Level), e.Message, nullStr(e.Stack), nullStr(e.Hook), ctxJSON, e.At.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) ListLogs(ctx context.Context, pluginID string, limit int) ([]LogRecord, error) {
	if limit <= 0 {
		limit = defaultLogLimit
	}
	q := `SELECT id, plugin_id, level, message, stack, hook, context, at FROM plugin_logs`
	args := []any{}
	if pluginID != "" {
		q += ` WHERE plugin_id = ?`
		args = append(args, pluginID)
	}
	q += ` ORDER BY at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]LogRecord, 0, 16)
	for rows.Next() {
		var (
			e     LogRecord
			level string
			stack sql.NullString
			hook  sql.NullString
			cj    sql.NullString
			at    int64
		)
		if err := rows.Scan(&e.ID, &e.PluginID, &level, &e.Message, &stack, &hook, &cj, &at); err != nil {
			return nil, err
		}
		e.Level = LogLevel(level)
		e.Stack = stack.String
		e.Hook = hook.String
		e.At = time.UnixMilli(at)
		if cj.Valid && cj.String != "" {
			_ = json.Unmarshal([]byte(cj.String), &e.Context)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PruneLogs(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM plugin_logs WHERE at < ?`, before.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
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
		_, _ = s.db.ExecContext(pctx, `DELETE FROM dedup WHERE until < ?`, time.Now().UnixMilli())
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

func encodeMap(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullMillis(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate entry")
}
