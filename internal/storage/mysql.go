package storage

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	logx "plugd/pkg/logx"
)

type gormPlugin struct {
	ID         string `gorm:"primaryKey;size:64"`
	Name       string `gorm:"size:255;not null"`
	Module     string `gorm:"size:255;not null"`
	Status     string `gorm:"size:16;not null;default:inactive;index"`
	Config     string `gorm:"type:text"`
	LoadCount  int64  `gorm:"not null;default:0"`
	ErrorCount int64  `gorm:"not null;default:0"`
	LastError  string `gorm:"type:text"`
	LastLoaded *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (gormPlugin) TableName() string { return "plugins" }

type gormHook struct {
	ID             string `gorm:"primaryKey;size:64"`
	PluginID       string `gorm:"size:64;not null;index"`
	Hook           string `gorm:"size:255;not null;index"`
	Method         string `gorm:"size:255;not null"`
	Priority       int    `gorm:"not null;default:0"`
	Active         bool   `gorm:"not null;default:true"`
	ExecutionCount int64  `gorm:"not null;default:0"`
	AvgExecNS      int64  `gorm:"column:avg_exec_ns;not null;default:0"`
	LastExecuted   *time.Time
	CreatedAt      time.Time
}

func (gormHook) TableName() string { return "plugin_hooks" }

type gormLog struct {
	ID       string    `gorm:"primaryKey;size:64"`
	PluginID string    `gorm:"size:64;not null;index:idx_plugin_logs_plugin_at,priority:1"`
	Level    string    `gorm:"size:16;not null"`
	Message  string    `gorm:"type:text;not null"`
	Stack    string    `gorm:"type:text"`
	Hook     string    `gorm:"size:255"`
	Context  string    `gorm:"type:text"`
	At       time.Time `gorm:"not null;index;index:idx_plugin_logs_plugin_at,priority:2"`
}

func (gormLog) TableName() string { return "plugin_logs" }

type gormDedup struct {
	Key   string    `gorm:"column:dedup_key;primaryKey;size:255"`
	Until time.Time `gorm:"column:until_at;not null;index"`
}

func (gormDedup) TableName() string { return "dedup" }

type mysqlStore struct {
	db  *gorm.DB
	log logx.Logger
}

func openMySQL(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("mysql dsn is required")
	}
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&gormPlugin{}, &gormHook{}, &gormLog{}, &gormDedup{}); err != nil {
		return nil, err
	}
	log.Debug("mysql store opened")
	return &mysqlStore{db: db, log: log}, nil
}

func (s *mysqlStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *mysqlStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func toGormPlugin(p PluginRecord) (gormPlugin, error) {
	g := gormPlugin{
		ID: p.ID, Name: p.Name, Module: p.Module, Status: string(p.Status),
		LoadCount: p.LoadCount, ErrorCount: p.ErrorCount, LastError: p.LastError,
		CreatedAt: p.CreatedAt, UpdatedAt: p.UpdatedAt,
	}
	if !p.LastLoaded.IsZero() {
		t := p.LastLoaded
		g.LastLoaded = &t
	}
	if len(p.Config) > 0 {
		b, err := json.Marshal(p.Config)
		if err != nil {
			return gormPlugin{}, err
		}
		g.Config = string(b)
	}
	return g, nil
}

func (g gormPlugin) record() (PluginRecord, error) {
	p := PluginRecord{
		ID: g.ID, Name: g.Name, Module: g.Module, Status: PluginStatus(g.Status),
		LoadCount: g.LoadCount, ErrorCount: g.ErrorCount, LastError: g.LastError,
		CreatedAt: g.CreatedAt, UpdatedAt: g.UpdatedAt,
	}
	if g.LastLoaded != nil {
		p.LastLoaded = *g.LastLoaded
	}
	if g.Config != "" {
		if err := json.Unmarshal([]byte(g.Config), &p.Config); err != nil {
			return PluginRecord{}, err
		}
	}
	return p, nil
}

func mapGormErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return ErrConflict
	default:
		return err
	}
}

func (s *mysqlStore) CreatePlugin(ctx context.Context, p PluginRecord) (PluginRecord, error) {
	p, err := prepPlugin(p, time.Now())
	if err != nil {
		return PluginRecord{}, err
	}
	g, err := toGormPlugin(p)
	if err != nil {
		return PluginRecord{}, err
	}
	if err := s.db.WithContext(ctx).Create(&g).Error; err != nil {
		return PluginRecord{}, mapGormErr(err)
	}
	return p, nil
}

func (s *mysqlStore) GetPlugin(ctx context.Context, id string) (PluginRecord, error) {
	var g gormPlugin
	if err := s.db.WithContext(ctx).First(&g, "id = ?", id).Error; err != nil {
		return PluginRecord{}, mapGormErr(err)
	}
	return g.record()
}

func (s *mysqlStore) ListPlugins(ctx context.Context) ([]PluginRecord, error) {
	var rows []gormPlugin
	if err := s.db.WithContext(ctx).Order("id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]PluginRecord, 0, len(rows))
	for _, g := range rows {
		p, err := g.record()
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *mysqlStore) UpdatePlugin(ctx context.Context, p PluginRecord) (PluginRecord, error) {
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
	g, err := toGormPlugin(cur)
	if err != nil {
		return PluginRecord{}, err
	}
	err = s.db.WithContext(ctx).Model(&gormPlugin{}).Where("id = ?", cur.ID).Updates(map[string]any{
		"name": g.Name, "module": g.Module, "config": g.Config, "updated_at": g.UpdatedAt,
	}).Error
	if err != nil {
		return PluginRecord{}, err
	}
	return cur, nil
}

func (s *mysqlStore) DeletePlugin(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("id = ?", id).Delete(&gormPlugin{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		if err := tx.Where("plugin_id = ?", id).Delete(&gormHook{}).Error; err != nil {
			return err
		}
		return tx.Where("plugin_id = ?", id).Delete(&gormLog{}).Error
	})
}

// updateOne applies updates and reports ErrNotFound when no row has that id.
// MySQL reports zero affected rows for no-op updates, so existence is rechecked.
func (s *mysqlStore) updateOne(ctx context.Context, model any, id string, updates map[string]any) error {
	res := s.db.WithContext(ctx).Model(model).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}
	var n int64
	if err := s.db.WithContext(ctx).Model(model).Where("id = ?", id).Count(&n).Error; err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *mysqlStore) UpdatePluginStatus(ctx context.Context, id string, status PluginStatus, lastError string) error {
	u := map[string]any{"status": string(status), "updated_at": time.Now()}
	if lastError != "" {
		u["last_error"] = lastError
	}
	return s.updateOne(ctx, &gormPlugin{}, id, u)
}

func (s *mysqlStore) RecordPluginLoad(ctx context.Context, id string, at time.Time) error {
	return s.updateOne(ctx, &gormPlugin{}, id, map[string]any{
		"status":      string(StatusActive),
		"load_count":  gorm.Expr("load_count + ?", 1),
		"last_loaded": at,
		"last_error":  "",
		"updated_at":  time.Now(),
	})
}

func (s *mysqlStore) RecordPluginError(ctx context.Context, id, msg string) error {
	return s.updateOne(ctx, &gormPlugin{}, id, map[string]any{
		"error_count": gorm.Expr("error_count + ?", 1),
		"last_error":  msg,
		"updated_at":  time.Now(),
	})
}

func (s *mysqlStore) CountPluginError(ctx context.Context, id string) error {
	return s.updateOne(ctx, &gormPlugin{}, id, map[string]any{
		"error_count": gorm.Expr("error_count + ?", 1),
		"updated_at":  time.Now(),
	})
}

func (g gormHook) record() HookRecord {
	h := HookRecord{
		ID: g.ID, PluginID: g.PluginID, Hook: g.Hook, Method: g.Method, Priority: g.Priority,
		Active: g.Active, ExecutionCount: g.ExecutionCount, AvgExecutionTime: time.Duration(g.AvgExecNS),
		CreatedAt: g.CreatedAt,
	}
	if g.LastExecuted != nil {
		h.LastExecuted = *g.LastExecuted
	}
	return h
}

func (s *mysqlStore) CreateHook(ctx context.Context, h HookRecord) (HookRecord, error) {
	h, err := prepHook(h, time.Now())
	if err != nil {
		return HookRecord{}, err
	}
	if _, err := s.GetPlugin(ctx, h.PluginID); err != nil {
		return HookRecord{}, err
	}
	g := gormHook{
		ID: h.ID, PluginID: h.PluginID, Hook: h.Hook, Method: h.Method, Priority: h.Priority,
		Active: h.Active, ExecutionCount: h.ExecutionCount, AvgExecNS: int64(h.AvgExecutionTime),
		CreatedAt: h.CreatedAt,
	}
	// Explicit select so a false Active is written instead of the column default.
	if err := s.db.WithContext(ctx).Select("*").Create(&g).Error; err != nil {
		return HookRecord{}, mapGormErr(err)
	}
	return h, nil
}

func (s *mysqlStore) listHooks(ctx context.Context, pluginID string, activeOnly bool) ([]HookRecord, error) {
	q := s.db.WithContext(ctx).Where("plugin_id = ?", pluginID)
	if activeOnly {
		q = q.Where("active = ?", true)
	}
	var rows []gormHook
	if err := q.Order("created_at, id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]HookRecord, 0, len(rows))
	for _, g := range rows {
		out = append(out, g.record())
	}
	return out, nil
}

func (s *mysqlStore) ListHooks(ctx context.Context, pluginID string) ([]HookRecord, error) {
	return s.listHooks(ctx, pluginID, false)
}

func (s *mysqlStore) ListActiveHooks(ctx context.Context, pluginID string) ([]HookRecord, error) {
	return s.listHooks(ctx, pluginID, true)
}

func (s *mysqlStore) SetHookActive(ctx context.Context, id string, active bool) error {
	return s.updateOne(ctx, &gormHook{}, id, map[string]any{"active": active})
}

func (s *mysqlStore) DeleteHook(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Where("id = ?", id).Delete(&gormHook{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *mysqlStore) UpdateHookStats(ctx context.Context, id string, st HookStats) error {
	u := map[string]any{
		"execution_count": st.ExecutionCount,
		"avg_exec_ns":     int64(st.AvgExecutionTime),
	}
	if !st.LastExecuted.IsZero() {
		u["last_executed"] = st.LastExecuted
	}
	return s.updateOne(ctx, &gormHook{}, id, u)
}

func (s *mysqlStore) AppendLog(ctx context.Context, e LogRecord) error {
	e = prepLog(e)
	g := gormLog{
		ID: e.ID, PluginID: e.PluginID, Level: string(e.Level), Message: e.Message,
		Stack: e.Stack, Hook: e.Hook, At: e.At,
	}
	if len(e.Context) > 0 {
		b, err := json.Marshal(e.Context)
		if err != nil {
			return err
		}
		g.Context = string(b)
	}
	return s.db.WithContext(ctx).Create(&g).Error
}

func (s *mysqlStore) ListLogs(ctx context.Context, pluginID string, limit int) ([]LogRecord, error) {
	if limit <= 0 {
		limit = defaultLogLimit
	}
	q := s.db.WithContext(ctx)
	if pluginID != "" {
		q = q.Where("plugin_id = ?", pluginID)
	}
	var rows []gormLog
	if err := q.Order("at DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]LogRecord, 0, len(rows))
	for _, g := range rows {
		e := LogRecord{
			ID: g.ID, PluginID: g.PluginID, Level: LogLevel(g.Level), Message: g.Message,
			Stack: g.Stack, Hook: g.Hook, At: g.At,
		}
		if g.Context != "" {
			_ = json.Unmarshal([]byte(g.Context), &e.Context)
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *mysqlStore) PruneLogs(ctx context.Context, before time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("at < ?", before).Delete(&gormLog{})
	return res.RowsAffected, res.Error
}

func (s *mysqlStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "dedup_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"until_at"}),
	}).Create(&gormDedup{Key: key, Until: until}).Error
}

func (s *mysqlStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	var g gormDedup
	err := s.db.WithContext(ctx).First(&g, "dedup_key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return g.Until, true, nil
}
