package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	logx "plugd/pkg/logx"
)

type storeSuite struct {
	suite.Suite
	open  func(t *testing.T) Store
	store Store
	ctx   context.Context
}

func (s *storeSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = s.open(s.T())
}

func (s *storeSuite) TearDownTest() {
	s.Require().NoError(s.store.Close())
}

func (s *storeSuite) createPlugin(id string) PluginRecord {
	p, err := s.store.CreatePlugin(s.ctx, PluginRecord{ID: id, Module: "echo", Config: map[string]any{"prefix": ">"}})
	s.Require().NoError(err)
	return p
}

func (s *storeSuite) TestPluginCRUD() {
	p := s.createPlugin("echo")
	s.Equal(StatusInactive, p.Status)
	s.Equal("echo", p.Name)

	_, err := s.store.CreatePlugin(s.ctx, PluginRecord{ID: "echo", Module: "echo"})
	s.ErrorIs(err, ErrConflict)

	got, err := s.store.GetPlugin(s.ctx, "echo")
	s.Require().NoError(err)
	s.Equal(">", got.Config["prefix"])

	upd, err := s.store.UpdatePlugin(s.ctx, PluginRecord{ID: "echo", Name: "Echo", Config: map[string]any{"prefix": "!"}})
	s.Require().NoError(err)
	s.Equal("Echo", upd.Name)
	s.Equal("echo", upd.Module)

	list, err := s.store.ListPlugins(s.ctx)
	s.Require().NoError(err)
	s.Len(list, 1)

	s.Require().NoError(s.store.DeletePlugin(s.ctx, "echo"))
	_, err = s.store.GetPlugin(s.ctx, "echo")
	s.ErrorIs(err, ErrNotFound)
	s.ErrorIs(s.store.DeletePlugin(s.ctx, "echo"), ErrNotFound)
}

func (s *storeSuite) TestLoadAndErrorBookkeeping() {
	s.createPlugin("echo")
	s.Require().NoError(s.store.RecordPluginError(s.ctx, "echo", "boom"))
	s.Require().NoError(s.store.UpdatePluginStatus(s.ctx, "echo", StatusError, "boom"))

	p, err := s.store.GetPlugin(s.ctx, "echo")
	s.Require().NoError(err)
	s.Equal(StatusError, p.Status)
	s.Equal(int64(1), p.ErrorCount)
	s.Equal("boom", p.LastError)

	at := time.Now()
	s.Require().NoError(s.store.RecordPluginLoad(s.ctx, "echo", at))
	p, err = s.store.GetPlugin(s.ctx, "echo")
	s.Require().NoError(err)
	s.Equal(StatusActive, p.Status)
	s.Equal(int64(1), p.LoadCount)
	s.Empty(p.LastError)
	s.WithinDuration(at, p.LastLoaded, time.Millisecond)

	s.ErrorIs(s.store.RecordPluginLoad(s.ctx, "missing", at), ErrNotFound)
}

func (s *storeSuite) TestCountPluginErrorKeepsLastError() {
	s.createPlugin("echo")
	s.Require().NoError(s.store.RecordPluginError(s.ctx, "echo", "initialize: boom"))
	s.Require().NoError(s.store.CountPluginError(s.ctx, "echo"))

	p, err := s.store.GetPlugin(s.ctx, "echo")
	s.Require().NoError(err)
	s.Equal(int64(2), p.ErrorCount)
	s.Equal("initialize: boom", p.LastError)

	s.ErrorIs(s.store.CountPluginError(s.ctx, "missing"), ErrNotFound)
}

func (s *storeSuite) TestHooks() {
	s.createPlugin("echo")
	h1, err := s.store.CreateHook(s.ctx, HookRecord{PluginID: "echo", Hook: "message", Method: "on_message", Priority: 5, Active: true})
	s.Require().NoError(err)
	s.NotEmpty(h1.ID)
	_, err = s.store.CreateHook(s.ctx, HookRecord{PluginID: "echo", Hook: "tick", Method: "on_tick", Active: false})
	s.Require().NoError(err)
	_, err = s.store.CreateHook(s.ctx, HookRecord{PluginID: "ghost", Hook: "x", Method: "y"})
	s.ErrorIs(err, ErrNotFound)

	all, err := s.store.ListHooks(s.ctx, "echo")
	s.Require().NoError(err)
	s.Len(all, 2)
	active, err := s.store.ListActiveHooks(s.ctx, "echo")
	s.Require().NoError(err)
	s.Require().Len(active, 1)
	s.Equal("message", active[0].Hook)

	now := time.Now()
	s.Require().NoError(s.store.UpdateHookStats(s.ctx, h1.ID, HookStats{ExecutionCount: 3, AvgExecutionTime: 4 * time.Millisecond, LastExecuted: now}))
	all, err = s.store.ListHooks(s.ctx, "echo")
	s.Require().NoError(err)
	for _, h := range all {
		if h.ID == h1.ID {
			s.Equal(int64(3), h.ExecutionCount)
			s.Equal(4*time.Millisecond, h.AvgExecutionTime)
		}
	}

	s.Require().NoError(s.store.SetHookActive(s.ctx, h1.ID, false))
	active, err = s.store.ListActiveHooks(s.ctx, "echo")
	s.Require().NoError(err)
	s.Empty(active)

	s.Require().NoError(s.store.DeleteHook(s.ctx, h1.ID))
	s.ErrorIs(s.store.DeleteHook(s.ctx, h1.ID), ErrNotFound)
}

func (s *storeSuite) TestLogsNewestFirstAndPrune() {
	s.createPlugin("echo")
	base := time.Now().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		s.Require().NoError(s.store.AppendLog(s.ctx, LogRecord{
			PluginID: "echo", Level: LogError, Message: "m", At: base.Add(time.Duration(i) * time.Minute),
			Context: map[string]any{"i": i},
		}))
	}
	logs, err := s.store.ListLogs(s.ctx, "echo", 2)
	s.Require().NoError(err)
	s.Require().Len(logs, 2)
	s.True(logs[0].At.After(logs[1].At))
	s.NotEmpty(logs[0].ID)

	n, err := s.store.PruneLogs(s.ctx, base.Add(90*time.Second))
	s.Require().NoError(err)
	s.Equal(int64(2), n)
	logs, err = s.store.ListLogs(s.ctx, "", 0)
	s.Require().NoError(err)
	s.Len(logs, 1)
}

func (s *storeSuite) TestDedup() {
	until := time.Now().Add(time.Minute)
	s.Require().NoError(s.store.PutDedup(s.ctx, "k", until))
	got, ok, err := s.store.GetDedup(s.ctx, "k")
	s.Require().NoError(err)
	s.True(ok)
	s.WithinDuration(until, got, time.Millisecond)

	_, ok, err = s.store.GetDedup(s.ctx, "missing")
	s.Require().NoError(err)
	s.False(ok)
	s.NoError(s.store.Ping(s.ctx))
}

func TestMemoryStore(t *testing.T) {
	suite.Run(t, &storeSuite{open: func(t *testing.T) Store { return NewMemory() }})
}

func TestSQLiteStore(t *testing.T) {
	suite.Run(t, &storeSuite{open: func(t *testing.T) Store {
		st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "plugd.db")}, logx.Nop())
		if err != nil {
			t.Fatalf("open sqlite: %v", err)
		}
		return st
	}})
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(Config{Driver: "cassandra"}, logx.Nop())
	if err == nil {
		t.Fatal("expected error for unknown driver")
	}
}
