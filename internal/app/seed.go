package app

import (
	"context"
	"errors"
	"maps"
	"reflect"
	"sort"

	"plugd/internal/config"
	"plugd/internal/plugin"
	"plugd/internal/storage"
	logx "plugd/pkg/logx"
)

// seedPlugins reconciles the plugins section with the store. Missing
// records are created, changed module, name or config is written back, and
// configured hooks absent from the store are added. Hooks added through the
// admin surface are left alone. It returns the ids marked enabled, sorted.
func seedPlugins(ctx context.Context, m *plugin.Manager, plugins map[string]config.PluginConfigRaw, log logx.Logger) ([]string, error) {
	st := m.Store()
	ids := make([]string, 0, len(plugins))
	for id := range plugins {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var enabled []string
	var errs []error
	for _, id := range ids {
		pc := plugins[id]
		if err := seedRecord(ctx, st, id, pc); err != nil {
			log.Warn("plugin seed failed", logx.String("plugin", id), logx.Err(err))
			errs = append(errs, err)
			continue
		}
		if err := seedHooks(ctx, m, id, pc.Hooks); err != nil {
			log.Warn("hook seed failed", logx.String("plugin", id), logx.Err(err))
			errs = append(errs, err)
		}
		if pc.Enabled {
			enabled = append(enabled, id)
		}
	}
	return enabled, errors.Join(errs...)
}

func seedRecord(ctx context.Context, st storage.Store, id string, pc config.PluginConfigRaw) error {
	cur, err := st.GetPlugin(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		_, err = st.CreatePlugin(ctx, storage.PluginRecord{ID: id, Name: pc.Name, Module: pc.Module, Config: maps.Clone(pc.Config)})
		return err
	}
	if err != nil {
		return err
	}
	upd := storage.PluginRecord{ID: id}
	dirty := false
	if pc.Module != "" && pc.Module != cur.Module {
		upd.Module, dirty = pc.Module, true
	}
	if pc.Name != "" && pc.Name != cur.Name {
		upd.Name, dirty = pc.Name, true
	}
	if pc.Config != nil && !reflect.DeepEqual(pc.Config, cur.Config) {
		upd.Config, dirty = maps.Clone(pc.Config), true
	}
	if !dirty {
		return nil
	}
	_, err = st.UpdatePlugin(ctx, upd)
	return err
}

func seedHooks(ctx context.Context, m *plugin.Manager, id string, hooks []config.HookConfig) error {
	if len(hooks) == 0 {
		return nil
	}
	existing, err := m.Store().ListHooks(ctx, id)
	if err != nil {
		return err
	}
	type key struct{ hook, method string }
	have := make(map[key]storage.HookRecord, len(existing))
	for _, h := range existing {
		have[key{h.Hook, h.Method}] = h
	}
	var errs []error
	for _, h := range hooks {
		k := key{h.Hook, h.Method}
		if cur, ok := have[k]; ok {
			if cur.Active != h.IsActive() {
				errs = append(errs, m.SetHookActive(ctx, id, cur.ID, h.IsActive()))
			}
			continue
		}
		_, err := m.AddHook(ctx, storage.HookRecord{
			PluginID: id, Hook: h.Hook, Method: h.Method, Priority: h.Priority, Active: h.IsActive(),
		})
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// applyPluginChanges loads, reloads or unloads the plugins whose config
// block changed.
func applyPluginChanges(ctx context.Context, m *plugin.Manager, oldCfg, newCfg *config.Config, changed []string, log logx.Logger) {
	if len(changed) == 0 {
		return
	}
	if _, err := seedPlugins(ctx, m, newCfg.Plugins, log); err != nil {
		log.Warn("plugin reconcile incomplete", logx.Err(err))
	}
	for _, id := range changed {
		was := oldCfg.Plugins[id].Enabled
		now, present := newCfg.Plugins[id]
		var err error
		switch {
		case present && now.Enabled && m.IsLoaded(id):
			err = m.Reload(ctx, id)
		case present && now.Enabled:
			err = m.Load(ctx, id)
		case was && m.IsLoaded(id):
			err = m.Unload(ctx, id)
		}
		if err != nil {
			log.Warn("plugin config change not applied", logx.String("plugin", id), logx.Err(err))
		}
	}
}
