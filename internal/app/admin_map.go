package app

import (
	"fmt"
	"net"
	"strings"
	"time"

	"plugd/internal/admin"
	"plugd/internal/config"
)

// mapAdminConfig validates and converts the admin section. It never starts
// the server.
func mapAdminConfig(cfg *config.Config) (admin.Config, error) {
	if cfg == nil {
		return admin.Config{}, nil
	}
	ac := cfg.Admin
	out := admin.Config{
		Enabled:       ac.Enabled,
		Addr:          strings.TrimSpace(ac.Addr),
		Token:         strings.TrimSpace(ac.Token),
		AllowInsecure: ac.AllowInsecure,
		Pprof:         ac.Pprof,
		ReadTimeout:   15 * time.Second,
		WriteTimeout:  60 * time.Second,
		IdleTimeout:   120 * time.Second,
	}
	if out.Addr == "" {
		out.Addr = "127.0.0.1:8080"
	}
	if _, _, err := net.SplitHostPort(out.Addr); err != nil {
		return admin.Config{}, fmt.Errorf("admin.addr: invalid %q: %w", out.Addr, err)
	}
	return out, nil
}
