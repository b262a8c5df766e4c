package admin

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plugd/internal/plugin"
	logx "plugd/pkg/logx"
)

func TestServerStartStop(t *testing.T) {
	m := plugin.NewManager(plugin.Options{})
	t.Cleanup(func() { m.Shutdown(context.Background()) })

	s := NewServer(Config{Enabled: true, Addr: "127.0.0.1:0", Pprof: true}, Deps{Manager: m}, logx.Nop())
	started := s.Started()
	s.Start(context.Background())
	s.Start(context.Background())

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("admin server did not start")
	}
	addr := s.Addr()
	require.NotEmpty(t, addr)

	for _, path := range []string{"/live", "/api/plugins", "/debug/pprof/"} {
		resp, err := http.Get("http://" + addr + path)
		require.NoError(t, err, path)
		_ = resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)
	assert.Empty(t, s.Addr())
	assert.Nil(t, s.Supervisor())
}

func TestServerRefusesInsecureBind(t *testing.T) {
	s := NewServer(Config{Enabled: true, Addr: "0.0.0.0:0"}, Deps{}, logx.Nop())
	err := s.serveOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insecure")
}

func TestNeedsRestart(t *testing.T) {
	t.Parallel()
	base := Config{Enabled: true, Addr: "127.0.0.1:1"}
	assert.False(t, needsRestart(base, base))

	tok := base
	tok.Token = "x"
	assert.True(t, needsRestart(base, tok))

	prof := base
	prof.Pprof = true
	assert.True(t, needsRestart(base, prof))
}

func TestReconfigureDisabledIsNoop(t *testing.T) {
	s := NewServer(Config{}, Deps{}, logx.Nop())
	s.Reconfigure(context.Background(), Config{Enabled: false})
	assert.Nil(t, s.Supervisor())
}
