package main

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ironfuel/livechat/internal/config"
	"github.com/ironfuel/livechat/internal/constants"
)

const strongSecret = "k9Vq2xL7pR4mN8wZ3bT6yH1jF5cD0sGa"

// setupEnv configures a memory-backed server on a free port and returns the port.
func setupEnv(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	t.Setenv("JWT_SECRET", strongSecret)
	t.Setenv("STORE_BACKEND", constants.BackendMemory)
	t.Setenv("SERVER_PORT", fmt.Sprint(port))
	t.Setenv("LOG_DIR", t.TempDir())
	t.Setenv("LOG_STDOUT", "false")
	t.Setenv("LOG_LEVEL", "error")
	t.Setenv("LIVECHAT_CONFIG", "")
	return port
}

func TestLoadConfiguration(t *testing.T) {
	t.Run("environment only", func(t *testing.T) {
		port := setupEnv(t)
		cfg, err := loadConfiguration("")
		require.NoError(t, err)
		assert.Equal(t, port, cfg.Server.Port)
		assert.Equal(t, constants.BackendMemory, cfg.Database.Backend)
	})

	t.Run("config file", func(t *testing.T) {
		setupEnv(t)
		t.Setenv("SERVER_PORT", "")
		t.Setenv("STORE_BACKEND", "")
		path := filepath.Join(t.TempDir(), "livechat.toml")
		require.NoError(t, os.WriteFile(path, []byte(`
[server]
port = 9191
path_prefix = "/support"

[database]
backend = "memory"
`), 0o600))

		cfg, err := loadConfiguration(path)
		require.NoError(t, err)
		assert.Equal(t, 9191, cfg.Server.Port)
		assert.Equal(t, "/support", cfg.Server.PathPrefix)
	})

	t.Run("config path from environment", func(t *testing.T) {
		setupEnv(t)
		path := filepath.Join(t.TempDir(), "livechat.toml")
		require.NoError(t, os.WriteFile(path, []byte("[server]\npath_prefix = \"/help\"\n"), 0o600))
		t.Setenv("LIVECHAT_CONFIG", path)

		cfg, err := loadConfiguration("")
		require.NoError(t, err)
		assert.Equal(t, "/help", cfg.Server.PathPrefix)
	})

	t.Run("missing file", func(t *testing.T) {
		setupEnv(t)
		_, err := loadConfiguration(filepath.Join(t.TempDir(), "absent.toml"))
		assert.Error(t, err)
	})

	t.Run("invalid values", func(t *testing.T) {
		setupEnv(t)
		t.Setenv("JWT_SECRET", "short")
		_, err := loadConfiguration("")
		assert.ErrorContains(t, err, "JWT secret")
	})
}

func TestInitializeLogger(t *testing.T) {
	dir := t.TempDir()
	logger, err := initializeLogger(config.LogConfig{Dir: dir, Level: "info"})
	require.NoError(t, err)
	logger.Info("hello")
	logger.Close()

	_, err = os.Stat(filepath.Join(dir, "info.log"))
	assert.NoError(t, err)

	_, err = initializeLogger(config.LogConfig{Level: "verbose"})
	assert.Error(t, err)
}

func TestConnectMongo_MemoryBackendSkipsConnection(t *testing.T) {
	logger, err := initializeLogger(config.LogConfig{Level: "error"})
	require.NoError(t, err)
	defer logger.Close()

	client, err := connectMongo(config.DatabaseConfig{Backend: constants.BackendMemory}, logger)
	assert.NoError(t, err)
	assert.Nil(t, client)
}

func TestNewHTTPServer(t *testing.T) {
	srv := NewHTTPServer(":8080", http.NotFoundHandler())
	assert.Equal(t, ":8080", srv.Addr)
	assert.Equal(t, constants.HTTPReadTimeout, srv.ReadTimeout)
	assert.Equal(t, constants.HTTPWriteTimeout, srv.WriteTimeout)
	assert.Equal(t, constants.HTTPIdleTimeout, srv.IdleTimeout)
}

func TestRunWithSignalChannel_GracefulShutdown(t *testing.T) {
	tests := []struct {
		name string
		sig  os.Signal
	}{
		{"SIGTERM", syscall.SIGTERM},
		{"SIGINT", syscall.SIGINT},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			port := setupEnv(t)
			sigChan := make(chan os.Signal, 1)
			done := make(chan error, 1)
			go func() { done <- runWithSignalChannel("", sigChan) }()

			url := fmt.Sprintf("http://127.0.0.1:%d/livechat/healthz", port)
			require.Eventually(t, func() bool {
				resp, err := http.Get(url)
				if err != nil {
					return false
				}
				resp.Body.Close()
				return resp.StatusCode == http.StatusOK
			}, 5*time.Second, 50*time.Millisecond)

			sigChan <- tt.sig
			select {
			case err := <-done:
				assert.NoError(t, err)
			case <-time.After(constants.ShutdownTimeout):
				t.Fatal("server did not shut down")
			}
		})
	}
}

func TestRunWithSignalChannel_PortInUse(t *testing.T) {
	port := setupEnv(t)
	l, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	require.NoError(t, err)
	defer l.Close()

	done := make(chan error, 1)
	go func() { done <- runWithSignalChannel("", make(chan os.Signal)) }()

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("expected listen failure")
	}
}

func TestRunWithSignalChannel_ConfigError(t *testing.T) {
	setupEnv(t)
	t.Setenv("JWT_SECRET", "")
	err := runWithSignalChannel("", make(chan os.Signal))
	assert.Error(t, err)
}

func TestRunMain_RejectsUnknownFlag(t *testing.T) {
	err := runMain([]string{"-no-such-flag"})
	assert.Error(t, err)
}
