package launch

import (
	"bytes"
	"context"
	"errors"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bft-labs/imgship/internal/cliconfig"
	"github.com/bft-labs/imgship/internal/domain"
	"github.com/bft-labs/imgship/internal/lifecycle"
)

func testConfig(t *testing.T) cliconfig.Config {
	t.Helper()
	cfg := cliconfig.DefaultConfig()
	cfg.Addr = "127.0.0.1:0"
	cfg.UploadDir = filepath.Join(t.TempDir(), "images")
	cfg.ShutdownTimeout = 2 * time.Second
	require.NoError(t, cfg.Validate())
	return cfg
}

// freePort returns an address that nothing is listening on.
func freePort(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func runAsync(t *testing.T, s *Server) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()

	select {
	case <-s.Ready():
	case err := <-errCh:
		cancel()
		t.Fatalf("Run returned before ready: %v", err)
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("server not ready")
	}
	return cancel, errCh
}

func TestRegistry(t *testing.T) {
	r := DefaultRegistry()
	assert.Equal(t, []string{"main:app"}, r.Names())

	_, err := r.Resolve("main:app")
	assert.NoError(t, err)

	_, err = r.Resolve("main:application")
	assert.ErrorIs(t, err, domain.ErrUnknownApp)
	assert.Contains(t, err.Error(), "main:app")
}

func TestRun_ServesAndShutsDown(t *testing.T) {
	s := New(testConfig(t), zerolog.Nop())
	cancel, errCh := runAsync(t, s)

	assert.Equal(t, lifecycle.StateRunning, s.State())

	resp, err := http.Get("http://" + s.Addr().String() + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, lifecycle.StateStopped, s.State())
}

func TestRun_UnknownAppNeverListens(t *testing.T) {
	cfg := testConfig(t)
	cfg.Addr = freePort(t)
	cfg.App = "main:missing"

	s := New(cfg, zerolog.Nop())
	err := s.Run(context.Background())
	require.ErrorIs(t, err, domain.ErrUnknownApp)
	assert.Equal(t, lifecycle.StateCrashed, s.State())
	assert.Nil(t, s.Addr())

	// the port was never taken
	ln, err := net.Listen("tcp", cfg.Addr)
	require.NoError(t, err)
	ln.Close()

	_, statErr := os.Stat(cfg.UploadDir)
	assert.True(t, os.IsNotExist(statErr), "app must not be constructed")
}

func TestRun_PortInUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	cfg := testConfig(t)
	cfg.Addr = ln.Addr().String()

	s := New(cfg, zerolog.Nop())
	err = s.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listen")
	assert.Equal(t, lifecycle.StateCrashed, s.State())
}

func TestRun_FactoryError(t *testing.T) {
	r := NewRegistry()
	boom := errors.New("boom")
	r.Register("main:app", func(Deps) (*App, error) { return nil, boom })

	s := New(testConfig(t), zerolog.Nop(), WithRegistry(r))
	err := s.Run(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestRun_OnlyOnce(t *testing.T) {
	s := New(testConfig(t), zerolog.Nop())
	cancel, errCh := runAsync(t, s)
	defer func() {
		cancel()
		<-errCh
	}()

	err := s.Run(context.Background())
	assert.ErrorIs(t, err, domain.ErrAlreadyRunning)
}

func TestRun_CustomApp(t *testing.T) {
	r := NewRegistry()
	r.Register("hello:app", func(Deps) (*App, error) {
		return &App{Handler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("hello"))
		})}, nil
	})

	cfg := testConfig(t)
	cfg.App = "hello:app"
	s := New(cfg, zerolog.Nop(), WithRegistry(r))
	cancel, errCh := runAsync(t, s)
	defer func() {
		cancel()
		<-errCh
	}()

	resp, err := http.Get("http://" + s.Addr().String() + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "hello", string(body))
}

func TestRun_HotReloadsMaxFileSize(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(configPath, []byte("max_file_size_mb = 1\n"), 0o644))

	reloaded := make(chan int, 4)
	r := NewRegistry()
	r.Register("main:app", func(d Deps) (*App, error) {
		app, err := GalleryApp(d)
		if err != nil {
			return nil, err
		}
		inner := app.Reload
		app.Reload = func(fc cliconfig.FileConfig) {
			inner(fc)
			reloaded <- fc.MaxFileSizeMB
		}
		return app, nil
	})

	cfg := testConfig(t)
	cfg.Watch = true
	s := New(cfg, zerolog.Nop(), WithRegistry(r), WithConfigPath(configPath))
	cancel, errCh := runAsync(t, s)
	defer func() {
		cancel()
		<-errCh
	}()

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(configPath, []byte("max_file_size_mb = 4\n"), 0o644))

	select {
	case mb := <-reloaded:
		assert.Equal(t, 4, mb)
	case <-time.After(3 * time.Second):
		t.Fatal("config was not reloaded")
	}
}

func uploadStatus(t *testing.T, h http.Handler, size int) int {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	hdr := textproto.MIMEHeader{}
	hdr.Set("Content-Disposition", `form-data; name="file"; filename="big.png"`)
	hdr.Set("Content-Type", "image/png")
	part, err := w.CreatePart(hdr)
	require.NoError(t, err)
	_, err = part.Write(bytes.Repeat([]byte{0x89}, size))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/upload", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec.Code
}

func TestGalleryApp_ReloadKeepsFlagValue(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxFileSizeMB = 1

	app, err := GalleryApp(Deps{
		Config:  cfg,
		Logger:  zerolog.Nop(),
		Changed: map[string]bool{"max-file-size": true},
	})
	require.NoError(t, err)

	app.Reload(cliconfig.FileConfig{MaxFileSizeMB: 4})
	assert.Equal(t, http.StatusBadRequest, uploadStatus(t, app.Handler, 2<<20))
}

func TestGalleryApp_ReloadAppliesFileValue(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxFileSizeMB = 1

	app, err := GalleryApp(Deps{Config: cfg, Logger: zerolog.Nop()})
	require.NoError(t, err)

	app.Reload(cliconfig.FileConfig{MaxFileSizeMB: 4})
	assert.Equal(t, http.StatusOK, uploadStatus(t, app.Handler, 2<<20))
}

func TestRun_ExportsLifecycleState(t *testing.T) {
	s := New(testConfig(t), zerolog.Nop())
	cancel, errCh := runAsync(t, s)

	resp, err := http.Get("http://" + s.Addr().String() + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), `imgship_server_state{state="Running"} 1`)
	assert.Contains(t, string(body), `imgship_server_state{state="Starting"} 0`)

	cancel()
	require.NoError(t, <-errCh)
	assert.Equal(t, lifecycle.StateStopped, s.State())
}
