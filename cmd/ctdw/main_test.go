package main

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/byluca/ct-medical-images/internal/config"
	"github.com/byluca/ct-medical-images/internal/platform/blobstore"
	"github.com/byluca/ct-medical-images/internal/platform/store"
	"github.com/byluca/ct-medical-images/internal/platform/telemetry"
)

func memoryEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("ENV", "production")
	t.Setenv("DATA_DIR", dir)
	t.Setenv("OUTPUT_DIR", filepath.Join(dir, "out"))
	return dir
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestRootCmd_Subcommands(t *testing.T) {
	want := map[string]bool{"run": false, "convert": false, "count": false, "ping": false, "migrate": false, "serve": false}
	for _, c := range newRootCmd().Commands() {
		if _, ok := want[c.Name()]; ok {
			want[c.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("missing subcommand %s", name)
		}
	}
}

func TestLoadConfig_OverrideBeforeValidate(t *testing.T) {
	memoryEnv(t)

	if _, err := loadConfig(func(c *config.Config) { c.DataDir = "" }); err == nil {
		t.Fatal("expected an empty data dir to fail validation")
	}
	cfg, err := loadConfig(func(c *config.Config) { c.DataDir = "elsewhere" })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.DataDir != "elsewhere" {
		t.Errorf("override not applied: %s", cfg.DataDir)
	}
}

func TestNewLogger_Level(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&config.Config{Env: "production", LogLevel: "WARN"}, &buf)
	logger.Info().Msg("hidden")
	logger.Warn().Msg("shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Errorf("unexpected output %q", buf.String())
	}

	if got := newLogger(&config.Config{LogLevel: "bogus"}, io.Discard).GetLevel(); got != zerolog.InfoLevel {
		t.Errorf("expected info fallback, got %v", got)
	}
}

func TestOpenStore(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		cfg    *config.Config
		driver string
	}{
		{&config.Config{StoreDriver: "memory"}, store.DriverMemory},
		{&config.Config{StoreDriver: "sqlite", SQLitePath: filepath.Join(t.TempDir(), "dw.db")}, store.DriverSQLite},
	}
	for _, tt := range tests {
		st, err := openStore(ctx, tt.cfg, zerolog.Nop())
		if err != nil {
			t.Fatalf("%s: %v", tt.cfg.StoreDriver, err)
		}
		if st.Driver() != tt.driver {
			t.Errorf("driver = %s, want %s", st.Driver(), tt.driver)
		}
		_ = st.Close()
	}

	if _, err := openStore(ctx, &config.Config{StoreDriver: "mongo"}, zerolog.Nop()); err == nil {
		t.Error("expected unknown driver error")
	}
}

func TestOpenBlobStore(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	bs, err := openBlobStore(ctx, &config.Config{ThumbnailStore: "local", OutputDir: dir})
	if err != nil {
		t.Fatal(err)
	}
	local, ok := bs.(*blobstore.LocalBlobStore)
	if !ok || local.Dir() != dir {
		t.Errorf("expected local store at %s, got %#v", dir, bs)
	}
	if _, err := openBlobStore(ctx, &config.Config{ThumbnailStore: "gcs"}); err == nil {
		t.Error("expected unknown store error")
	}
}

func TestCountCmd(t *testing.T) {
	memoryEnv(t)
	out, err := execute(t, "count")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	for _, name := range []string{"COLLECTION", "dim_patient", "fact_study"} {
		if !strings.Contains(out, name) {
			t.Errorf("output missing %s:\n%s", name, out)
		}
	}
}

func TestPingCmd(t *testing.T) {
	memoryEnv(t)
	out, err := execute(t, "ping")
	if err != nil {
		t.Fatalf("ping: %v", err)
	}
	if !strings.Contains(out, "connected to memory store") {
		t.Errorf("unexpected output %q", out)
	}
}

func TestMigrateCmd_RequiresPostgres(t *testing.T) {
	memoryEnv(t)
	if _, err := execute(t, "migrate", "status"); err == nil || !strings.Contains(err.Error(), "postgres") {
		t.Errorf("expected postgres-only error, got %v", err)
	}
}

func TestConvertCmd_NoFiles(t *testing.T) {
	memoryEnv(t)
	if _, err := execute(t, "convert"); err == nil || !strings.Contains(err.Error(), "no .dcm files") {
		t.Errorf("expected no-files error, got %v", err)
	}
}

func TestRunCmd_DryRunEmptyDir(t *testing.T) {
	dir := memoryEnv(t)
	t.Setenv("STORE_DRIVER", "postgres")
	textfile := filepath.Join(dir, "ctdw.prom")
	t.Setenv("METRICS_TEXTFILE", textfile)

	// --dry-run switches to the memory store, so no DATABASE_URL is needed.
	if _, err := execute(t, "run", "--dry-run", "--data-dir", dir); err != nil {
		t.Fatalf("run: %v", err)
	}
	if _, err := os.Stat(textfile); err != nil {
		t.Errorf("metrics textfile not written: %v", err)
	}
}

func TestRunCmd_MissingDataDir(t *testing.T) {
	memoryEnv(t)
	if _, err := execute(t, "run", "--data-dir", filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("expected an error for a missing data directory")
	}
}

func TestNewServer_Routes(t *testing.T) {
	metrics, err := telemetry.New(telemetry.Config{})
	if err != nil {
		t.Fatal(err)
	}
	e := newServer(store.NewMemoryStore(), blobstore.NewInMemoryBlobStore(), metrics, zerolog.Nop())

	tests := []struct {
		path string
		want int
	}{
		{"/health", http.StatusOK},
		{"/metrics", http.StatusOK},
		{"/api/v1/warehouse/counts", http.StatusOK},
		{"/api/v1/warehouse/facts?limit=5", http.StatusOK},
		{"/api/v1/warehouse/dimensions/date", http.StatusOK},
		{"/thumbnails/missing.jpeg", http.StatusNotFound},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
		if rec.Code != tt.want {
			t.Errorf("%s: status %d, want %d", tt.path, rec.Code, tt.want)
		}
		if rec.Header().Get("X-Request-ID") == "" {
			t.Errorf("%s: missing request id header", tt.path)
		}
	}
}
