package daemon

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/matheus3301/chatrelay/internal/adminrpc"
	"github.com/matheus3301/chatrelay/internal/config"
	"github.com/matheus3301/chatrelay/internal/httpapi"
	"github.com/matheus3301/chatrelay/internal/paths"
	"github.com/matheus3301/chatrelay/internal/spool"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
	"google.golang.org/grpc/health/grpc_health_v1"
)

func testConfig(dir string) *config.Config {
	cfg := config.Default()
	cfg.DataDir = dir
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.JWTSecret = "daemon-test-secret-0123"
	cfg.LogLevel = "warn"
	return cfg
}

func shortTempDir(t *testing.T) string {
	t.Helper()
	// Use a short path to avoid the 104-char Unix socket limit on macOS.
	dir, err := os.MkdirTemp("/tmp", "relay-test-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return dir
}

func TestDaemonLifecycle(t *testing.T) {
	dir := shortTempDir(t)

	var srv *httpapi.Server
	app := fxtest.New(t,
		fx.NopLogger,
		Module(Params{Config: testConfig(dir)}),
		fx.Populate(&srv),
	)
	app.RequireStart()
	defer app.RequireStop()

	// HTTP health.
	resp, err := http.Get("http://" + srv.Addr() + "/health")
	if err != nil {
		t.Fatal(err)
	}
	var h httpapi.HealthResponse
	err = json.NewDecoder(resp.Body).Decode(&h)
	_ = resp.Body.Close()
	if err != nil {
		t.Fatal(err)
	}
	if h.Status != "healthy" {
		t.Errorf("health = %+v", h)
	}

	// Admin socket.
	c, err := adminrpc.Dial(paths.New(dir).SocketPath())
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = c.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	hc, err := c.Health.Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: adminrpc.ServiceName})
	if err != nil {
		t.Fatalf("health check error = %v", err)
	}
	if hc.Status != grpc_health_v1.HealthCheckResponse_SERVING {
		t.Errorf("admin health = %v", hc.Status)
	}

	if _, err := c.CreateUser(ctx, adminrpc.CreateUserRequest{Username: "alice", Phone: "15550000001"}); err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}

	// A webhook file dropped in the spool is ingested and moved aside.
	body := `{"entry":[{"changes":[{"field":"messages","value":{
		"metadata":{"display_phone_number":"15550000001"},
		"messages":[{"id":"wamid.SPOOL","from":"15551112222","timestamp":"1754400000","text":{"body":"from disk"}}]
	}}]}]}`
	spoolDir := paths.New(dir).SpoolDir()
	if err := os.WriteFile(filepath.Join(spoolDir, "hook.json"), []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for {
		if _, err := os.Stat(filepath.Join(spoolDir, spool.DoneDir, "hook.json")); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("spool file never processed")
		}
		time.Sleep(20 * time.Millisecond)
	}

	st, err := c.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Users != 1 || st.Messages != 1 || st.Conversations != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestSecondDaemonRefused(t *testing.T) {
	dir := shortTempDir(t)

	first := fxtest.New(t, fx.NopLogger, Module(Params{Config: testConfig(dir)}))
	first.RequireStart()
	defer first.RequireStop()

	second := fx.New(fx.NopLogger, Module(Params{Config: testConfig(dir), SocketPath: filepath.Join(dir, "other.sock")}))
	if second.Err() == nil {
		t.Fatal("second daemon on the same data dir started")
	}
}

func TestProvideConfig(t *testing.T) {
	cfg := testConfig("/tmp/ignored")
	got, err := provideConfig(Params{Config: cfg, DataDir: "/srv/relay"})
	if err != nil {
		t.Fatal(err)
	}
	if got.DataDir != "/srv/relay" {
		t.Errorf("DataDir = %q, want override", got.DataDir)
	}

	bad := testConfig(t.TempDir())
	bad.JWTSecret = "short"
	if _, err := provideConfig(Params{Config: bad}); err == nil {
		t.Error("short jwt secret accepted")
	}
}
