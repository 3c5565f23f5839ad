//go:build integration

package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mattfleaydaly/raspberry-drinks-relay/internal/app"
	"github.com/mattfleaydaly/raspberry-drinks-relay/internal/command"
	"github.com/mattfleaydaly/raspberry-drinks-relay/internal/config"
	"github.com/mattfleaydaly/raspberry-drinks-relay/internal/logging"
	"github.com/mattfleaydaly/raspberry-drinks-relay/internal/progress"
	"github.com/mattfleaydaly/raspberry-drinks-relay/internal/relay"
	"github.com/mattfleaydaly/raspberry-drinks-relay/internal/state"
)

// TestIntegrationUpdateAgainstLocalOrigin runs the update pipeline with the
// real git binary against a bare repository standing in for the remote.
//
// Prerequisites:
//   - git 2.28 or newer on PATH
//
// Run with: go test -tags=integration -v ./test/integration/...
func TestIntegrationUpdateAgainstLocalOrigin(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skipf("git not available: %v", err)
	}

	root := t.TempDir()
	origin := filepath.Join(root, "origin.git")
	device := filepath.Join(root, "device")
	upstream := filepath.Join(root, "upstream")

	git(t, root, "init", "--bare", "-b", "main", origin)
	git(t, root, "clone", origin, upstream)
	commit(t, upstream, "README.md", "v1", "Initial")
	git(t, upstream, "push", "origin", "HEAD:main")
	git(t, root, "clone", origin, device)
	first := head(t, device)

	commit(t, upstream, "README.md", "v2", "Add margarita")
	git(t, upstream, "push", "origin", "HEAD:main")
	second := head(t, upstream)

	cfg := baseConfig(t, root, device)
	cfg.HealthCommand = command.New("git", "status", "--short")
	orch, wait, err := app.NewUpdater(logging.NewWithLevel("error"), cfg, app.WithProbe(roomyProbe{}))
	if err != nil {
		t.Fatalf("build updater: %v", err)
	}
	defer wait()

	t.Run("Update", func(t *testing.T) {
		res, err := orch.Run(context.Background())
		if err != nil {
			t.Fatalf("update: %v (%s)", err, res.Diagnostic)
		}
		if res.PreviousRevision != first || res.Revision != second {
			t.Fatalf("unexpected revisions %s -> %s", res.PreviousRevision, res.Revision)
		}
		if got := head(t, device); got != second {
			t.Fatalf("device at %s, want %s", got, second)
		}
		markers := state.NewMarkerStore(cfg.MarkersDir())
		pre, good, err := markers.Markers()
		if err != nil {
			t.Fatalf("read markers: %v", err)
		}
		if pre != first || good != second {
			t.Fatalf("unexpected markers pre=%s good=%s", pre, good)
		}
		if _, err := os.Stat(filepath.Join(res.BackupDir, "drinks.json")); err != nil {
			t.Fatalf("recipes not backed up: %v", err)
		}
	})

	t.Run("History", func(t *testing.T) {
		h, err := orch.History(context.Background(), 5)
		if err != nil {
			t.Fatalf("history: %v", err)
		}
		if len(h.Revisions) != 2 || h.Current != second {
			t.Fatalf("unexpected history %+v", h)
		}
		if !strings.Contains(h.String(), "Add margarita (current)") {
			t.Fatalf("unexpected history text %q", h.String())
		}
	})

	t.Run("Rollback", func(t *testing.T) {
		res, err := orch.Rollback(context.Background())
		if err != nil {
			t.Fatalf("rollback: %v", err)
		}
		if res.Revision != first || head(t, device) != first {
			t.Fatalf("rollback landed on %s, want %s", head(t, device), first)
		}
	})
}

// TestIntegrationFailedHealthCheckRollsBack checks that a revision failing
// its health check is never left checked out.
func TestIntegrationFailedHealthCheckRollsBack(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skipf("git not available: %v", err)
	}

	root := t.TempDir()
	origin := filepath.Join(root, "origin.git")
	device := filepath.Join(root, "device")
	upstream := filepath.Join(root, "upstream")

	git(t, root, "init", "--bare", "-b", "main", origin)
	git(t, root, "clone", origin, upstream)
	commit(t, upstream, "healthy", "yes", "Initial")
	git(t, upstream, "push", "origin", "HEAD:main")
	git(t, root, "clone", origin, device)
	good := head(t, device)

	git(t, upstream, "rm", "-q", "healthy")
	git(t, upstream, "commit", "-q", "-m", "Break the build")
	git(t, upstream, "push", "origin", "HEAD:main")

	cfg := baseConfig(t, root, device)
	cfg.HealthCommand = command.New("test", "-f", "healthy")
	orch, wait, err := app.NewUpdater(logging.NewWithLevel("error"), cfg, app.WithProbe(roomyProbe{}))
	if err != nil {
		t.Fatalf("build updater: %v", err)
	}
	defer wait()

	res, err := orch.Run(context.Background())
	if err == nil {
		t.Fatalf("expected health check failure")
	}
	if !res.RolledBack || res.Revision != good {
		t.Fatalf("expected rollback to %s, got %+v", good, res)
	}
	if got := head(t, device); got != good {
		t.Fatalf("device at %s, want %s", got, good)
	}
}

// TestIntegrationRecipeOverHTTP pours a recipe through the HTTP surface on
// the memory driver and checks the write order and final state.
func TestIntegrationRecipeOverHTTP(t *testing.T) {
	root := t.TempDir()
	cfg := baseConfig(t, root, filepath.Join(root, "repo"))
	driver := relay.NewMemoryDriver()

	a, err := app.New(logging.NewWithLevel("error"), cfg, app.WithDriver(driver), app.WithProbe(roomyProbe{}))
	if err != nil {
		t.Fatalf("build app: %v", err)
	}
	defer a.Close()
	if err := a.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	doc := `{"drinks":[{"name":"Gin and Tonic","steps":[
		{"relay":1,"action":"on","time":0.05},
		{"relay":2,"action":"on","time":0.05},
		{"relay":1,"action":"off","time":0},
		{"relay":2,"action":"off","time":0}]}]}`
	resp, err := http.Post(srv.URL+"/api/drinks", "application/json", bytes.NewBufferString(doc))
	if err != nil {
		t.Fatalf("save drinks: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("save drinks status %d", resp.StatusCode)
	}

	resp, err = http.Post(srv.URL+"/api/make-drink/0", "application/json", nil)
	if err != nil {
		t.Fatalf("make drink: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("make drink status %d", resp.StatusCode)
	}

	deadline := time.Now().Add(5 * time.Second)
	var snap progress.Snapshot
	for {
		resp, err := http.Get(srv.URL + "/api/progress")
		if err != nil {
			t.Fatalf("progress: %v", err)
		}
		err = json.NewDecoder(resp.Body).Decode(&snap)
		resp.Body.Close()
		if err != nil {
			t.Fatalf("decode progress: %v", err)
		}
		if !snap.Active && snap.Last != nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("recipe did not finish: %+v", snap)
		}
		time.Sleep(20 * time.Millisecond)
	}
	if snap.Last.Outcome != progress.Completed || snap.Last.StepsRun != 4 {
		t.Fatalf("unexpected result %+v", snap.Last)
	}

	writes := driver.Writes()
	// Initialization drives all four channels off first.
	got := writes[4:]
	want := []relay.Write{
		{Channel: "Relay 1", On: true},
		{Channel: "Relay 2", On: true},
		{Channel: "Relay 1", On: false},
		{Channel: "Relay 2", On: false},
	}
	if len(got) != len(want) {
		t.Fatalf("unexpected writes %+v", writes)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("write %d = %+v, want %+v", i, got[i], want[i])
		}
	}

	data, err := os.ReadFile(cfg.StatePath())
	if err != nil {
		t.Fatalf("read state: %v", err)
	}
	var states map[string]bool
	if err := json.Unmarshal(data, &states); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	for name, on := range states {
		if on {
			t.Fatalf("%s left on", name)
		}
	}
}

type roomyProbe struct{}

func (roomyProbe) FreeBytes(string) (uint64, error) { return 1 << 40, nil }

func (roomyProbe) Reachable(context.Context) error { return nil }

func baseConfig(t *testing.T, root, repo string) config.Config {
	t.Helper()
	dataDir := filepath.Join(root, "data")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		t.Fatalf("mkdir data: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dataDir, "drinks.json"), []byte("[]\n"), 0o644); err != nil {
		t.Fatalf("seed recipes: %v", err)
	}
	return config.Config{
		ListenAddr:        "127.0.0.1:0",
		DataDir:           dataDir,
		Channels:          relay.DefaultChannels(),
		Driver:            config.DriverMemory,
		TimedTestInterval: 10 * time.Millisecond,
		SelfTestTimeout:   10 * time.Second,
		RepoDir:           repo,
		GitRemote:         "origin",
		GitBranch:         "main",
		ProbeURL:          "https://example.com",
		CommandTimeout:    time.Minute,
		DeviceName:        "integration",
		LogLevel:          "error",
		RebootCommand:     command.New("true"),
		ShutdownCommand:   command.New("true"),
	}
}

func git(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=Integration",
		"GIT_AUTHOR_EMAIL=integration@example.com",
		"GIT_COMMITTER_NAME=Integration",
		"GIT_COMMITTER_EMAIL=integration@example.com",
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %s: %v\n%s", strings.Join(args, " "), err, out)
	}
	return strings.TrimSpace(string(out))
}

func commit(t *testing.T, dir, file, content, message string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, file), []byte(content+"\n"), 0o644); err != nil {
		t.Fatalf("write %s: %v", file, err)
	}
	git(t, dir, "add", file)
	git(t, dir, "commit", "-q", "-m", message)
}

func head(t *testing.T, dir string) string {
	t.Helper()
	return git(t, dir, "rev-parse", "HEAD")
}
