package update

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mattfleaydaly/raspberry-drinks-relay/internal/command"
	"github.com/mattfleaydaly/raspberry-drinks-relay/internal/command/commandtest"
	"github.com/mattfleaydaly/raspberry-drinks-relay/internal/fault"
	"github.com/mattfleaydaly/raspberry-drinks-relay/internal/state"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	revR0 = "1111111111111111111111111111111111111111"
	revR1 = "2222222222222222222222222222222222222222"
)

type fakeProbe struct {
	free     uint64
	freeErr  error
	reachErr error
}

func (p fakeProbe) FreeBytes(string) (uint64, error) { return p.free, p.freeErr }

func (p fakeProbe) Reachable(context.Context) error { return p.reachErr }

// fakeRepo simulates the subset of git the orchestrator drives.
type fakeRepo struct {
	mu            sync.Mutex
	head          string
	remoteHead    string
	remoteURL     string
	headFailures  int
	fsckFails     bool
	fetchFailures int
	healthOutput  string
	healthFails   bool
	healthGate    chan struct{}
	reinitialized bool
}

func (r *fakeRepo) handle(cmd command.Command) (command.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch argv := cmd.String(); {
	case argv == "git rev-parse HEAD":
		if r.headFailures > 0 {
			r.headFailures--
			return commandtest.Exit(cmd, 128, "", "fatal: bad object HEAD")
		}
		return command.Result{Stdout: r.head + "\n"}, nil
	case argv == "git remote get-url origin":
		if r.remoteURL == "" {
			return commandtest.Exit(cmd, 2, "", "error: No such remote 'origin'")
		}
		return command.Result{Stdout: r.remoteURL + "\n"}, nil
	case strings.HasPrefix(argv, "git fsck"):
		if r.fsckFails {
			return commandtest.Exit(cmd, 1, "", "error: object file is empty")
		}
		return command.Result{}, nil
	case argv == "git init":
		r.reinitialized = true
		r.fsckFails = false
		return command.Result{Stdout: "Initialized empty Git repository"}, nil
	case strings.HasPrefix(argv, "git remote add origin "):
		r.remoteURL = strings.TrimPrefix(argv, "git remote add origin ")
		return command.Result{}, nil
	case argv == "git fetch origin main":
		if r.fetchFailures > 0 {
			r.fetchFailures--
			return commandtest.Exit(cmd, 128, "", "fatal: unable to access remote")
		}
		return command.Result{}, nil
	case argv == "git reset --hard origin/main":
		r.head = r.remoteHead
		return command.Result{Stdout: "HEAD is now at " + r.head[:7]}, nil
	case strings.HasPrefix(argv, "git reset --hard "):
		r.head = strings.TrimPrefix(argv, "git reset --hard ")
		return command.Result{Stdout: "HEAD is now at " + r.head}, nil
	case strings.HasPrefix(argv, "git log"):
		return command.Result{Stdout: revR1 + "\x1f2222222\x1fAda\x1f2026-10-01T10:00:00+00:00\x1fAdd margarita\n" +
			revR0 + "\x1f1111111\x1fAda\x1f2026-09-30T09:00:00+00:00\x1fInitial pour logic"}, nil
	case argv == "go build ./cmd/drinks-relay":
		gate := r.healthGate
		if gate != nil {
			r.mu.Unlock()
			<-gate
			r.mu.Lock()
		}
		if r.healthFails {
			return commandtest.Exit(cmd, 1, "", r.healthOutput)
		}
		return command.Result{}, nil
	}
	return commandtest.Exit(cmd, 127, "", "unexpected command")
}

func (r *fakeRepo) Head() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.head
}

type harness struct {
	orch    *Orchestrator
	repo    *fakeRepo
	fake    *commandtest.Fake
	markers *state.MarkerStore
	dataDir string
	repoDir string
}

func newHarness(t *testing.T, repo *fakeRepo, probe Probe, opts ...Option) *harness {
	t.Helper()
	dataDir := t.TempDir()
	repoDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "relay_states.json"), []byte(`{"Relay 1":false}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "drinks.json"), []byte(`[]`), 0o644))

	if repo.remoteHead == "" {
		repo.remoteHead = revR1
	}
	fake := commandtest.New().Fallback(repo.handle)
	markers := state.NewMarkerStore(dataDir)
	cfg := Config{
		RepoDir:      repoDir,
		DataDir:      dataDir,
		BackupFiles:  []string{filepath.Join(dataDir, "relay_states.json"), filepath.Join(dataDir, "drinks.json"), filepath.Join(dataDir, "missing.json")},
		MinFreeBytes: 100 << 20,
		HealthCheck:  command.New("go", "build", "./cmd/drinks-relay"),
	}
	clock := time.Date(2026, 10, 14, 9, 30, 0, 0, time.UTC)
	base := []Option{
		WithFetchRetry(3, time.Millisecond),
		WithClock(func() time.Time { return clock }),
	}
	orch := New(zerolog.Nop(), cfg, fake, probe, markers, append(base, opts...)...)
	return &harness{orch: orch, repo: repo, fake: fake, markers: markers, dataDir: dataDir, repoDir: repoDir}
}

func healthyProbe() fakeProbe {
	return fakeProbe{free: 1 << 30}
}

func countPrefix(argvs []string, prefix string) int {
	n := 0
	for _, a := range argvs {
		if strings.HasPrefix(a, prefix) {
			n++
		}
	}
	return n
}

func TestRun_Success(t *testing.T) {
	h := newHarness(t, &fakeRepo{head: revR0, remoteURL: "https://example.com/drinks.git"}, healthyProbe())

	res, err := h.orch.Run(context.Background())
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, StageDone, res.Stage)
	assert.Equal(t, revR0, res.PreviousRevision)
	assert.Equal(t, revR1, res.Revision)
	assert.False(t, res.RolledBack)
	assert.Equal(t, revR1, h.repo.Head())

	pre, lastGood, err := h.markers.Markers()
	require.NoError(t, err)
	assert.Equal(t, revR0, pre)
	assert.Equal(t, revR1, lastGood)

	assert.Equal(t, filepath.Join(h.dataDir, "backups", "20261014-093000"), res.BackupDir)
	data, err := os.ReadFile(filepath.Join(res.BackupDir, "drinks.json"))
	require.NoError(t, err)
	assert.Equal(t, "[]", string(data))
	assert.NoFileExists(t, filepath.Join(res.BackupDir, "missing.json"))

	argvs := h.fake.Argvs()
	assert.Equal(t, []string{
		"git remote get-url origin",
		"git rev-parse HEAD",
		"git fsck --no-progress --connectivity-only",
		"git fetch origin main",
		"git reset --hard origin/main",
		"git rev-parse HEAD",
		"go build ./cmd/drinks-relay",
	}, argvs)
	for _, c := range h.fake.Calls() {
		assert.Equal(t, h.repoDir, c.Dir)
	}

	last, ok := h.orch.LastResult()
	require.True(t, ok)
	assert.Equal(t, res, last)
}

func TestRun_HealthCheckFailureRollsBack(t *testing.T) {
	repo := &fakeRepo{head: revR0, healthFails: true, healthOutput: "main.go:3: syntax error"}
	h := newHarness(t, repo, healthyProbe())

	res, err := h.orch.Run(context.Background())
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.HealthCheck), "got %v", err)

	assert.False(t, res.Success)
	assert.True(t, res.RolledBack)
	assert.Equal(t, StageHealthCheck, res.Stage)
	assert.Equal(t, revR0, res.Revision)
	assert.Equal(t, revR0, repo.Head())
	assert.Contains(t, res.Diagnostic, "syntax error")
	assert.Contains(t, res.Diagnostic, "rolled back to "+revR0)

	_, ok, err := h.markers.Read(state.LastGoodCommit)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRun_HealthCheckFailureWithoutMarker(t *testing.T) {
	repo := &fakeRepo{head: revR0, headFailures: 1, healthFails: true, healthOutput: "broken"}
	h := newHarness(t, repo, healthyProbe())
	h.orch.cfg.RemoteURL = "https://example.com/drinks.git"

	res, err := h.orch.Run(context.Background())
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.HealthCheck))
	assert.False(t, res.RolledBack)
	assert.True(t, res.Repaired)
	assert.Contains(t, res.Diagnostic, "no rollback point available")
	assert.Equal(t, revR1, repo.Head())
}

func TestRun_StaleMarkerIsNotARollbackPoint(t *testing.T) {
	const stale = "9999999999999999999999999999999999999999"
	repo := &fakeRepo{head: revR0, headFailures: 1, healthFails: true, healthOutput: "broken"}
	h := newHarness(t, repo, healthyProbe())
	h.orch.cfg.RemoteURL = "https://example.com/drinks.git"
	require.NoError(t, h.markers.Write(state.PreUpdateCommit, stale))

	res, err := h.orch.Run(context.Background())
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.HealthCheck))
	assert.False(t, res.RolledBack)
	assert.Empty(t, res.PreviousRevision)
	assert.Contains(t, res.Diagnostic, "no rollback point available")
	assert.Equal(t, revR1, repo.Head())
	assert.NotContains(t, h.fake.Argvs(), "git reset --hard "+stale)

	_, ok, err := h.markers.Read(state.PreUpdateCommit)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRun_CorruptTreeIsReinitialized(t *testing.T) {
	repo := &fakeRepo{head: revR0, fsckFails: true, remoteURL: "https://example.com/drinks.git"}
	h := newHarness(t, repo, healthyProbe())

	res, err := h.orch.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, res.Repaired)
	assert.True(t, repo.reinitialized)

	argvs := h.fake.Argvs()
	assert.Contains(t, argvs, "git init")
	assert.Contains(t, argvs, "git remote add origin https://example.com/drinks.git")
}

func TestRun_CorruptTreeWithoutOrigin(t *testing.T) {
	repo := &fakeRepo{head: revR0, fsckFails: true}
	h := newHarness(t, repo, healthyProbe())

	res, err := h.orch.Run(context.Background())
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.Integrity), "got %v", err)
	assert.Equal(t, StageIntegrity, res.Stage)
	assert.Contains(t, res.Diagnostic, "no remote origin is known")
	assert.Zero(t, countPrefix(h.fake.Argvs(), "git fetch"))

	pre, ok, err := h.markers.Read(state.PreUpdateCommit)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, revR0, pre)
}

func TestRun_PreflightFailuresTouchNothing(t *testing.T) {
	tests := []struct {
		name  string
		probe fakeProbe
		want  string
	}{
		{name: "disk", probe: fakeProbe{free: 10 << 20}, want: "insufficient disk space"},
		{name: "network", probe: fakeProbe{free: 1 << 30, reachErr: errors.New("dial tcp: no route to host")}, want: "network unreachable"},
		{name: "statfs", probe: fakeProbe{freeErr: errors.New("statfs failed")}, want: "statfs failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, &fakeRepo{head: revR0}, tt.probe)

			res, err := h.orch.Run(context.Background())
			require.Error(t, err)
			assert.True(t, fault.Is(err, fault.Preflight), "got %v", err)
			assert.Equal(t, StagePreflight, res.Stage)
			assert.Contains(t, res.Diagnostic, tt.want)
			assert.Empty(t, h.fake.Calls())
			assert.NoDirExists(t, filepath.Join(h.dataDir, "backups"))
		})
	}
}

func TestRun_FetchFailureAbortsWithOutput(t *testing.T) {
	repo := &fakeRepo{head: revR0, fetchFailures: 10}
	h := newHarness(t, repo, healthyProbe())

	res, err := h.orch.Run(context.Background())
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.ExternalCommand), "got %v", err)
	assert.Equal(t, StageFetch, res.Stage)
	assert.Contains(t, res.Diagnostic, "unable to access remote")

	argvs := h.fake.Argvs()
	assert.Equal(t, 3, countPrefix(argvs, "git fetch"))
	assert.Zero(t, countPrefix(argvs, "git reset"))
	assert.Zero(t, countPrefix(argvs, "go build"))
	assert.Equal(t, revR0, repo.Head())
}

func TestRun_FetchRetriesTransientFailure(t *testing.T) {
	repo := &fakeRepo{head: revR0, fetchFailures: 1}
	h := newHarness(t, repo, healthyProbe())

	res, err := h.orch.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 2, countPrefix(h.fake.Argvs(), "git fetch"))
}

func TestRun_ConcurrentAttemptsConflict(t *testing.T) {
	gate := make(chan struct{})
	repo := &fakeRepo{head: revR0, healthGate: gate}
	h := newHarness(t, repo, healthyProbe())

	done := make(chan error, 1)
	go func() {
		_, err := h.orch.Run(context.Background())
		done <- err
	}()

	require.Eventually(t, h.orch.Active, 2*time.Second, time.Millisecond)

	_, err := h.orch.Run(context.Background())
	assert.True(t, fault.Is(err, fault.Conflict), "got %v", err)
	_, err = h.orch.Rollback(context.Background())
	assert.True(t, fault.Is(err, fault.Conflict), "got %v", err)

	close(gate)
	require.NoError(t, <-done)
	assert.False(t, h.orch.Active())
}

func TestRollback_NoMarkers(t *testing.T) {
	h := newHarness(t, &fakeRepo{head: revR0}, healthyProbe())

	res, err := h.orch.Rollback(context.Background())
	require.Error(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Diagnostic, "no rollback point available")
	assert.Zero(t, countPrefix(h.fake.Argvs(), "git reset"))
}

func TestRollback_PrefersPreUpdateCommit(t *testing.T) {
	repo := &fakeRepo{head: revR1}
	h := newHarness(t, repo, healthyProbe())
	require.NoError(t, h.markers.Write(state.LastGoodCommit, "3333333"))
	require.NoError(t, h.markers.Write(state.PreUpdateCommit, revR0))

	res, err := h.orch.Rollback(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, res.RolledBack)
	assert.Equal(t, revR1, res.PreviousRevision)
	assert.Equal(t, revR0, res.Revision)
	assert.Equal(t, revR0, repo.Head())
}

func TestRollback_FallsBackToLastGood(t *testing.T) {
	repo := &fakeRepo{head: revR1}
	h := newHarness(t, repo, healthyProbe())
	require.NoError(t, h.markers.Write(state.LastGoodCommit, revR0))

	res, err := h.orch.Rollback(context.Background())
	require.NoError(t, err)
	assert.Equal(t, revR0, res.Revision)
	assert.Equal(t, revR0, repo.Head())
}

func TestHistory(t *testing.T) {
	h := newHarness(t, &fakeRepo{head: revR1}, healthyProbe())
	require.NoError(t, h.markers.Write(state.PreUpdateCommit, revR0))

	hist, err := h.orch.History(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, revR1, hist.Current)
	assert.Equal(t, revR0, hist.PreUpdateCommit)
	assert.Empty(t, hist.LastGoodCommit)
	require.Len(t, hist.Revisions, 2)
	assert.Equal(t, Revision{Hash: revR1, Short: "2222222", Author: "Ada", Date: "2026-10-01T10:00:00+00:00", Subject: "Add margarita"}, hist.Revisions[0])
	assert.Contains(t, h.fake.Argvs(), "git log -n20 "+logFormat)
}

func TestHistory_String(t *testing.T) {
	h := History{
		Current:         "c3",
		LastGoodCommit:  "c2",
		PreUpdateCommit: "c1",
		Revisions: []Revision{
			{Hash: "c3", Short: "c3", Date: "2026-10-03", Author: "Ada", Subject: "Tune pours"},
			{Hash: "c2", Short: "c2", Date: "2026-10-02", Author: "Ada", Subject: "Add margarita"},
			{Hash: "c1", Short: "c1", Date: "2026-10-01", Author: "Lin", Subject: "Initial"},
			{Hash: "c0", Short: "c0", Date: "2026-09-30", Author: "Lin", Subject: "Scaffold"},
		},
	}

	want := "c3 2026-10-03 Ada Tune pours (current)\n" +
		"c2 2026-10-02 Ada Add margarita (last good)\n" +
		"c1 2026-10-01 Lin Initial (pre-update)\n" +
		"c0 2026-09-30 Lin Scaffold\n"
	assert.Equal(t, want, h.String())
	assert.Empty(t, History{}.String())
}

func TestRun_ResultHandler(t *testing.T) {
	var got []Result
	h := newHarness(t, &fakeRepo{head: revR0}, healthyProbe(), WithResultHandler(func(_ context.Context, r Result) {
		got = append(got, r)
	}))

	_, err := h.orch.Run(context.Background())
	require.NoError(t, err)
	_, err = h.orch.Rollback(context.Background())
	require.NoError(t, err)

	require.Len(t, got, 2)
	assert.Equal(t, StageDone, got[0].Stage)
	assert.Equal(t, StageRollback, got[1].Stage)
}
