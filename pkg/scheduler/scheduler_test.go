package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flapi-io/flapi/pkg/cache"
	"github.com/flapi-io/flapi/pkg/config"
)

type fakeRefresher struct {
	mu       sync.Mutex
	calls    []string
	last     map[string]time.Time
	failNext bool
}

func newFakeRefresher() *fakeRefresher {
	return &fakeRefresher{last: make(map[string]time.Time)}
}

func (f *fakeRefresher) Refresh(_ context.Context, ep *config.Endpoint, _ string) (cache.RefreshResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, ep.URLPath)
	if f.failNext {
		f.failNext = false
		return cache.RefreshResult{}, assert.AnError
	}
	f.last[ep.URLPath] = time.Now()
	return cache.RefreshResult{Snapshot: &cache.Snapshot{ID: 1}}, nil
}

func (f *fakeRefresher) LastSnapshotTime(ep *config.Endpoint) (time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.last[ep.URLPath]
	return t, ok
}

func (f *fakeRefresher) SetNextScheduled(*config.Endpoint, time.Time) {}

func (f *fakeRefresher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func testRegistry(t *testing.T, endpoints ...*config.Endpoint) *config.Registry {
	t.Helper()
	project := &config.Project{
		Template:    config.TemplateSettings{Path: t.TempDir()},
		Connections: map[string]config.Connection{"main": {}},
	}
	loader, err := config.NewLoader(project)
	require.NoError(t, err)
	reg, err := config.NewRegistry(project, loader, endpoints)
	require.NoError(t, err)
	return reg
}

func cachedEndpoint(path string, schedule time.Duration) *config.Endpoint {
	return &config.Endpoint{
		URLPath:    path,
		Template:   "SELECT 1",
		Connection: []string{"main"},
		Cache: &config.CacheSpec{
			Enabled:      true,
			Table:        "t",
			TemplateFile: "t.sql",
			Schedule:     config.Duration(schedule),
		},
	}
}

func TestScanWarmsUpEndpointsWithoutSnapshot(t *testing.T) {
	t.Parallel()
	f := newFakeRefresher()
	reg := testRegistry(t,
		cachedEndpoint("/a", time.Hour),
		cachedEndpoint("/b", time.Hour),
	)
	s, err := New(f, reg, config.HeartbeatSettings{Enabled: true, WorkerInterval: config.Duration(time.Second)})
	require.NoError(t, err)

	s.Scan(context.Background())
	assert.ElementsMatch(t, []string{"/a", "/b"}, f.calls)
}

func TestScanSkipsFreshSnapshots(t *testing.T) {
	t.Parallel()
	f := newFakeRefresher()
	reg := testRegistry(t, cachedEndpoint("/a", time.Hour))
	s, err := New(f, reg, config.HeartbeatSettings{Enabled: true, WorkerInterval: config.Duration(time.Second)})
	require.NoError(t, err)

	ctx := context.Background()
	s.Scan(ctx) // warms up
	s.Scan(ctx) // snapshot is fresh, nothing to do
	assert.Equal(t, 1, f.callCount())
}

func TestScanRefreshesStaleSnapshots(t *testing.T) {
	t.Parallel()
	f := newFakeRefresher()
	ep := cachedEndpoint("/a", time.Hour)
	reg := testRegistry(t, ep)
	s, err := New(f, reg, config.HeartbeatSettings{Enabled: true, WorkerInterval: config.Duration(time.Second)})
	require.NoError(t, err)

	ctx := context.Background()
	s.Scan(ctx)
	require.Equal(t, 1, f.callCount())

	// Age the snapshot past the schedule.
	f.mu.Lock()
	f.last["/a"] = time.Now().Add(-2 * time.Hour)
	f.mu.Unlock()

	s.Scan(ctx)
	assert.Equal(t, 2, f.callCount())
}

func TestScanSkipsZeroSchedule(t *testing.T) {
	t.Parallel()
	f := newFakeRefresher()
	reg := testRegistry(t, cachedEndpoint("/manual", 0))
	s, err := New(f, reg, config.HeartbeatSettings{Enabled: true, WorkerInterval: config.Duration(time.Second)})
	require.NoError(t, err)

	s.Scan(context.Background())
	assert.Zero(t, f.callCount())
}

func TestScanRetriesAfterFailure(t *testing.T) {
	t.Parallel()
	f := newFakeRefresher()
	f.failNext = true
	reg := testRegistry(t, cachedEndpoint("/a", time.Hour))
	s, err := New(f, reg, config.HeartbeatSettings{Enabled: true, WorkerInterval: config.Duration(time.Second)})
	require.NoError(t, err)

	ctx := context.Background()
	s.Scan(ctx) // fails, no snapshot recorded
	s.Scan(ctx) // retried because there is still no snapshot
	assert.Equal(t, 2, f.callCount())
}

func TestStartFinishesWarmUpBeforeReturning(t *testing.T) {
	t.Parallel()
	f := newFakeRefresher()
	reg := testRegistry(t, cachedEndpoint("/a", time.Hour))
	s, err := New(f, reg, config.HeartbeatSettings{Enabled: true, WorkerInterval: config.Duration(time.Hour)})
	require.NoError(t, err)

	// Snapshot is stale beyond its schedule at boot.
	f.mu.Lock()
	f.last["/a"] = time.Now().Add(-2 * time.Hour)
	f.mu.Unlock()

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	// The refresh happened before Start returned, not on a later tick.
	assert.Equal(t, 1, f.callCount())
}

func TestStartStop(t *testing.T) {
	t.Parallel()
	f := newFakeRefresher()
	reg := testRegistry(t, cachedEndpoint("/a", time.Hour))
	s, err := New(f, reg, config.HeartbeatSettings{Enabled: true, WorkerInterval: config.Duration(50 * time.Millisecond)})
	require.NoError(t, err)

	require.NoError(t, s.Start(context.Background()))
	require.Error(t, s.Start(context.Background()))

	require.Eventually(t, func() bool { return f.callCount() >= 1 }, time.Second, 10*time.Millisecond)
	s.Stop()
	require.Error(t, s.Start(context.Background()))
}

func TestNewRejectsZeroInterval(t *testing.T) {
	t.Parallel()
	reg := testRegistry(t)
	_, err := New(newFakeRefresher(), reg, config.HeartbeatSettings{Enabled: true})
	require.Error(t, err)
}
