package connection

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/beevik/etree"
	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stateRecorder struct {
	mu     sync.Mutex
	states []State
}

func (r *stateRecorder) record(s State) {
	r.mu.Lock()
	r.states = append(r.states, s)
	r.mu.Unlock()
}

func (r *stateRecorder) count(s State) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, got := range r.states {
		if got == s {
			n++
		}
	}
	return n
}

func (r *stateRecorder) all() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

func TestInitializeConnects(t *testing.T) {
	fake := newFakeClient()
	m, _ := newTestManager(testConfig(), fake)
	rec := &stateRecorder{}
	m.OnStateChange(rec.record)

	require.NoError(t, m.Initialize(context.Background()))

	assert.Equal(t, Connected, m.State())
	assert.Equal(t, []State{Initializing, Connected}, rec.all())
	assert.True(t, m.Supports("media"))
	assert.False(t, m.Supports("imaging"))

	token, ok := m.ResolveProfileToken("subStream")
	assert.True(t, ok)
	assert.Equal(t, "profile_2", token)
	assert.Len(t, m.Profiles(), 2)
}

func TestInitializeIsIdempotent(t *testing.T) {
	fake := newFakeClient()
	m, dials := newTestManager(testConfig(), fake)

	require.NoError(t, m.Initialize(context.Background()))
	require.NoError(t, m.Initialize(context.Background()))
	require.NoError(t, m.Initialize(context.Background()))

	assert.Equal(t, Connected, m.State())
	assert.Equal(t, 1, *dials)
	assert.Equal(t, 1, fake.callCount("Connect"))
}

func TestInitializeWithoutAddress(t *testing.T) {
	cfg := testConfig()
	cfg.Address = ""
	fake := newFakeClient()
	m, dials := newTestManager(cfg, fake)

	err := m.Initialize(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConfiguration))
	assert.True(t, errors.Is(err, errors.NotValid))
	assert.Equal(t, Unconfigured, m.State())
	assert.Zero(t, *dials)
}

func TestInitializeConnectFailure(t *testing.T) {
	fake := newFakeClient()
	fake.connectErr = errors.New("connection refused")
	m, _ := newTestManager(testConfig(), fake)

	err := m.Initialize(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRemote))
	assert.Equal(t, Disconnected, m.State())
	assert.Nil(t, m.Capabilities())

	_, err = m.Call(context.Background(), Request{Operation: GetDeviceInformation{}})
	assert.True(t, errors.Is(err, ErrNotConnected))
}

func TestInitializeProfilesFailure(t *testing.T) {
	fake := newFakeClient()
	fake.profilesErr = errors.New("boom")
	m, _ := newTestManager(testConfig(), fake)

	err := m.Initialize(context.Background())
	require.Error(t, err)
	assert.Equal(t, Disconnected, m.State())

	// Without a media service missing profiles are fine.
	fake = newFakeClient()
	fake.services = fake.services[:1]
	fake.profilesErr = errors.New("boom")
	m, _ = newTestManager(testConfig(), fake)

	require.NoError(t, m.Initialize(context.Background()))
	assert.Equal(t, Connected, m.State())
	assert.Empty(t, m.Profiles())
}

func TestInitializeFallsBackToCapabilityDocument(t *testing.T) {
	fake := newFakeClient()
	fake.services = nil
	fake.capabilities = map[string]string{"media": "http://10.0.0.5/onvif/media_service"}
	m, _ := newTestManager(testConfig(), fake)

	require.NoError(t, m.Initialize(context.Background()))
	assert.True(t, m.Supports("media"))
}

func TestWatchdogDisconnectsOnce(t *testing.T) {
	fake := newFakeClient()
	m, _ := newTestManager(testConfig(), fake)
	require.NoError(t, m.Initialize(context.Background()))

	rec := &stateRecorder{}
	m.OnStateChange(rec.record)

	fake.setProbeErr(errors.Timeoutf("probe"))
	for range 3 {
		m.probe(context.Background())
	}

	assert.Equal(t, Disconnected, m.State())
	assert.Equal(t, 1, rec.count(Disconnected))
	assert.False(t, m.Supports("media"))
	_, ok := m.ResolveProfileToken("mainStream")
	assert.False(t, ok)

	_, err := m.Call(context.Background(), Request{Operation: GetDeviceInformation{}})
	assert.True(t, errors.Is(err, ErrNotConnected))
	assert.Zero(t, fake.callCount("GetDeviceInformation"))

	fake.setProbeErr(nil)
	m.probe(context.Background())
	assert.Equal(t, Connected, m.State())
	assert.Equal(t, 1, rec.count(Connected))
	assert.True(t, m.Supports("media"))
}

func TestWatchdogRuns(t *testing.T) {
	cfg := testConfig()
	cfg.WatchdogInterval = Duration(10 * time.Millisecond)
	fake := newFakeClient()
	m, _ := newTestManager(cfg, fake)
	require.NoError(t, m.Initialize(context.Background()))
	defer m.Close()

	fake.setProbeErr(errors.New("no route to host"))
	assert.Eventually(t, func() bool {
		return m.State() == Disconnected
	}, time.Second, 5*time.Millisecond)

	fake.setProbeErr(nil)
	assert.Eventually(t, func() bool {
		return m.State() == Connected
	}, time.Second, 5*time.Millisecond)
}

func TestProbeSkipsWhileBusy(t *testing.T) {
	fake := newFakeClient()
	m, _ := newTestManager(testConfig(), fake)
	require.NoError(t, m.Initialize(context.Background()))

	before := fake.callCount("GetSystemDateAndTime")
	m.probing.Store(true)
	m.probe(context.Background())
	assert.Equal(t, before, fake.callCount("GetSystemDateAndTime"))
}

func TestReconnect(t *testing.T) {
	fake := newFakeClient()
	m, dials := newTestManager(testConfig(), fake)
	require.NoError(t, m.Initialize(context.Background()))

	fake.setProbeErr(errors.New("down"))
	m.probe(context.Background())
	require.Equal(t, Disconnected, m.State())

	require.NoError(t, m.Reconnect(context.Background()))
	assert.Equal(t, Connected, m.State())
	assert.Equal(t, 2, fake.callCount("Connect"))
	assert.Equal(t, 1, *dials)
}

func TestCloseClearsState(t *testing.T) {
	fake := newFakeClient()
	m, _ := newTestManager(testConfig(), fake)
	require.NoError(t, m.Initialize(context.Background()))

	_, err := m.SnapshotURI(context.Background(), "profile_1")
	require.NoError(t, err)
	require.Equal(t, 1, m.snapshots.Len())

	require.NoError(t, m.Close())
	assert.Equal(t, Unconfigured, m.State())
	assert.Zero(t, m.snapshots.Len())
	assert.Nil(t, m.Capabilities())
	assert.Nil(t, m.Profiles())

	_, err = m.Call(context.Background(), Request{Operation: GetDeviceInformation{}})
	assert.True(t, errors.Is(err, ErrNotConnected))
}

func TestSnapshotURICache(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	cfg := testConfig()
	cfg.SnapshotTTL = Duration(time.Minute)
	fake := newFakeClient()
	m, _ := newTestManager(cfg, fake, WithClock(clock))
	require.NoError(t, m.Initialize(context.Background()))

	for range 3 {
		uri, err := m.SnapshotURI(context.Background(), "profile_1")
		require.NoError(t, err)
		assert.Equal(t, fake.snapshotURI, uri)
	}
	assert.Equal(t, 1, fake.callCount("GetSnapshotURI"))

	mu.Lock()
	now = now.Add(time.Minute)
	mu.Unlock()

	_, err := m.SnapshotURI(context.Background(), "profile_1")
	require.NoError(t, err)
	assert.Equal(t, 2, fake.callCount("GetSnapshotURI"))

	fake.setProbeErr(errors.New("down"))
	m.probe(context.Background())
	assert.Zero(t, m.snapshots.Len())
}

func TestAddEventListenerRequiresConnection(t *testing.T) {
	fake := newFakeClient()
	m, _ := newTestManager(testConfig(), fake)

	_, err := m.AddEventListener(func(*etree.Element) {})
	assert.True(t, errors.Is(err, ErrNotConnected))

	require.NoError(t, m.Initialize(context.Background()))
	remove, err := m.AddEventListener(func(*etree.Element) {})
	require.NoError(t, err)
	assert.Equal(t, 1, fake.listeners)
	remove()
	assert.Zero(t, fake.listeners)
}

func TestOnStateChangeRemove(t *testing.T) {
	fake := newFakeClient()
	m, _ := newTestManager(testConfig(), fake)
	rec := &stateRecorder{}
	remove := m.OnStateChange(rec.record)
	remove()

	require.NoError(t, m.Initialize(context.Background()))
	assert.Empty(t, rec.all())
}

func TestCloseFromStateListener(t *testing.T) {
	cfg := testConfig()
	cfg.WatchdogInterval = Duration(5 * time.Millisecond)
	fake := newFakeClient()
	m, _ := newTestManager(cfg, fake)
	require.NoError(t, m.Initialize(context.Background()))

	closed := make(chan struct{})
	m.OnStateChange(func(s State) {
		if s == Disconnected {
			assert.NoError(t, m.Close())
			close(closed)
		}
	})

	fake.setProbeErr(errors.New("no route to host"))
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("Close called from a listener did not return")
	}
	assert.Equal(t, Unconfigured, m.State())
	assert.Nil(t, m.Capabilities())
}
