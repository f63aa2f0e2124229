// Package connection owns the connection to one ONVIF device: its state
// machine and liveness watchdog, the capability and profile snapshots taken
// on connect, the snapshot URI cache, and the call orchestrator every
// feature component goes through.
package connection

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/beevik/etree"
	"github.com/juju/errors"
	"github.com/rs/zerolog"
	"github.com/use-go/onvif/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// The low-level connect handshake makes three sequential requests.
const connectRoundTrips = 3

type Option func(*Manager)

func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithDialer replaces the factory creating the protocol client.
func WithDialer(d Dialer) Option {
	return func(m *Manager) { m.dial = d }
}

// WithClock sets the time source of the snapshot cache.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithRetryBackoff overrides the pause between call attempts.
func WithRetryBackoff(d time.Duration) Option {
	return func(m *Manager) { m.backoff = d }
}

type stateListener struct {
	id int
	fn func(State)
}

// Manager is the single owner of a device connection. Feature components
// hold a *Manager and interact with the device only through its methods.
// A Manager is safe for concurrent use.
type Manager struct {
	cfg     Config
	log     zerolog.Logger
	dial    Dialer
	now     func() time.Time
	backoff time.Duration
	sem     *semaphore.Weighted

	mu           sync.RWMutex
	state        State
	client       Client
	stopWatchdog context.CancelFunc
	watchdogDone chan struct{}

	caps      atomic.Pointer[Capabilities]
	profiles  atomic.Pointer[ProfileSet]
	epoch     atomic.Uint64
	snapshots *SnapshotCache
	probing   atomic.Bool

	listenersMu  sync.Mutex
	listeners    []stateListener
	nextListener int
}

// New returns a Manager in the Unconfigured state. No I/O happens until
// Initialize.
func New(cfg Config, opts ...Option) *Manager {
	m := &Manager{
		cfg:     cfg,
		log:     zerolog.Nop(),
		dial:    DialDevice,
		now:     time.Now,
		backoff: RetryBackoff,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.With().Str("component", "connection").Str("address", cfg.Address).Logger()
	m.snapshots = NewSnapshotCache(cfg.snapshotTTL(), m.now)
	if cfg.SerializeCalls {
		m.sem = semaphore.NewWeighted(1)
	}
	return m
}

// Initialize connects to the device. It returns nil without doing anything
// when the manager is already Connected or Initializing. A missing address
// or credentials leaves the manager Unconfigured and returns an
// ErrConfiguration error.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	if m.state == Connected || m.state == Initializing {
		m.mu.Unlock()
		return nil
	}

	if err := m.cfg.validate(); err != nil {
		changed := m.setStateLocked(Unconfigured)
		m.mu.Unlock()
		if changed {
			m.notify(Unconfigured)
		}
		m.log.Error().Err(err).Msg("device is not configured")
		return newError(ErrConfiguration, "Initialize", m.cfg.Address, err)
	}

	username, password, _ := m.cfg.Credentials()
	client := m.dial(m.cfg, username, password)
	m.client = client
	m.setStateLocked(Initializing)
	m.mu.Unlock()
	m.notify(Initializing)

	if s, ok := client.(interface{ SetEventErrorHandler(func(error)) }); ok {
		s.SetEventErrorHandler(func(err error) {
			m.log.Warn().Err(err).Msg("event loop error")
		})
	}

	m.log.Info().Str("xaddr", client.XAddr()).Msg("connecting")

	if err := m.connect(ctx, client); err != nil {
		m.mu.Lock()
		changed := false
		if m.client == client {
			m.client = nil
			changed = m.setStateLocked(Disconnected)
		}
		m.mu.Unlock()
		if changed {
			m.notify(Disconnected)
		}
		m.log.Error().Err(err).Msg("connect failed")
		return err
	}

	m.startWatchdog(client)
	return nil
}

// connect runs the handshake and publishes fresh capability and profile
// snapshots before announcing Connected.
func (m *Manager) connect(ctx context.Context, client Client) error {
	cctx, cancel := context.WithTimeout(ctx, connectRoundTrips*m.cfg.timeout())
	defer cancel()

	if err := client.Connect(cctx); err != nil {
		return newError(classify(err), "Connect", m.cfg.Address, err)
	}
	if err := m.refresh(cctx, client); err != nil {
		return err
	}

	m.mu.Lock()
	if m.client != client {
		m.mu.Unlock()
		return newError(ErrNotConnected, "Connect", m.cfg.Address, errors.New("connection closed while connecting"))
	}
	changed := m.setStateLocked(Connected)
	m.mu.Unlock()
	if changed {
		m.notify(Connected)
		m.log.Info().Int("profiles", m.profiles.Load().Len()).Msg("connected")
	}
	return nil
}

// refresh reloads capabilities and profiles concurrently. A profile failure
// is tolerated only when the device has no media service.
func (m *Manager) refresh(ctx context.Context, client Client) error {
	var (
		caps        *Capabilities
		profiles    []onvif.Profile
		profilesErr error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		caps, err = loadCapabilities(gctx, client)
		return err
	})
	g.Go(func() error {
		profiles, profilesErr = client.GetProfiles(gctx)
		return nil
	})
	if err := g.Wait(); err != nil {
		return newError(classify(err), "GetCapabilities", m.cfg.Address, err)
	}

	if profilesErr != nil {
		if caps.Supports(onvif.ServiceMedia) {
			return newError(classify(profilesErr), "GetProfiles", m.cfg.Address, profilesErr)
		}
		m.log.Debug().Err(profilesErr).Msg("no media service, continuing without profiles")
		profiles = nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client != client {
		return newError(ErrNotConnected, "GetProfiles", m.cfg.Address, errors.New("connection closed during refresh"))
	}
	m.caps.Store(caps)
	m.profiles.Store(NewProfileSet(profiles))
	return nil
}

func loadCapabilities(ctx context.Context, client Client) (*Capabilities, error) {
	caps := NewCapabilities(client.Services(), client.Capabilities())
	if !caps.Empty() {
		return caps, nil
	}
	if _, err := client.GetCapabilities(ctx); err != nil {
		return nil, err
	}
	return NewCapabilities(client.Services(), client.Capabilities()), nil
}

// Reconnect re-runs the connect handshake on the existing client through
// the orchestrator, or behaves like Initialize when there is no client.
func (m *Manager) Reconnect(ctx context.Context) error {
	m.mu.RLock()
	client := m.client
	m.mu.RUnlock()
	if client == nil {
		return m.Initialize(ctx)
	}

	_, err := m.Call(ctx, Request{
		Operation:         Connect{},
		Timeout:           connectRoundTrips * m.cfg.timeout(),
		AllowDisconnected: true,
	})
	if err == nil {
		err = m.refresh(ctx, client)
	}
	if err != nil {
		m.swapState(client, Connected, Disconnected)
		return err
	}

	m.mu.Lock()
	changed := false
	if m.client == client {
		changed = m.setStateLocked(Connected)
	}
	m.mu.Unlock()
	if changed {
		m.notify(Connected)
		m.log.Info().Msg("reconnected")
	}
	m.startWatchdog(client)
	return nil
}

// Close stops the watchdog, releases the client and clears every derived
// cache. The manager can be initialized again afterwards.
func (m *Manager) Close() error {
	m.mu.Lock()
	stop, done := m.stopWatchdog, m.watchdogDone
	m.stopWatchdog, m.watchdogDone = nil, nil
	m.client = nil
	changed := m.setStateLocked(Unconfigured)
	m.clearDerivedLocked()
	m.mu.Unlock()

	if stop != nil {
		stop()
		<-done
	}
	if changed {
		m.notify(Unconfigured)
	}
	return nil
}

func (m *Manager) startWatchdog(client Client) {
	interval := time.Duration(m.cfg.WatchdogInterval)
	if interval <= 0 {
		return
	}

	m.mu.Lock()
	if m.stopWatchdog != nil || m.client != client {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.stopWatchdog, m.watchdogDone = cancel, done
	m.mu.Unlock()

	// Probes are not waited for on stop: one may be notifying a listener
	// that is itself calling Close. A probe outliving its client publishes
	// nothing, since every write checks client ownership.
	go func() {
		defer close(done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				go m.probe(ctx)
			}
		}
	}()
}

// probe runs one liveness check. Overlapping probes are skipped.
func (m *Manager) probe(ctx context.Context) {
	if !m.probing.CompareAndSwap(false, true) {
		return
	}
	defer m.probing.Store(false)

	m.mu.RLock()
	client, state := m.client, m.state
	m.mu.RUnlock()
	if client == nil || (state != Connected && state != Disconnected) {
		return
	}

	pctx, cancel := context.WithTimeout(ctx, m.cfg.timeout())
	defer cancel()

	if _, err := client.GetSystemDateAndTime(pctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		if m.swapState(client, Connected, Disconnected) {
			m.log.Warn().Err(err).Msg("device stopped answering")
		}
		return
	}

	switch state {
	case Connected:
		if m.caps.Load().Empty() {
			caps, err := loadCapabilities(pctx, client)
			if err != nil {
				m.log.Debug().Err(err).Msg("capability reload failed")
				return
			}
			m.mu.Lock()
			if m.client == client && m.state == Connected {
				m.caps.Store(caps)
			}
			m.mu.Unlock()
		}
	case Disconnected:
		if err := m.refresh(pctx, client); err != nil {
			m.log.Warn().Err(err).Msg("device answers but refresh failed")
			return
		}
		if m.swapState(client, Disconnected, Connected) {
			m.log.Info().Msg("device reachable again")
		}
	}
}

// swapState moves from one state to another if client is still the owned
// client and the current state is from.
func (m *Manager) swapState(client Client, from, to State) bool {
	m.mu.Lock()
	if m.client != client || m.state != from {
		m.mu.Unlock()
		return false
	}
	m.setStateLocked(to)
	m.mu.Unlock()
	m.notify(to)
	return true
}

// setStateLocked records a transition and drops derived data when leaving
// Connected. It reports whether the state changed.
func (m *Manager) setStateLocked(s State) bool {
	if m.state == s {
		return false
	}
	m.state = s
	if s != Connected {
		m.clearDerivedLocked()
	}
	return true
}

func (m *Manager) clearDerivedLocked() {
	m.caps.Store(nil)
	m.profiles.Store(nil)
	m.epoch.Add(1)
	m.snapshots.Clear()
}

// OnStateChange registers fn for every state transition and returns a
// function that removes it. Listeners run synchronously, outside any lock,
// in registration order. A listener may call Close or Reconnect.
func (m *Manager) OnStateChange(fn func(State)) (remove func()) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()

	m.nextListener++
	id := m.nextListener
	m.listeners = append(m.listeners, stateListener{id: id, fn: fn})

	return func() {
		m.listenersMu.Lock()
		defer m.listenersMu.Unlock()
		for i, l := range m.listeners {
			if l.id == id {
				m.listeners = append(m.listeners[:i:i], m.listeners[i+1:]...)
				return
			}
		}
	}
}

func (m *Manager) notify(s State) {
	m.log.Debug().Str("state", s.String()).Msg("state changed")

	m.listenersMu.Lock()
	listeners := append([]stateListener(nil), m.listeners...)
	m.listenersMu.Unlock()

	for _, l := range listeners {
		l.fn(s)
	}
}

func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *Manager) Address() string {
	return m.cfg.Address
}

func (m *Manager) Config() Config {
	return m.cfg
}

// Supports reports whether the device advertises service. It is false
// whenever the manager is not Connected.
func (m *Manager) Supports(service string) bool {
	if m.State() != Connected {
		return false
	}
	return m.caps.Load().Supports(service)
}

// Capabilities returns the current snapshot, or nil when not Connected.
func (m *Manager) Capabilities() *Capabilities {
	if m.State() != Connected {
		return nil
	}
	return m.caps.Load()
}

// Profiles returns the cached profiles in device order, or nil when not
// Connected.
func (m *Manager) Profiles() []Profile {
	if m.State() != Connected {
		return nil
	}
	return m.profiles.Load().All()
}

// ResolveProfileToken returns the token of the first cached profile named
// name.
func (m *Manager) ResolveProfileToken(name string) (string, bool) {
	if m.State() != Connected {
		return "", false
	}
	return m.profiles.Load().Resolve(name)
}

// SnapshotURI returns the snapshot URI of a profile, from the cache when a
// fresh entry exists.
func (m *Manager) SnapshotURI(ctx context.Context, profileToken string) (string, error) {
	if m.State() == Connected {
		if uri, ok := m.snapshots.Get(profileToken); ok {
			return uri, nil
		}
	}

	epoch := m.epoch.Load()
	res, err := m.Call(ctx, Request{Operation: GetSnapshotURI{ProfileToken: profileToken}})
	if err != nil {
		return "", err
	}
	uri, err := ResultData[string](res)
	if err != nil {
		return "", newError(ErrParse, "GetSnapshotUri", m.cfg.Address, err)
	}

	m.mu.RLock()
	if m.state == Connected && m.epoch.Load() == epoch {
		m.snapshots.Set(profileToken, uri)
	}
	m.mu.RUnlock()
	return uri, nil
}

// FetchSnapshot downloads the current still image of a profile.
func (m *Manager) FetchSnapshot(ctx context.Context, profileToken string) (*onvif.Snapshot, error) {
	uri, err := m.SnapshotURI(ctx, profileToken)
	if err != nil {
		return nil, err
	}
	res, err := m.Call(ctx, Request{Operation: FetchSnapshot{URI: uri}, Timeout: onvif.SnapshotTimeout})
	if err != nil {
		return nil, err
	}
	snap, err := ResultData[*onvif.Snapshot](res)
	if err != nil {
		return nil, newError(ErrParse, "FetchSnapshot", m.cfg.Address, err)
	}
	return snap, nil
}

// AddEventListener registers a push listener on the connected client.
func (m *Manager) AddEventListener(handler func(*etree.Element)) (remove func(), err error) {
	m.mu.RLock()
	client, state := m.client, m.state
	m.mu.RUnlock()
	if client == nil || state != Connected {
		return nil, newError(ErrNotConnected, "AddEventListener", m.cfg.Address, errors.Errorf("state %s", state))
	}
	return client.AddEventListener(handler), nil
}
