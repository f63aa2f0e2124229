// Package events delivers normalized device notifications, either by
// listening to pushed events or by polling a pull-point subscription.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/beevik/etree"
	"github.com/juju/errors"
	"github.com/rs/zerolog"
	"github.com/use-go/onvif/v2"
	"github.com/use-go/onvif/v2/connection"
)

const (
	ErrAlreadyActive = errors.ConstError("subscription already active")
	ErrWrongMode     = errors.ConstError("operation not available in this mode")
)

const (
	DefaultPollInterval    = time.Second
	DefaultBatchSize       = 10
	DefaultPullTimeout     = 5 * time.Second
	DefaultTerminationTime = time.Minute

	// Extra time granted to a pull on top of its server-side wait.
	pullMargin = 2 * time.Second
)

type Mode int

const (
	Push Mode = iota
	PullPoint
)

func (m Mode) String() string {
	if m == PullPoint {
		return "pull-point"
	}
	return "push"
}

// Handler receives each normalized event, in delivery order.
type Handler func(Event)

// Connection is what the manager needs from connection.Manager.
type Connection interface {
	State() connection.State
	OnStateChange(fn func(connection.State)) (remove func())
	Call(ctx context.Context, req connection.Request) (*connection.Result, error)
	AddEventListener(handler func(*etree.Element)) (remove func(), err error)
}

var _ Connection = (*connection.Manager)(nil)

type Option func(*Manager)

func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

func WithPollInterval(d time.Duration) Option {
	return func(m *Manager) { m.pollInterval = d }
}

// WithBatchSize bounds the number of messages fetched per poll.
func WithBatchSize(n int) Option {
	return func(m *Manager) { m.batchSize = n }
}

// WithPullTimeout sets how long the device may hold a pull open.
func WithPullTimeout(d time.Duration) Option {
	return func(m *Manager) { m.pullTimeout = d }
}

// WithTerminationTime sets the initial lifetime of a pull-point
// subscription.
func WithTerminationTime(d time.Duration) Option {
	return func(m *Manager) { m.termination = d }
}

// WithRenewInterval renews the pull-point subscription periodically. Zero
// disables renewal.
func WithRenewInterval(d time.Duration) Option {
	return func(m *Manager) { m.renewInterval = d }
}

// Manager owns at most one active subscription for one feature context.
type Manager struct {
	conn    Connection
	mode    Mode
	handler Handler
	log     zerolog.Logger

	pollInterval  time.Duration
	batchSize     int
	pullTimeout   time.Duration
	termination   time.Duration
	renewInterval time.Duration

	mu          sync.Mutex
	active      bool
	epoch       uint64
	address     string
	pollTimer   *time.Timer
	renewTimer  *time.Timer
	removePush  func()
	removeState func()

	// pollingEpoch is the subscription with a pull in flight, zero if none.
	pollingEpoch uint64
}

// New returns an idle manager. It watches conn and tears the subscription
// down whenever the connection leaves Connected.
func New(conn Connection, mode Mode, handler Handler, opts ...Option) *Manager {
	m := &Manager{
		conn:         conn,
		mode:         mode,
		handler:      handler,
		log:          zerolog.Nop(),
		pollInterval: DefaultPollInterval,
		batchSize:    DefaultBatchSize,
		pullTimeout:  DefaultPullTimeout,
		termination:  DefaultTerminationTime,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.With().Str("component", "events").Str("mode", mode.String()).Logger()
	m.removeState = conn.OnStateChange(func(s connection.State) {
		if s != connection.Connected {
			m.teardown(context.Background(), "connection "+s.String())
		}
	})
	return m
}

func (m *Manager) Mode() Mode {
	return m.mode
}

// Active reports whether a subscription or listener is running.
func (m *Manager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Start registers the push listener.
func (m *Manager) Start(ctx context.Context) error {
	if m.mode != Push {
		return errors.Annotatef(ErrWrongMode, "start in %s mode", m.mode)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active {
		return ErrAlreadyActive
	}

	remove, err := m.conn.AddEventListener(m.deliver)
	if err != nil {
		return errors.Trace(err)
	}
	m.active = true
	m.removePush = remove
	m.log.Info().Msg("listening for events")
	return nil
}

// Stop removes the push listener. Stopping an idle manager is a no-op.
func (m *Manager) Stop() {
	m.teardown(context.Background(), "stopped")
}

// Subscribe creates a pull-point subscription and starts polling it.
func (m *Manager) Subscribe(ctx context.Context) error {
	if m.mode != PullPoint {
		return errors.Annotatef(ErrWrongMode, "subscribe in %s mode", m.mode)
	}

	m.mu.Lock()
	if m.active {
		m.mu.Unlock()
		return ErrAlreadyActive
	}
	m.mu.Unlock()

	res, err := m.conn.Call(ctx, connection.Request{
		Operation: connection.CreatePullPointSubscription{InitialTerminationTime: m.termination},
	})
	if err != nil {
		return err
	}
	sub, err := connection.ResultData[*onvif.PullPointSubscription](res)
	if err != nil {
		return errors.Trace(err)
	}
	if sub.Address == "" {
		return errors.WithType(errors.New("subscription without address"), connection.ErrParse)
	}

	m.mu.Lock()
	if m.active {
		m.mu.Unlock()
		m.unsubscribeRemote(ctx, sub.Address)
		return ErrAlreadyActive
	}
	m.active = true
	m.epoch++
	epoch := m.epoch
	m.address = sub.Address
	m.pollTimer = time.AfterFunc(0, func() { m.poll(epoch) })
	if m.renewInterval > 0 {
		m.renewTimer = time.AfterFunc(m.renewInterval, func() { m.renew(epoch) })
	}
	m.mu.Unlock()

	m.log.Info().Str("subscription", sub.Address).Time("terminates", sub.TerminationTime).Msg("subscribed")
	return nil
}

// Unsubscribe stops polling and removes the remote subscription. Remote
// errors are logged and dropped.
func (m *Manager) Unsubscribe(ctx context.Context) {
	m.teardown(ctx, "unsubscribed")
}

// Close tears down any subscription and stops watching the connection.
func (m *Manager) Close() {
	m.teardown(context.Background(), "closed")
	if m.removeState != nil {
		m.removeState()
	}
}

func (m *Manager) teardown(ctx context.Context, reason string) {
	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		return
	}
	m.active = false
	m.epoch++
	address := m.address
	m.address = ""
	removePush := m.removePush
	m.removePush = nil
	if m.pollTimer != nil {
		m.pollTimer.Stop()
		m.pollTimer = nil
	}
	if m.renewTimer != nil {
		m.renewTimer.Stop()
		m.renewTimer = nil
	}
	m.mu.Unlock()

	if removePush != nil {
		removePush()
	}
	if address != "" && m.conn.State() == connection.Connected {
		m.unsubscribeRemote(ctx, address)
	}
	m.log.Info().Str("reason", reason).Msg("subscription ended")
}

func (m *Manager) unsubscribeRemote(ctx context.Context, address string) {
	_, err := m.conn.Call(ctx, connection.Request{
		Operation: connection.Unsubscribe{Address: address},
	})
	if err != nil {
		m.log.Debug().Err(err).Str("subscription", address).Msg("unsubscribe failed")
	}
}

// current returns the subscription address if epoch is still the live one.
func (m *Manager) current(epoch uint64) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.active || m.epoch != epoch {
		return "", false
	}
	return m.address, true
}

// beginPoll claims the pull slot for epoch. A pull left over from an
// earlier subscription does not block a newer one.
func (m *Manager) beginPoll(epoch uint64) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.active || m.epoch != epoch || m.pollingEpoch == epoch {
		return "", false
	}
	m.pollingEpoch = epoch
	return m.address, true
}

func (m *Manager) endPoll(epoch uint64) {
	m.mu.Lock()
	if m.pollingEpoch == epoch {
		m.pollingEpoch = 0
	}
	m.mu.Unlock()
}

func (m *Manager) poll(epoch uint64) {
	address, ok := m.beginPoll(epoch)
	if !ok {
		return
	}

	res, err := m.conn.Call(context.Background(), connection.Request{
		Operation: connection.PullMessages{Address: address, Timeout: m.pullTimeout, Limit: m.batchSize},
		Timeout:   m.pullTimeout + pullMargin,
	})
	m.endPoll(epoch)

	if err != nil {
		m.log.Warn().Err(err).Msg("pull failed")
	} else if msgs, err := connection.ResultData[[]*etree.Element](res); err != nil {
		m.log.Warn().Err(err).Msg("unexpected pull result")
	} else {
		for _, msg := range msgs {
			if _, ok := m.current(epoch); !ok {
				return
			}
			m.deliver(msg)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active && m.epoch == epoch {
		m.pollTimer = time.AfterFunc(m.pollInterval, func() { m.poll(epoch) })
	}
}

func (m *Manager) renew(epoch uint64) {
	address, ok := m.current(epoch)
	if !ok {
		return
	}

	_, err := m.conn.Call(context.Background(), connection.Request{
		Operation: connection.RenewSubscription{Address: address, TerminationTime: m.termination},
	})
	if err != nil {
		m.log.Warn().Err(err).Msg("renew failed")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active && m.epoch == epoch {
		m.renewTimer = time.AfterFunc(m.renewInterval, func() { m.renew(epoch) })
	}
}

// deliver normalizes one notification. Malformed messages are dropped.
func (m *Manager) deliver(msg *etree.Element) {
	ev, err := Normalize(msg)
	if err != nil {
		m.log.Warn().Err(err).Msg("dropping malformed event")
		return
	}
	if m.handler != nil {
		m.handler(ev)
	}
}
