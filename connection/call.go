package connection

import (
	"context"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/use-go/onvif/v2"
)

// RetryBackoff is the default pause between two attempts of a call.
const RetryBackoff = 300 * time.Millisecond

// Request describes one orchestrated call.
type Request struct {
	Operation Operation
	// Timeout bounds each attempt. Zero uses the configured timeout.
	Timeout time.Duration
	// Retries is the number of extra attempts after a failure.
	Retries int
	// AllowDisconnected skips the state and capability checks. Used for
	// reconnects.
	AllowDisconnected bool
}

// Result is the outcome of a successful call. Raw holds the response
// payload when the operation went over SOAP.
type Result struct {
	Data any
	Raw  []byte
}

// ResultData returns the typed payload of a result.
func ResultData[T any](r *Result) (T, error) {
	var zero T
	if r == nil {
		return zero, errors.NotFoundf("result")
	}
	v, ok := r.Data.(T)
	if !ok {
		return zero, errors.WithType(errors.Errorf("result is %T, want %T", r.Data, zero), ErrParse)
	}
	return v, nil
}

// Call executes an operation against the device. Pre-checks run before any
// I/O; each attempt is bounded by the request timeout and exactly one
// outcome is kept per attempt. The returned error is always an *Error.
func (m *Manager) Call(ctx context.Context, req Request) (*Result, error) {
	client, err := m.precheck(req)
	if err != nil {
		m.log.Error().Err(err.Err).Str("method", err.Method).Str("kind", string(err.Kind)).Msg("call rejected")
		return nil, err
	}

	op := req.Operation
	method := op.Method()
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = m.cfg.timeout()
	}
	attempts := 1 + max(req.Retries, 0)

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			if err := sleepContext(ctx, m.backoff); err != nil {
				lastErr = err
				break
			}
		}

		res, err := m.attempt(ctx, client, op, timeout)
		if err == nil {
			return res, nil
		}
		lastErr = err
		m.log.Debug().Err(err).Str("method", method).Int("attempt", attempt).Int("attempts", attempts).Msg("call attempt failed")

		if ctx.Err() != nil {
			break
		}
	}

	e := newError(classify(lastErr), method, m.cfg.Address, lastErr)
	m.log.Error().Err(lastErr).Str("method", method).Str("kind", string(e.Kind)).Msg("call failed")
	return nil, e
}

func (m *Manager) precheck(req Request) (Client, *Error) {
	op := req.Operation
	if op == nil {
		return nil, newError(ErrMethodNotFound, "", m.cfg.Address, errors.New("no operation"))
	}
	method := op.Method()

	m.mu.RLock()
	client, state := m.client, m.state
	m.mu.RUnlock()

	if client == nil {
		return nil, newError(ErrNotConnected, method, m.cfg.Address, errors.New("no active client"))
	}
	if !req.AllowDisconnected {
		if state != Connected {
			return nil, newError(ErrNotConnected, method, m.cfg.Address, errors.Errorf("state %s", state))
		}
		service := op.Service()
		if !m.cfg.ungated(service) && !m.caps.Load().Supports(service) {
			return nil, newError(ErrUnsupportedService, method, m.cfg.Address, errors.Errorf("service %q not advertised", service))
		}
	}

	if p, ok := op.(preflight); ok {
		if err := p.check(client); err != nil {
			kind := ErrConfiguration
			if errors.Is(err, errors.NotFound) {
				kind = ErrMethodNotFound
			}
			return nil, newError(kind, method, m.cfg.Address, err)
		}
	}
	return client, nil
}

// attempt runs one invocation. Whichever of completion and deadline comes
// first decides the outcome; the other is discarded.
func (m *Manager) attempt(ctx context.Context, client Client, op Operation, timeout time.Duration) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.sem != nil {
		if err := m.sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
	}

	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	method := op.Method()
	pc := newPendingCall()

	// The permit follows the invocation, not the deadline: a timed-out
	// request still occupies the device until it returns.
	go func() {
		if m.sem != nil {
			defer m.sem.Release(1)
		}
		rctx, raw := onvif.WithRawResponse(actx)
		data, err := op.invoke(rctx, client)
		o := outcome{err: err}
		if err == nil {
			o.result = &Result{Data: data, Raw: raw.Bytes()}
		}
		if !pc.complete(o) {
			m.log.Debug().Str("method", method).Msg("discarding late completion")
		}
	}()

	select {
	case <-pc.done:
	case <-actx.Done():
		err := ctx.Err()
		if err == nil {
			err = errors.Timeoutf("%s after %s", method, timeout)
		}
		pc.complete(outcome{err: err})
	}
	return pc.out.result, pc.out.err
}

type outcome struct {
	result *Result
	err    error
}

// pendingCall settles exactly once.
type pendingCall struct {
	once sync.Once
	done chan struct{}
	out  outcome
}

func newPendingCall() *pendingCall {
	return &pendingCall{done: make(chan struct{})}
}

// complete records o unless the call has already settled. It reports
// whether o was kept.
func (p *pendingCall) complete(o outcome) bool {
	kept := false
	p.once.Do(func() {
		p.out = o
		kept = true
		close(p.done)
	})
	return kept
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
