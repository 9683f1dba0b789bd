package lock

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mirkobrombin/go-dav/v1/davpath"
	daverrors "github.com/mirkobrombin/go-dav/v1/errors"
	"github.com/mirkobrombin/go-dav/v1/metrics"
	"github.com/mirkobrombin/go-dav/v1/syncbus"
)

const (
	// DefaultMaxTimeout caps every negotiated timeout.
	DefaultMaxTimeout = 86400 * time.Second
	// DefaultTimeout applies when a request carries no timeout.
	DefaultTimeout = 60 * time.Second
	// Topic is the bus topic lock events are published on.
	Topic = "davlock:events"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-dav/v1/lock")

// Manager arbitrates lock requests against a Store.
type Manager struct {
	store          Store
	maxTimeout     time.Duration
	defaultTimeout time.Duration
	bus            syncbus.Bus
	logger         *slog.Logger
	now            func() time.Time
	newToken       func() string
}

// Option configures a Manager.
type Option func(*Manager)

// WithMaxTimeout sets the upper bound of negotiated timeouts.
func WithMaxTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.maxTimeout = d
		}
	}
}

// WithDefaultTimeout sets the timeout used when a request carries none.
func WithDefaultTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.defaultTimeout = d
		}
	}
}

// WithBus publishes lock, unlock and refresh events on bus.
func WithBus(bus syncbus.Bus) Option {
	return func(m *Manager) {
		m.bus = bus
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithTokenGenerator overrides NewToken.
func WithTokenGenerator(gen func() string) Option {
	return func(m *Manager) {
		if gen != nil {
			m.newToken = gen
		}
	}
}

// NewManager returns a Manager working against store.
func NewManager(store Store, opts ...Option) *Manager {
	m := &Manager{
		store:          store,
		maxTimeout:     DefaultMaxTimeout,
		defaultTimeout: DefaultTimeout,
		logger:         slog.Default(),
		now:            time.Now,
		newToken:       NewToken,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Store returns the store the manager works against.
func (m *Manager) Store() Store {
	return m.store
}

// NegotiateTimeout picks the timeout granted for requested. Zero means none
// was requested and a negative value stands for "Infinite".
func (m *Manager) NegotiateTimeout(requested time.Duration) time.Duration {
	switch {
	case requested == 0:
		return m.defaultTimeout
	case requested < 0, requested > m.maxTimeout:
		return m.maxTimeout
	}
	return requested
}

// Lock grants or reuses a lock on target for user. It returns the remaining
// timeout and the token of the lock. An existing lock with the same scope,
// kind and user is returned as is.
func (m *Manager) Lock(ctx context.Context, target Target, user string, req Request) (time.Duration, string, error) {
	ctx, span := tracer.Start(ctx, "lock.Manager.Lock", trace.WithAttributes(
		attribute.String("dav.path", target.PublicPath().String()),
		attribute.String("dav.scope", string(req.Scope)),
		attribute.String("dav.depth", req.Depth.String()),
	))
	defer span.End()

	if err := req.validate(); err != nil {
		return 0, "", m.fail(span, "bad_request", err)
	}
	now := m.now()

	ok, err := target.ParentExists(ctx)
	if err != nil {
		return 0, "", m.fail(span, "parent", err)
	}
	if !ok {
		return 0, "", m.fail(span, "conflict", fmt.Errorf("parent of %s does not exist: %w", target.PublicPath(), daverrors.ErrConflict))
	}

	var granted *Lock
	var kind verdictKind
	err = m.store.Atomically(ctx, func(ctx context.Context) error {
		explicit, err := m.store.ExplicitLocks(ctx, target.Path())
		if err != nil {
			return err
		}
		var implicit []*Lock
		if len(explicit) == 0 {
			implicit, err = m.store.ImplicitLocks(ctx, target.Path())
			if err != nil {
				return err
			}
		}

		v := decide(req, user, explicit, implicit, target.PublicPath().String())
		kind = v.kind
		switch v.kind {
		case verdictDenied:
			return v.err
		case verdictReused:
			granted = v.lock
			return nil
		}

		l, err := m.store.Generate(ctx, target.Path(), user, m.newToken())
		if err != nil {
			return err
		}
		l.Scope = req.Scope
		l.Kind = req.kind()
		l.Owner = req.Owner
		l.Depth = req.Depth
		l.Timeout = m.NegotiateTimeout(req.Timeout)
		l.CreatedAt = now
		if err := m.store.Save(ctx, l); err != nil {
			return err
		}
		granted = l
		return nil
	})
	if err != nil {
		reason := "store"
		if kind == verdictDenied {
			reason = "locked"
		}
		return 0, "", m.fail(span, reason, err)
	}

	span.SetAttributes(attribute.String("dav.verdict", kind.String()))
	if kind == verdictReused {
		metrics.LockReusedCounter.Inc()
		m.logger.Debug("dav: lock reused", "path", granted.Path.String(), "token", granted.Token, "user", user)
		return granted.Remaining(now).Round(time.Second), granted.Token, nil
	}
	metrics.LockGrantedCounter.Inc()
	m.logger.Debug("dav: lock granted", "path", granted.Path.String(), "token", granted.Token, "user", user, "timeout", granted.Timeout)
	m.publish(ctx, syncbus.EventLock, granted)
	return granted.Timeout, granted.Token, nil
}

// Unlock releases the lock identified by ref, the Lock-Token header value in
// its "<token>" wire form. The lock must belong to user and its path must
// contain path.
func (m *Manager) Unlock(ctx context.Context, path davpath.Path, user, ref string) error {
	ctx, span := tracer.Start(ctx, "lock.Manager.Unlock", trace.WithAttributes(
		attribute.String("dav.path", path.String()),
	))
	defer span.End()

	token, err := StripToken(ref)
	if err != nil {
		metrics.UnlockCounter.WithLabelValues("bad_request").Inc()
		return m.record(span, err)
	}

	var released *Lock
	err = m.store.Atomically(ctx, func(ctx context.Context) error {
		l, err := m.owned(ctx, path, user, token)
		if err != nil {
			return err
		}
		if err := m.store.Destroy(ctx, l); err != nil {
			return err
		}
		released = l
		return nil
	})
	if err != nil {
		metrics.UnlockCounter.WithLabelValues(outcome(err)).Inc()
		m.logger.Warn("dav: unlock rejected", "path", path.String(), "token", token, "user", user, "error", err)
		return m.record(span, err)
	}
	metrics.UnlockCounter.WithLabelValues("ok").Inc()
	m.logger.Debug("dav: lock released", "path", released.Path.String(), "token", token, "user", user)
	m.publish(ctx, syncbus.EventUnlock, released)
	return nil
}

// Refresh restarts the clock of the lock identified by ref and renegotiates
// its timeout. Ownership and containment are checked as for Unlock.
func (m *Manager) Refresh(ctx context.Context, path davpath.Path, user, ref string, timeout time.Duration) (time.Duration, error) {
	ctx, span := tracer.Start(ctx, "lock.Manager.Refresh", trace.WithAttributes(
		attribute.String("dav.path", path.String()),
	))
	defer span.End()

	token, err := StripToken(ref)
	if err != nil {
		return 0, m.record(span, err)
	}
	now := m.now()
	var refreshed *Lock
	err = m.store.Atomically(ctx, func(ctx context.Context) error {
		l, err := m.owned(ctx, path, user, token)
		if err != nil {
			return err
		}
		l = l.Clone()
		l.Timeout = m.NegotiateTimeout(timeout)
		l.CreatedAt = now
		if err := m.store.Save(ctx, l); err != nil {
			return err
		}
		refreshed = l
		return nil
	})
	if err != nil {
		return 0, m.record(span, err)
	}
	metrics.RefreshCounter.Inc()
	m.logger.Debug("dav: lock refreshed", "path", refreshed.Path.String(), "token", token, "user", user, "timeout", refreshed.Timeout)
	m.publish(ctx, syncbus.EventRefresh, refreshed)
	return refreshed.Timeout, nil
}

// Discover returns the explicit locks at path followed by the implicit locks
// inherited from its ancestors.
func (m *Manager) Discover(ctx context.Context, path davpath.Path) ([]*Lock, error) {
	explicit, err := m.store.ExplicitLocks(ctx, path)
	if err != nil {
		return nil, err
	}
	implicit, err := m.store.ImplicitLocks(ctx, path)
	if err != nil {
		return nil, err
	}
	return append(explicit, implicit...), nil
}

// Confirm checks that the lock identified by ref belongs to user and covers
// path, as required before a modifying request proceeds.
func (m *Manager) Confirm(ctx context.Context, path davpath.Path, user, ref string) error {
	token, err := StripToken(ref)
	if err != nil {
		return err
	}
	l, err := m.owned(ctx, path, user, token)
	if err != nil {
		return err
	}
	if !l.Covers(path) {
		return fmt.Errorf("lock %s does not cover %s: %w", token, path, daverrors.ErrLocked)
	}
	return nil
}

// owned finds the lock identified by token and checks it belongs to user
// and contains path.
func (m *Manager) owned(ctx context.Context, path davpath.Path, user, token string) (*Lock, error) {
	l, ok, err := m.store.FindByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if !ok || l.User != user {
		return nil, fmt.Errorf("lock %s not held by %s: %w", token, user, daverrors.ErrForbidden)
	}
	if !l.Path.Contains(path) {
		return nil, fmt.Errorf("lock %s on %s does not contain %s: %w", token, l.Path, path, daverrors.ErrConflict)
	}
	return l, nil
}

func (m *Manager) publish(ctx context.Context, typ string, l *Lock) {
	if m.bus == nil {
		return
	}
	ev := syncbus.Event{Type: typ, Path: l.Path.String(), Token: l.Token, User: l.User}
	if err := m.bus.Publish(ctx, Topic, ev); err != nil {
		m.logger.Warn("dav: publish lock event failed", "path", ev.Path, "token", ev.Token, "error", err)
	}
}

func (m *Manager) fail(span trace.Span, reason string, err error) error {
	metrics.LockDeniedCounter.WithLabelValues(reason).Inc()
	return m.record(span, err)
}

func (m *Manager) record(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func outcome(err error) string {
	switch {
	case stdErrors.Is(err, daverrors.ErrForbidden):
		return "forbidden"
	case stdErrors.Is(err, daverrors.ErrConflict):
		return "conflict"
	}
	return "error"
}
