package collie

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Health is the liveness monitor's verdict on a session.
type Health uint8

const (
	// HealthAlive means traffic is flowing within the short window.
	HealthAlive Health = iota

	// HealthDegraded means the short silence window elapsed. The
	// session may still recover.
	HealthDegraded

	// HealthFailed means the long silence window elapsed. The
	// session is torn down.
	HealthFailed
)

func (h Health) String() string {
	switch h {
	case HealthAlive:
		return "Alive"
	case HealthDegraded:
		return "Degraded"
	case HealthFailed:
		return "Failed"
	default:
		panic(fmt.Errorf("BUG: String called on invalid Health %d", h))
	}
}

// MonitorConfig configures a liveness [Monitor].
type MonitorConfig struct {
	Log *slog.Logger

	// ProbeInterval is the heartbeat period. Defaults to 2 seconds,
	// matching the firmware's expectation.
	ProbeInterval time.Duration

	// DegradedAfter is the silence window before Degraded.
	// Defaults to 3 probe intervals.
	DegradedAfter time.Duration

	// FailedAfter is the silence window before Failed. Defaults to
	// 3x DegradedAfter.
	FailedAfter time.Duration

	// Probe emits one heartbeat on the data channel.
	Probe func() error

	// LastActivity reports the most recent traffic observed on the
	// session, zero if none yet.
	LastActivity func() time.Time

	// OnTransition observes health changes. Called from the
	// monitor's goroutine.
	OnTransition func(Health)

	// NowFn is the clock, injectable for tests. Defaults to
	// time.Now.
	NowFn func() time.Time
}

func (c MonitorConfig) validate() {
	var errs []error

	if c.Log == nil {
		errs = append(errs, errors.New("Log may not be nil"))
	}
	if c.Probe == nil {
		errs = append(errs, errors.New("Probe may not be nil"))
	}
	if c.LastActivity == nil {
		errs = append(errs, errors.New("LastActivity may not be nil"))
	}
	if c.OnTransition == nil {
		errs = append(errs, errors.New("OnTransition may not be nil"))
	}

	if err := errors.Join(errs...); err != nil {
		panic(fmt.Errorf("invalid MonitorConfig: %w", err))
	}
}

// Monitor probes the data channel and watches for silence, reporting
// health transitions to its owner. It stops after reporting Failed
// or when its context is canceled.
type Monitor struct {
	log *slog.Logger
	cfg MonitorConfig

	started time.Time
	health  Health

	wg sync.WaitGroup
}

// NewMonitor starts a Monitor with the given configuration,
// panicking if the configuration is invalid. The monitor runs until
// ctx is canceled or it reports Failed.
func NewMonitor(ctx context.Context, cfg MonitorConfig) *Monitor {
	cfg.validate()

	if cfg.ProbeInterval == 0 {
		cfg.ProbeInterval = 2 * time.Second
	}
	if cfg.DegradedAfter == 0 {
		cfg.DegradedAfter = 3 * cfg.ProbeInterval
	}
	if cfg.FailedAfter == 0 {
		cfg.FailedAfter = 3 * cfg.DegradedAfter
	}
	if cfg.NowFn == nil {
		cfg.NowFn = time.Now
	}

	m := &Monitor{
		log: cfg.Log,
		cfg: cfg,

		started: cfg.NowFn(),
		health:  HealthAlive,
	}

	m.wg.Add(1)
	go m.run(ctx)

	return m
}

// Wait blocks until the monitor goroutine has finished.
func (m *Monitor) Wait() {
	m.wg.Wait()
}

func (m *Monitor) run(ctx context.Context) {
	defer m.wg.Done()

	t := time.NewTicker(m.cfg.ProbeInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if done := m.tick(); done {
				return
			}
		}
	}
}

func (m *Monitor) tick() bool {
	if err := m.cfg.Probe(); err != nil {
		m.log.Info("Failed to send liveness probe", "err", err)
	}

	last := m.cfg.LastActivity()
	if last.IsZero() {
		// No traffic observed yet; measure silence from start.
		last = m.started
	}
	silence := m.cfg.NowFn().Sub(last)

	var next Health
	switch {
	case silence >= m.cfg.FailedAfter:
		next = HealthFailed
	case silence >= m.cfg.DegradedAfter:
		next = HealthDegraded
	default:
		next = HealthAlive
	}

	if next != m.health {
		m.log.Info(
			"Session health changed",
			"from", m.health, "to", next, "silence", silence,
		)
		m.health = next
		m.cfg.OnTransition(next)
	}

	return next == HealthFailed
}
