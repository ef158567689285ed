package collietest

import (
	"context"
	"log/slog"
	"sync"

	"github.com/collie-robotics/collie"
)

// Dialer is an in-process [collie.TransportDialer]: each dial builds
// a pipe with a fresh fake [Robot] on the far end.
type Dialer struct {
	Log *slog.Logger

	// OnDial observes the robot behind each successful dial, so
	// tests can register responders or drive telemetry.
	OnDial func(*Robot)

	mu    sync.Mutex
	fails []error
	dials int
}

// FailNextWith queues an error; the next Dial call returns it
// instead of connecting.
func (d *Dialer) FailNextWith(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fails = append(d.fails, err)
}

// Dials reports how many Dial calls have been made.
func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// Dial implements [collie.TransportDialer], walking the
// establishment states a real dial reports.
func (d *Dialer) Dial(ctx context.Context, cfg collie.DialConfig) (collie.Transport, error) {
	d.mu.Lock()
	d.dials++
	var failErr error
	if len(d.fails) > 0 {
		failErr, d.fails = d.fails[0], d.fails[1:]
	}
	d.mu.Unlock()

	observe := cfg.OnState
	if observe == nil {
		observe = func(collie.State) {}
	}

	observe(collie.StateOffering)
	observe(collie.StateIceGathering)

	if failErr != nil {
		return nil, failErr
	}

	observe(collie.StateIceChecking)
	observe(collie.StatePeerConnected)

	client, server := NewPipe()

	// The dial context ends with establishment; the robot lives
	// until its pipe closes.
	robot := NewRobot(context.WithoutCancel(ctx), d.Log.With("sys", "robot"), server)
	if d.OnDial != nil {
		d.OnDial(robot)
	}

	return client, nil
}
