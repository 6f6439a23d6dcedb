// Package gate arbitrates the capture pipeline between the speech recognizer
// and synthesized playback.
//
// At most one owner holds the [Gate] at any instant. Playback always wins:
// acquiring the gate for [OwnerPlayback] preempts a running recognizer, while
// recognition can never preempt playback. Recognizer start and stop calls are
// issued only by the gate, at most once per owner transition.
package gate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Owner identifies who holds the capture pipeline.
type Owner int

const (
	// OwnerNone means the pipeline is idle.
	OwnerNone Owner = iota
	// OwnerRecognition means captured frames flow to the recognizer.
	OwnerRecognition
	// OwnerPlayback means synthesized speech is playing; capture is muted.
	OwnerPlayback
)

// String returns the lowercase owner name.
func (o Owner) String() string {
	switch o {
	case OwnerNone:
		return "none"
	case OwnerRecognition:
		return "recognition"
	case OwnerPlayback:
		return "playback"
	default:
		return fmt.Sprintf("owner(%d)", int(o))
	}
}

// Recognizer is the part of the speech recognizer the gate drives.
type Recognizer interface {
	Start(ctx context.Context) error
	Stop() error
}

// ConflictError reports an acquire that the arbitration rules forbid, such as
// recognition trying to take the gate from playback. It signals a programming
// error in the caller's transition logic, not a recoverable runtime state.
type ConflictError struct {
	Held      Owner
	Requested Owner
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("gate: %s cannot acquire while held by %s", e.Requested, e.Held)
}

// Option configures a [Gate].
type Option func(*Gate)

// WithObserver registers fn to be called after every owner change. fn runs
// with the gate's lock held and must not call back into the gate.
func WithObserver(fn func(from, to Owner)) Option {
	return func(g *Gate) { g.observe = fn }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(g *Gate) { g.log = l }
}

// Gate is the mutually exclusive switch over the capture pipeline. It is
// safe for concurrent use.
type Gate struct {
	rec     Recognizer
	observe func(from, to Owner)
	log     *slog.Logger

	mu      sync.Mutex
	owner   Owner
	running bool // recognizer started and not yet stopped
}

// New returns an idle Gate driving rec.
func New(rec Recognizer, opts ...Option) *Gate {
	g := &Gate{rec: rec, log: slog.Default()}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Owner returns the current holder.
func (g *Gate) Owner() Owner {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.owner
}

// Acquire hands the gate to owner and reports whether ownership changed.
//
// Acquiring for the current holder is a no-op. Acquiring for
// [OwnerPlayback] preempts recognition, stopping the recognizer once.
// Acquiring for [OwnerRecognition] starts the recognizer; if Start fails the
// gate stays idle and the error is returned. Acquiring for [OwnerNone] is
// equivalent to releasing the current holder.
//
// Acquire returns [*ConflictError] when recognition asks for a gate held by
// playback.
func (g *Gate) Acquire(ctx context.Context, owner Owner) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if owner == g.owner {
		return false, nil
	}
	switch owner {
	case OwnerNone:
		return g.releaseLocked(g.owner), nil

	case OwnerPlayback:
		g.stopLocked()
		g.setLocked(OwnerPlayback)
		return true, nil

	case OwnerRecognition:
		if g.owner == OwnerPlayback {
			return false, &ConflictError{Held: g.owner, Requested: owner}
		}
		if !g.running {
			if err := g.rec.Start(ctx); err != nil {
				return false, fmt.Errorf("gate: start recognizer: %w", err)
			}
			g.running = true
		}
		g.setLocked(OwnerRecognition)
		return true, nil

	default:
		return false, fmt.Errorf("gate: unknown owner %s", owner)
	}
}

// Release gives up the gate if owner currently holds it and reports whether
// anything changed. Releasing recognition stops the recognizer. Releasing an
// owner that does not hold the gate is a no-op, so repeated releases issue at
// most one Stop.
func (g *Gate) Release(owner Owner) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.releaseLocked(owner)
}

func (g *Gate) releaseLocked(owner Owner) bool {
	if owner == OwnerNone || owner != g.owner {
		return false
	}
	if owner == OwnerRecognition {
		g.stopLocked()
	}
	g.setLocked(OwnerNone)
	return true
}

// stopLocked stops the recognizer if it is running. A Stop error is logged;
// the recognizer is considered stopped either way so the next acquire issues
// a fresh Start.
func (g *Gate) stopLocked() {
	if !g.running {
		return
	}
	g.running = false
	if err := g.rec.Stop(); err != nil {
		g.log.Warn("gate: stop recognizer", "err", err)
	}
}

func (g *Gate) setLocked(to Owner) {
	from := g.owner
	g.owner = to
	g.log.Debug("gate: owner changed", "from", from.String(), "to", to.String())
	if g.observe != nil {
		g.observe(from, to)
	}
}
