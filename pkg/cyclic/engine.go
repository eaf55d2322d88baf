// Package cyclic drives the process data exchange.
//
// [Engine.Tick] is one exchange and never retries. [Engine.Step] adds the
// bounded policy for untrusted ticks and [Engine.Run] the fixed-period
// loop, checking for cancellation between ticks only.
package cyclic

import (
	"context"
	"errors"
	"fmt"
	"time"

	ecat "github.com/samsamfire/goecat"
	"github.com/samsamfire/goecat/pkg/master"
	log "github.com/sirupsen/logrus"
)

const (
	DefaultExchangeTimeout = 2 * time.Millisecond
	DefaultMaxMissed       = 20
)

type Options struct {
	Group uint8
	// Per-exchange receive timeout
	Timeout time.Duration
	// Consecutive untrusted ticks tolerated before Step fails
	MaxMissed int
	// Lock the loop to an OS thread and request real-time resources
	Realtime bool
}

// Result of one tick
type Result struct {
	Seq      uint64
	WKC      int
	Expected int
	// Trusted is false when the working counter is below expected or the
	// exchange failed, inputs must then be ignored
	Trusted bool
	Err     error
}

// Stats are cumulative counters since creation
type Stats struct {
	Ticks    uint64
	Missed   uint64
	Errors   uint64
	MaxLate  time.Duration
	LastWKC  int
	Sequence uint64
}

type Engine struct {
	master *master.Context
	logger *log.Entry
	opts   Options
	seq    uint64
	missed int
	stats  Stats
}

func NewEngine(m *master.Context, opts Options, logger *log.Entry) *Engine {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultExchangeTimeout
	}
	if opts.MaxMissed <= 0 {
		opts.MaxMissed = DefaultMaxMissed
	}
	return &Engine{master: m, opts: opts, logger: logger.WithField("service", "[CYCLIC]")}
}

// Expected working counter for the engine's group
func (e *Engine) Expected() int {
	return e.master.Group(e.opts.Group).ExpectedWKC
}

// Tick sends the outputs segment and receives the inputs segment.
// A working counter below expected is returned with an [ecat.ExchangeError].
func (e *Engine) Tick() (int, error) {
	wkc, err := e.master.Exchange(e.opts.Timeout)
	e.seq++
	e.stats.Ticks++
	e.stats.Sequence = e.seq
	e.stats.LastWKC = wkc
	if err != nil {
		e.stats.Errors++
		return wkc, fmt.Errorf("exchange %v : %w", e.seq, err)
	}
	if expected := e.Expected(); wkc < expected {
		e.stats.Missed++
		return wkc, &ecat.ExchangeError{WKC: wkc, Expected: expected}
	}
	return wkc, nil
}

// Step performs one tick and applies the miss policy: more than MaxMissed
// consecutive untrusted ticks is fatal.
func (e *Engine) Step() (Result, error) {
	wkc, err := e.Tick()
	res := Result{Seq: e.seq, WKC: wkc, Expected: e.Expected(), Trusted: err == nil, Err: err}
	e.master.Publish(e.seq, wkc)
	if res.Trusted {
		if e.missed > 0 {
			e.logger.WithFields(log.Fields{"seq": e.seq, "missed": e.missed}).Info("exchange recovered")
		}
		e.missed = 0
		return res, nil
	}
	e.missed++
	e.logger.WithFields(log.Fields{"seq": e.seq, "wkc": wkc, "expected": res.Expected, "consecutive": e.missed}).
		Warnf("untrusted exchange : %v", err)
	if e.missed > e.opts.MaxMissed {
		return res, fmt.Errorf("%v consecutive untrusted exchanges : %w", e.missed, ecat.ErrExchangeTimeout)
	}
	return res, nil
}

// Run ticks every period until ctx is done or fn returns an error. A
// period <= 0 runs ticks back to back. fn is called after every tick,
// trusted or not, and is the only place outputs may be written.
// Run returns nil when stopped through ctx.
func (e *Engine) Run(ctx context.Context, period time.Duration, fn func(Result) error) error {
	if e.opts.Realtime {
		release := e.realtime()
		defer release()
	}
	var ticker *time.Ticker
	if period > 0 {
		ticker = time.NewTicker(period)
		defer ticker.Stop()
	}
	e.logger.WithField("period", period).Info("starting cyclic exchange")
	next := time.Now()
	for {
		if ctx.Err() != nil {
			e.logger.Info("cyclic exchange stopped")
			return nil
		}
		if ticker != nil {
			select {
			case <-ctx.Done():
				e.logger.Info("cyclic exchange stopped")
				return nil
			case now := <-ticker.C:
				next = next.Add(period)
				if late := now.Sub(next); late > e.stats.MaxLate {
					e.stats.MaxLate = late
				}
			}
		}
		res, err := e.Step()
		if err != nil {
			return err
		}
		if err := fn(res); err != nil {
			if errors.Is(err, ErrStop) {
				return nil
			}
			return err
		}
	}
}

// ErrStop may be returned by a Run callback to end the loop without error
var ErrStop = errors.New("stop cyclic exchange")

func (e *Engine) Stats() Stats {
	return e.stats
}
