package main

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/scchn/smurfble/internal/groutine"
)

const (
	progressUpdateInterval = 100 * time.Millisecond
	clearLineSequence      = "\r\033[K"
)

// ProgressPrinter renders a single updating status line with an elapsed or
// remaining seconds counter.
//
// Usage:
//
//	p := NewProgressPrinter(...)
//	p.Start()
//	defer p.Stop()
//
// A ProgressPrinter is single-use: Start at most once, Stop releases the
// display goroutine and clears the line. Skipping Stop leaks the goroutine.
type ProgressPrinter struct {
	prefix     string
	phase      atomic.Value        // current phase name
	stopPhases map[string]struct{} // phases that shut the printer down
	startTime  time.Time
	ticker     atomic.Pointer[time.Ticker]
	stopChan   chan struct{}
	done       chan struct{}
	started    atomic.Bool
	countUp    bool
	duration   time.Duration // countdown mode only
}

func newProgressPrinter(prefix, phase string, countUp bool, duration time.Duration, stopPhases []string) *ProgressPrinter {
	stopSet := make(map[string]struct{}, len(stopPhases))
	for _, p := range stopPhases {
		stopSet[p] = struct{}{}
	}
	p := &ProgressPrinter{
		prefix:     prefix,
		stopPhases: stopSet,
		countUp:    countUp,
		duration:   duration,
	}
	p.phase.Store(phase)
	return p
}

// NewProgressPrinter creates a printer that counts up, showing elapsed
// seconds. Setting any of stopPhases via Callback shuts the printer down.
func NewProgressPrinter(prefix string, phase string, stopPhases ...string) *ProgressPrinter {
	return newProgressPrinter(prefix, phase, true, 0, stopPhases)
}

// NewCountdownProgressPrinter creates a printer that counts down from
// duration, showing remaining seconds.
func NewCountdownProgressPrinter(prefix string, phase string, duration time.Duration, stopPhases ...string) *ProgressPrinter {
	return newProgressPrinter(prefix, phase, false, duration, stopPhases)
}

// Start begins rendering in a background goroutine. Panics when called a
// second time on the same instance.
func (p *ProgressPrinter) Start() {
	if !p.started.CompareAndSwap(false, true) {
		panic("ProgressPrinter.Start called more than once")
	}

	p.done = make(chan struct{})
	p.stopChan = make(chan struct{})
	p.startTime = time.Now()
	ticker := time.NewTicker(progressUpdateInterval)
	p.ticker.Store(ticker)

	fmt.Printf("\r%s (%s...)   ", p.prefix, p.phase.Load().(string))

	groutine.Go(nil, "cli/progress", func(_ context.Context) {
		defer close(p.done)
		defer func() {
			if r := recover(); r != nil {
				fmt.Printf("\nprogress printer panic: %v\n", r)
			}
		}()

		for {
			select {
			case <-p.stopChan:
				return
			case <-ticker.C:
				phase := p.phase.Load().(string)
				if _, stop := p.stopPhases[phase]; stop {
					return
				}
				p.printProgress(phase, p.seconds())
			}
		}
	})
}

// seconds returns the elapsed or remaining whole seconds to display.
func (p *ProgressPrinter) seconds() int {
	elapsed := time.Since(p.startTime)
	if p.countUp {
		return int(elapsed.Seconds())
	}

	remaining := p.duration - elapsed
	if remaining <= 0 {
		// An expired countdown holds at 0; the caller decides when to stop.
		return 0
	}
	// Round to the nearest second so 3.7s renders as 4s, not 3s.
	return int(remaining.Seconds() + 0.5)
}

func (p *ProgressPrinter) printProgress(phase string, seconds int) {
	if seconds > 0 {
		fmt.Printf("\r%s (%s %ds)   ", p.prefix, phase, seconds)
	} else {
		fmt.Printf("\r%s (%s...)   ", p.prefix, phase)
	}
}

// Callback returns a phase-update function suitable for session progress
// reporting. Setting a stop phase triggers Stop automatically. Safe to call
// from any goroutine.
func (p *ProgressPrinter) Callback() func(phase string) {
	return func(phase string) {
		p.phase.Store(phase)
		if _, stop := p.stopPhases[phase]; stop {
			p.Stop()
		}
	}
}

// Stop halts rendering and clears the line. Safe to call multiple times and
// from multiple goroutines; only the first call tears the goroutine down.
func (p *ProgressPrinter) Stop() {
	ticker := p.ticker.Swap(nil)
	if ticker == nil {
		return
	}

	ticker.Stop()
	close(p.stopChan)
	<-p.done

	fmt.Print(clearLineSequence)
}
