package pipeline

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Scheduler drives the loop cadence.
type Scheduler interface {
	Ticks() <-chan time.Time
	Stop()
}

// TickerScheduler ticks at a fixed refresh rate. Every Ticks call
// starts a fresh ticker, so the scheduler survives a Stop and restart.
type TickerScheduler struct {
	clk    clock.Clock
	period time.Duration

	mu     sync.Mutex
	ticker *clock.Ticker
}

// NewTickerScheduler ticks hz times per second on clk.
func NewTickerScheduler(clk clock.Clock, hz float64) *TickerScheduler {
	if hz <= 0 {
		hz = 60
	}
	return &TickerScheduler{clk: clk, period: time.Duration(float64(time.Second) / hz)}
}

func (s *TickerScheduler) Ticks() <-chan time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ticker != nil {
		s.ticker.Stop()
	}
	s.ticker = s.clk.Ticker(s.period)
	return s.ticker.C
}

func (s *TickerScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ticker != nil {
		s.ticker.Stop()
		s.ticker = nil
	}
}

// ManualScheduler ticks only when Tick is called.
type ManualScheduler struct {
	c chan time.Time
}

// NewManualScheduler creates a scheduler with a one-tick buffer.
func NewManualScheduler() *ManualScheduler {
	return &ManualScheduler{c: make(chan time.Time, 1)}
}

// Tick requests one cycle; it reports false when a tick is already pending.
func (s *ManualScheduler) Tick() bool {
	select {
	case s.c <- time.Now():
		return true
	default:
		return false
	}
}

func (s *ManualScheduler) Ticks() <-chan time.Time { return s.c }

func (s *ManualScheduler) Stop() {}
