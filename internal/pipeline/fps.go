package pipeline

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

const fpsWindow = time.Second

// FPSMeter counts completed cycles and publishes frames per second once
// per window of at least one second.
type FPSMeter struct {
	clk clock.Clock

	mu     sync.Mutex
	start  time.Time
	frames int
	fps    float64
}

// NewFPSMeter starts the first window now.
func NewFPSMeter(clk clock.Clock) *FPSMeter {
	return &FPSMeter{clk: clk, start: clk.Now()}
}

// Tick records one cycle. When the window has elapsed it publishes
// frames*1000/elapsedMs, resets the window and reports true.
func (m *FPSMeter) Tick() (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.frames++
	elapsed := m.clk.Since(m.start)
	if elapsed < fpsWindow {
		return m.fps, false
	}
	elapsedMs := float64(elapsed) / float64(time.Millisecond)
	m.fps = float64(m.frames) * 1000 / elapsedMs
	m.frames = 0
	m.start = m.clk.Now()
	return m.fps, true
}

// Reset drops the frames counted so far and starts a new window now.
func (m *FPSMeter) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frames = 0
	m.start = m.clk.Now()
}

// FPS is the last published value.
func (m *FPSMeter) FPS() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fps
}
