package aggregator

import (
	"sync"

	"github.com/bmharper/ringbuffer"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-dashboard/internal/logger"
)

// WindowCapacity is the number of per-cycle summaries kept in the rolling window.
const WindowCapacity = 60

// ringSize is the ring allocation: a power of two with room for WindowCapacity.
const ringSize = 64

// Aggregator derives the dashboard state from inference cycles.
// Update is called from the inference loop only; Snapshot and the
// subscriber channels hand out deep copies.
type Aggregator struct {
	mu     sync.RWMutex
	state  State
	window ringbuffer.RingP[WindowEntry]

	subMu   sync.Mutex
	clients map[int]chan State
	nextID  int
	closed  bool
}

// New creates an empty Aggregator.
func New() *Aggregator {
	return &Aggregator{
		state:   emptyState(),
		window:  ringbuffer.NewRingP[WindowEntry](ringSize),
		clients: make(map[int]chan State),
	}
}

// Update folds one cycle into the state and notifies subscribers.
func (a *Aggregator) Update(res CycleResult) State {
	count := len(res.Detections)
	mean := MeanConfidence(res.Detections)

	a.mu.Lock()
	ts := res.Timestamp
	if n := a.window.Len(); n > 0 {
		if prev := a.window.Peek(n - 1).Timestamp; ts.Before(prev) {
			ts = prev
		}
	}
	a.window.Add(WindowEntry{
		Timestamp:         ts,
		DetectionCount:    count,
		AverageConfidence: mean,
	})
	for a.window.Len() > WindowCapacity {
		a.window.Next()
	}

	s := &a.state
	s.Cycle++
	s.FrameNum = res.FrameNum
	s.UpdatedAt = ts
	s.FrameWidth = res.FrameWidth
	s.FrameHeight = res.FrameHeight
	s.Detections = res.Detections.Clone()
	if s.Detections == nil {
		s.Detections = emptyState().Detections
	}
	s.Classifications = res.Classifications.Clone()
	if s.Classifications == nil {
		s.Classifications = emptyState().Classifications
	}
	s.ClassHistogram = ClassHistogram(res.Detections)
	s.ConfidenceHistogram = ConfidenceHistogram(res.Detections)
	s.Window = a.windowLocked()
	s.Totals.TotalDetections += uint64(count)
	s.Totals.AverageConfidence = mean
	s.Performance = Performance{
		FPS:       res.FPS,
		LatencyMs: float64(res.Latency.Microseconds()) / 1000,
	}
	snap := s.Clone()
	a.mu.Unlock()

	a.broadcast(snap)
	return snap
}

func (a *Aggregator) windowLocked() []WindowEntry {
	n := a.window.Len()
	out := make([]WindowEntry, n)
	for i := 0; i < n; i++ {
		out[i] = a.window.Peek(i)
	}
	return out
}

// Snapshot returns a deep copy of the current state.
func (a *Aggregator) Snapshot() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state.Clone()
}

// Subscribe adds a client and returns a channel receiving every new state.
func (a *Aggregator) Subscribe() (int, <-chan State) {
	a.subMu.Lock()
	defer a.subMu.Unlock()

	id := a.nextID
	a.nextID++
	ch := make(chan State, 2)
	if a.closed {
		close(ch)
		return id, ch
	}
	a.clients[id] = ch

	logger.Debug("Aggregator", "Client #%d subscribed (total clients: %d)", id, len(a.clients))
	return id, ch
}

// Unsubscribe removes a client.
func (a *Aggregator) Unsubscribe(id int) {
	a.subMu.Lock()
	defer a.subMu.Unlock()

	if ch, ok := a.clients[id]; ok {
		close(ch)
		delete(a.clients, id)
		logger.Debug("Aggregator", "Client #%d unsubscribed (remaining clients: %d)", id, len(a.clients))
	}
}

// Close disconnects all subscribers.
func (a *Aggregator) Close() {
	a.subMu.Lock()
	defer a.subMu.Unlock()

	if a.closed {
		return
	}
	a.closed = true
	for id, ch := range a.clients {
		close(ch)
		delete(a.clients, id)
	}
}

func (a *Aggregator) broadcast(s State) {
	a.subMu.Lock()
	defer a.subMu.Unlock()

	for id, ch := range a.clients {
		select {
		case ch <- s.Clone():
		default:
			// Slow client, drop this update
			logger.Debug("Aggregator", "Client #%d slow, dropping state update", id)
		}
	}
}
