package dashboard

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"sync"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-dashboard/internal/aggregator"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-dashboard/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-dashboard/internal/overlay"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-dashboard/pkg/types"
)

type frameClient struct {
	ch      chan []byte
	overlay bool
}

// FrameBroadcaster manages fanout of JPEG frames to multiple clients.
// The loop hands over the latest frame and overlay; encoding happens here,
// at most once per interval and only while someone is watching.
type FrameBroadcaster struct {
	mu       sync.Mutex
	clients  map[int]*frameClient
	nextID   int
	frame    image.Image
	overlay  *image.RGBA
	version  uint64
	quality  int
	interval time.Duration
}

// NewFrameBroadcaster creates a broadcaster encoding at the given JPEG quality.
func NewFrameBroadcaster(interval time.Duration, quality int) *FrameBroadcaster {
	return &FrameBroadcaster{
		clients:  make(map[int]*frameClient),
		quality:  quality,
		interval: interval,
	}
}

// Publish stores the latest frame and overlay. It never blocks.
func (fb *FrameBroadcaster) Publish(frame *types.Frame, ov *image.RGBA) {
	if frame == nil {
		return
	}
	fb.mu.Lock()
	fb.frame = frame.Image
	fb.overlay = ov
	fb.version++
	fb.mu.Unlock()
}

// Subscribe adds a new client and returns a channel for receiving frames.
func (fb *FrameBroadcaster) Subscribe(withOverlay bool) (int, <-chan []byte) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	id := fb.nextID
	fb.nextID++
	ch := make(chan []byte, 2)
	fb.clients[id] = &frameClient{ch: ch, overlay: withOverlay}

	logger.Debug("FrameBroadcaster", "Client #%d subscribed (total clients: %d)", id, len(fb.clients))
	return id, ch
}

// Unsubscribe removes a client.
func (fb *FrameBroadcaster) Unsubscribe(id int) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	if c, ok := fb.clients[id]; ok {
		close(c.ch)
		delete(fb.clients, id)
		logger.Debug("FrameBroadcaster", "Client #%d unsubscribed (remaining clients: %d)", id, len(fb.clients))
		if len(fb.clients) == 0 {
			logger.Info("FrameBroadcaster", "No clients remaining - frame encoding will be skipped")
		}
	}
}

// Run encodes and fans out new frames until ctx is done.
func (fb *FrameBroadcaster) Run(ctx context.Context) {
	ticker := time.NewTicker(fb.interval)
	defer ticker.Stop()

	var sent uint64
	for {
		select {
		case <-ctx.Done():
			fb.closeAll()
			return
		case <-ticker.C:
		}

		fb.mu.Lock()
		frame, ov, version := fb.frame, fb.overlay, fb.version
		wantRaw, wantOverlay := false, false
		for _, c := range fb.clients {
			if c.overlay {
				wantOverlay = true
			} else {
				wantRaw = true
			}
		}
		fb.mu.Unlock()

		if frame == nil || version == sent || (!wantRaw && !wantOverlay) {
			continue
		}
		sent = version

		var raw, composite []byte
		var err error
		if wantRaw {
			if raw, err = overlay.EncodeJPEG(frame, fb.quality); err != nil {
				logger.Warn("FrameBroadcaster", "JPEG encode failed: %v", err)
				continue
			}
		}
		if wantOverlay {
			img := frame
			if ov != nil {
				img = overlay.Composite(frame, ov)
			}
			if composite, err = overlay.EncodeJPEG(img, fb.quality); err != nil {
				logger.Warn("FrameBroadcaster", "JPEG encode failed: %v", err)
				continue
			}
		}
		fb.broadcast(raw, composite)
	}
}

func (fb *FrameBroadcaster) broadcast(raw, composite []byte) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	for _, c := range fb.clients {
		data := raw
		if c.overlay {
			data = composite
		}
		select {
		case c.ch <- data:
		default:
			// Client too slow, skip this frame for this client
		}
	}
}

func (fb *FrameBroadcaster) closeAll() {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	for id, c := range fb.clients {
		close(c.ch)
		delete(fb.clients, id)
	}
}

// SerializedEvent holds pre-serialized data in both formats.
type SerializedEvent struct {
	JSONData     []byte // Pre-serialized JSON
	ProtobufData []byte // structpb.Struct, base64 encoded for SSE
}

// EncodeState serializes a dashboard state to JSON and base64 protobuf.
func EncodeState(s aggregator.State) (*SerializedEvent, error) {
	jsonData, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal state: %w", err)
	}

	var fields map[string]any
	if err := json.Unmarshal(jsonData, &fields); err != nil {
		return nil, fmt.Errorf("failed to decode state: %w", err)
	}
	st, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to build protobuf struct: %w", err)
	}
	pbData, err := proto.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal protobuf: %w", err)
	}

	return &SerializedEvent{
		JSONData:     jsonData,
		ProtobufData: []byte(base64.StdEncoding.EncodeToString(pbData)),
	}, nil
}

// StateSource is where dashboard state comes from.
type StateSource interface {
	Snapshot() aggregator.State
	Subscribe() (int, <-chan aggregator.State)
	Unsubscribe(id int)
}

// EventBroadcaster serializes every state change once and fans the
// result out to SSE and websocket clients.
type EventBroadcaster struct {
	mu      sync.Mutex
	clients map[int]chan *SerializedEvent
	nextID  int
}

// NewEventBroadcaster creates an empty broadcaster.
func NewEventBroadcaster() *EventBroadcaster {
	return &EventBroadcaster{
		clients: make(map[int]chan *SerializedEvent),
	}
}

// Subscribe adds a new client and returns a channel for receiving events.
func (eb *EventBroadcaster) Subscribe() (int, <-chan *SerializedEvent) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	id := eb.nextID
	eb.nextID++
	ch := make(chan *SerializedEvent, 2)
	eb.clients[id] = ch

	logger.Debug("EventBroadcaster", "Client #%d subscribed (total clients: %d)", id, len(eb.clients))
	return id, ch
}

// Unsubscribe removes a client.
func (eb *EventBroadcaster) Unsubscribe(id int) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if ch, ok := eb.clients[id]; ok {
		close(ch)
		delete(eb.clients, id)
		logger.Debug("EventBroadcaster", "Client #%d unsubscribed (remaining clients: %d)", id, len(eb.clients))
	}
}

// Run forwards state changes until ctx is done or states closes.
func (eb *EventBroadcaster) Run(ctx context.Context, states <-chan aggregator.State) {
	defer eb.closeAll()

	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-states:
			if !ok {
				return
			}
			event, err := EncodeState(s)
			if err != nil {
				logger.Error("EventBroadcaster", "%v", err)
				continue
			}
			eb.broadcast(event)
		}
	}
}

func (eb *EventBroadcaster) broadcast(event *SerializedEvent) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	for _, ch := range eb.clients {
		select {
		case ch <- event:
		default:
			// Client too slow, skip this event for this client
		}
	}
}

func (eb *EventBroadcaster) closeAll() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	for id, ch := range eb.clients {
		close(ch)
		delete(eb.clients, id)
	}
}
