package models

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-dashboard/internal/logger"
)

// Phase is the loader state.
type Phase string

const (
	PhaseLoading Phase = "loading"
	PhaseError   Phase = "error"
	PhaseReady   Phase = "ready"
)

// Status is a copy of the loader state.
type Status struct {
	Phase    Phase         `json:"phase"`
	Message  string        `json:"message,omitempty"`
	Duration time.Duration `json:"duration_ns,omitempty"`
}

// Loader initializes the runtime and acquires both capabilities once.
type Loader struct {
	backend Backend
	post    PostProcess

	once sync.Once
	done chan struct{}

	mu         sync.Mutex
	status     Status
	err        error
	detector   Detector
	classifier Classifier
}

// NewLoader creates a loader for the given backend.
func NewLoader(backend Backend, post PostProcess) *Loader {
	return &Loader{
		backend: backend,
		post:    post,
		done:    make(chan struct{}),
		status:  Status{Phase: PhaseLoading},
	}
}

// Load runs the load sequence. Only the first call does any work; a
// failure is terminal and every later call returns the same error.
func (l *Loader) Load(ctx context.Context) error {
	l.once.Do(func() {
		start := time.Now()
		err := l.load(ctx)

		l.mu.Lock()
		l.err = err
		l.status.Duration = time.Since(start)
		if err != nil {
			l.status.Phase = PhaseError
			l.status.Message = err.Error()
		} else {
			l.status.Phase = PhaseReady
		}
		l.mu.Unlock()
		close(l.done)

		if err != nil {
			logger.Error("Models", "Model load failed: %v", err)
		} else {
			logger.Info("Models", "Models ready in %v", time.Since(start).Round(time.Millisecond))
		}
	})
	return l.Err()
}

func (l *Loader) load(ctx context.Context) error {
	logger.Info("Models", "Initializing inference runtime...")
	if err := l.backend.Init(ctx); err != nil {
		return &ModelLoadError{Capability: "runtime", Err: err}
	}

	var (
		det Detector
		cls Classifier
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		d, err := l.backend.Detector(gctx)
		if err != nil {
			return &ModelLoadError{Capability: "detector", Err: err}
		}
		det = d
		logger.Debug("Models", "Detector acquired")
		return nil
	})
	g.Go(func() error {
		c, err := l.backend.Classifier(gctx)
		if err != nil {
			return &ModelLoadError{Capability: "classifier", Err: err}
		}
		cls = c
		logger.Debug("Models", "Classifier acquired")
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	l.mu.Lock()
	l.detector = l.post.detector(det)
	l.classifier = l.post.classifier(cls)
	l.mu.Unlock()
	return nil
}

// Wait blocks until loading finished or ctx is done.
func (l *Loader) Wait(ctx context.Context) error {
	select {
	case <-l.done:
		return l.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once loading finished, successfully or not.
func (l *Loader) Done() <-chan struct{} {
	return l.done
}

// Err returns the terminal load error, nil while loading or once ready.
func (l *Loader) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// Status returns a copy of the current state.
func (l *Loader) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status
}

// Detector returns the loaded detector, or nil before ready.
func (l *Loader) Detector() Detector {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.detector
}

// Classifier returns the loaded classifier, or nil before ready.
func (l *Loader) Classifier() Classifier {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.classifier
}

// Close releases the backend.
func (l *Loader) Close() error {
	return l.backend.Close()
}
