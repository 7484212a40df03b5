package models

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-dashboard/internal/config"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-dashboard/pkg/types"
)

// Detector returns labeled regions for a frame.
type Detector interface {
	Detect(ctx context.Context, frame *types.Frame) (types.DetectionResult, error)
}

// Classifier returns whole-frame label probabilities for a frame.
type Classifier interface {
	Classify(ctx context.Context, frame *types.Frame) (types.ClassificationResult, error)
}

// DetectorFunc adapts a function to Detector.
type DetectorFunc func(ctx context.Context, frame *types.Frame) (types.DetectionResult, error)

// Detect calls f.
func (f DetectorFunc) Detect(ctx context.Context, frame *types.Frame) (types.DetectionResult, error) {
	return f(ctx, frame)
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(ctx context.Context, frame *types.Frame) (types.ClassificationResult, error)

// Classify calls f.
func (f ClassifierFunc) Classify(ctx context.Context, frame *types.Frame) (types.ClassificationResult, error) {
	return f(ctx, frame)
}

// Runtime is the inference runtime behind both capabilities.
type Runtime interface {
	Init(ctx context.Context) error
}

// Backend initializes the runtime and hands out the two capabilities.
type Backend interface {
	Runtime
	Detector(ctx context.Context) (Detector, error)
	Classifier(ctx context.Context) (Classifier, error)
	Close() error
}

// Factory builds a backend from configuration.
type Factory func(cfg config.ModelsConfig) (Backend, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register makes a backend available by name.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic("models: Register called twice for backend " + name)
	}
	registry[name] = f
}

// Backends lists the registered backend names.
func Backends() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Open builds the backend named by cfg.Backend.
func Open(cfg config.ModelsConfig) (Backend, error) {
	registryMu.RLock()
	f, ok := registry[cfg.Backend]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown model backend %q (available: %v)", cfg.Backend, Backends())
	}
	return f(cfg)
}
