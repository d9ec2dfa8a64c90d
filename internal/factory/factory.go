// Package factory builds the record writers of a run from the writers that
// registered themselves.
package factory

import (
	"fmt"
	"sort"

	"PcapSentry/internal/config"
	"PcapSentry/internal/model"

	"go.uber.org/zap"
)

// WriterFactory creates a writer for one run directory. It returns a nil
// writer when the configuration leaves it disabled.
type WriterFactory func(cfg *config.Config, runDir string, logger *zap.Logger) (model.RecordWriter, error)

type registration struct {
	order   int
	factory WriterFactory
}

// registry holds the mapping of writer names to their factory functions.
var registry = make(map[string]registration)

// RegisterWriter registers a writer under a unique name. Writers are created
// in registration order.
func RegisterWriter(name string, factory WriterFactory) {
	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("writer '%s' already registered", name))
	}
	registry[name] = registration{order: len(registry), factory: factory}
}

// Writers returns the registered names in creation order.
func Writers() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return registry[names[i]].order < registry[names[j]].order })
	return names
}

// Create builds every enabled writer for runDir.
func Create(cfg *config.Config, runDir string, logger *zap.Logger) ([]model.RecordWriter, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var writers []model.RecordWriter
	for _, name := range Writers() {
		w, err := registry[name].factory(cfg, runDir, logger)
		if err != nil {
			return nil, fmt.Errorf("error creating writer '%s': %w", name, err)
		}
		if w == nil {
			logger.Debug("writer disabled", zap.String("writer", name))
			continue
		}
		writers = append(writers, w)
	}
	return writers, nil
}
