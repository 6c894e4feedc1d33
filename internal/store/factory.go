package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Builder is a function that creates a store from config
type Builder func(config Config) (StateStore, error)

var (
	buildersMu sync.RWMutex
	builders   = make(map[string]Builder)
)

func init() {
	RegisterStoreType("file", func(c Config) (StateStore, error) { return NewFileStore(c.Path) })
	RegisterStoreType("sqlite", func(c Config) (StateStore, error) { return NewSQLiteStore(c) })
	RegisterStoreType("postgres", func(c Config) (StateStore, error) { return NewPostgresStore(c) })
	RegisterStoreType("postgresql", func(c Config) (StateStore, error) { return NewPostgresStore(c) })
}

// RegisterStoreType registers a new store type
func RegisterStoreType(storeType string, builder Builder) {
	buildersMu.Lock()
	defer buildersMu.Unlock()
	builders[storeType] = builder
}

// New creates a store based on the configuration and ensures its schema.
// An empty type selects the file store.
func New(config Config) (StateStore, error) {
	if config.Type == "" {
		config.Type = "file"
	}
	buildersMu.RLock()
	builder, exists := builders[config.Type]
	buildersMu.RUnlock()
	if !exists {
		return nil, fmt.Errorf("unsupported store type: %s (supported: %v)", config.Type, SupportedTypes())
	}
	s, err := builder(config)
	if err != nil {
		return nil, err
	}
	if err := s.EnsureSchema(context.Background()); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// SupportedTypes returns a sorted list of supported store types
func SupportedTypes() []string {
	buildersMu.RLock()
	defer buildersMu.RUnlock()
	types := make([]string, 0, len(builders))
	for t := range builders {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
