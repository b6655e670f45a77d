// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package earwig

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"
)

// ModelInfo holds metadata about a discovered model (not loaded yet)
type ModelInfo struct {
	Name string
	Path string
}

// EngineRegistry manages speech models with lazy loading and TTL-based
// unloading. Models are discovered up front but only loaded (and warmed up)
// on first use.
type EngineRegistry struct {
	modelsDir string
	logger    *zap.Logger

	// Model discovery (paths only, not loaded)
	discovered map[string]*ModelInfo
	mu         sync.RWMutex

	// Loaded engines with TTL cache
	cache *ttlcache.Cache[string, *Engine]

	// Reference counting to prevent eviction during active use
	refCounts   map[string]int
	refCountsMu sync.Mutex

	keepAlive       time.Duration
	maxLoadedModels uint64
}

// RegistryConfig configures the engine registry
type RegistryConfig struct {
	ModelsDir       string
	KeepAlive       time.Duration // How long to keep models loaded (0 = forever)
	MaxLoadedModels uint64        // Max models in memory (0 = unlimited)
}

// NewEngineRegistry creates a new lazy-loading engine registry
func NewEngineRegistry(config RegistryConfig, logger *zap.Logger) (*EngineRegistry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	keepAlive := config.KeepAlive
	if keepAlive == 0 {
		keepAlive = ttlcache.NoTTL
	}

	registry := &EngineRegistry{
		modelsDir:       config.ModelsDir,
		logger:          logger,
		discovered:      make(map[string]*ModelInfo),
		refCounts:       make(map[string]int),
		keepAlive:       keepAlive,
		maxLoadedModels: config.MaxLoadedModels,
	}

	cacheOpts := []ttlcache.Option[string, *Engine]{
		ttlcache.WithTTL[string, *Engine](keepAlive),
	}
	if config.MaxLoadedModels > 0 {
		cacheOpts = append(cacheOpts,
			ttlcache.WithCapacity[string, *Engine](config.MaxLoadedModels))
	}
	registry.cache = ttlcache.New(cacheOpts...)

	// Close engines on TTL expiration or capacity eviction. Manual deletion
	// is handled synchronously by Close().
	registry.cache.OnEviction(func(ctx context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, *Engine]) {
		if reason == ttlcache.EvictionReasonDeleted {
			return
		}

		reasonStr := "unknown"
		switch reason {
		case ttlcache.EvictionReasonExpired:
			reasonStr = "expired (keep-alive timeout)"
		case ttlcache.EvictionReasonCapacityReached:
			reasonStr = "capacity reached (LRU eviction)"
		}

		// Hold the lock through check-and-action to prevent a race with
		// Release().
		registry.refCountsMu.Lock()
		refCount := registry.refCounts[item.Key()]
		if refCount > 0 {
			registry.cache.Set(item.Key(), item.Value(), registry.keepAlive)
			registry.refCountsMu.Unlock()
			logger.Warn("Preventing eviction of model with active references",
				zap.String("model", item.Key()),
				zap.Int("refCount", refCount),
				zap.String("reason", reasonStr))
			return
		}
		registry.refCountsMu.Unlock()

		logger.Info("Evicting model from cache",
			zap.String("model", item.Key()),
			zap.String("reason", reasonStr))
		if err := item.Value().Close(); err != nil {
			logger.Warn("Error closing evicted engine",
				zap.String("model", item.Key()),
				zap.Error(err))
		}
	})

	go registry.cache.Start()

	if err := registry.discoverModels(); err != nil {
		registry.cache.Stop()
		return nil, err
	}

	logger.Info("Lazy engine registry initialized",
		zap.Int("models_discovered", len(registry.discovered)),
		zap.Duration("keep_alive", keepAlive),
		zap.Uint64("max_loaded_models", config.MaxLoadedModels))

	return registry, nil
}

// discoverModels finds all model directories under modelsDir without loading
// them. Both flat (name/) and namespaced (owner/name/) layouts are accepted;
// a directory counts as a model when it holds a config.json.
func (r *EngineRegistry) discoverModels() error {
	if r.modelsDir == "" {
		r.logger.Info("No models directory configured")
		return nil
	}
	if _, err := os.Stat(r.modelsDir); os.IsNotExist(err) {
		r.logger.Warn("Models directory does not exist",
			zap.String("dir", r.modelsDir))
		return nil
	}

	entries, err := os.ReadDir(r.modelsDir)
	if err != nil {
		return fmt.Errorf("reading models directory: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(r.modelsDir, entry.Name())
		if isModelDir(dir) {
			r.addDiscovered(entry.Name(), dir)
			continue
		}

		// Owner directory: one more level of model directories.
		subEntries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, sub := range subEntries {
			if !sub.IsDir() {
				continue
			}
			subDir := filepath.Join(dir, sub.Name())
			if isModelDir(subDir) {
				r.addDiscovered(entry.Name()+"/"+sub.Name(), subDir)
			}
		}
	}

	r.logger.Info("Model discovery complete",
		zap.Int("models_discovered", len(r.discovered)))
	return nil
}

func isModelDir(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, "config.json"))
	return err == nil
}

func (r *EngineRegistry) addDiscovered(name, path string) {
	r.discovered[name] = &ModelInfo{Name: name, Path: path}
	r.logger.Info("Discovered model (not loaded)",
		zap.String("name", name),
		zap.String("path", path))
}

// Get returns an engine by model name, loading it if necessary. Prefer
// Acquire() for long-running operations so the engine cannot be evicted
// mid-use.
func (r *EngineRegistry) Get(ctx context.Context, modelName string) (*Engine, error) {
	if item := r.cache.Get(modelName); item != nil {
		r.logger.Debug("Engine cache hit", zap.String("model", modelName))
		return item.Value(), nil
	}

	r.mu.RLock()
	info, ok := r.discovered[modelName]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("model not found: %s", modelName)
	}

	return r.loadEngine(ctx, info)
}

// Acquire returns an engine by name and increments its reference count.
// The caller MUST call Release() when done to allow the engine to be
// evicted.
func (r *EngineRegistry) Acquire(ctx context.Context, modelName string) (*Engine, error) {
	engine, err := r.Get(ctx, modelName)
	if err != nil {
		return nil, err
	}

	r.refCountsMu.Lock()
	r.refCounts[modelName]++
	count := r.refCounts[modelName]
	r.refCountsMu.Unlock()

	r.logger.Debug("Acquired engine",
		zap.String("model", modelName),
		zap.Int("refCount", count))
	return engine, nil
}

// Release decrements the reference count for a model. Must be called after
// Acquire() when the caller is done with the engine.
func (r *EngineRegistry) Release(modelName string) {
	r.refCountsMu.Lock()
	if r.refCounts[modelName] > 0 {
		r.refCounts[modelName]--
	}
	count := r.refCounts[modelName]
	r.refCountsMu.Unlock()

	r.logger.Debug("Released engine",
		zap.String("model", modelName),
		zap.Int("refCount", count))
}

// loadEngine loads and warms up a model on demand
func (r *EngineRegistry) loadEngine(ctx context.Context, info *ModelInfo) (*Engine, error) {
	r.logger.Info("Loading model on demand",
		zap.String("model", info.Name),
		zap.String("path", info.Path))

	engine := NewEngine(WithLogger(r.logger.Named(info.Name)))
	if err := engine.LoadModel(ctx, info.Path); err != nil {
		_ = engine.Close()
		return nil, fmt.Errorf("loading model %s: %w", info.Name, err)
	}

	r.cache.Set(info.Name, engine, r.keepAlive)
	return engine, nil
}

// List returns all discovered model names (not necessarily loaded)
func (r *EngineRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.discovered))
	for name := range r.discovered {
		names = append(names, name)
	}
	return names
}

// ListLoaded returns only the currently loaded model names
func (r *EngineRegistry) ListLoaded() []string {
	return r.cache.Keys()
}

// IsLoaded returns whether a model is currently loaded in memory
func (r *EngineRegistry) IsLoaded(modelName string) bool {
	return r.cache.Has(modelName)
}

// Preload loads specified models at startup to avoid first-request latency
func (r *EngineRegistry) Preload(ctx context.Context, modelNames []string) error {
	if len(modelNames) == 0 {
		return nil
	}

	r.logger.Info("Preloading models", zap.Strings("models", modelNames))

	var loaded, failed int
	for _, name := range modelNames {
		if _, err := r.Get(ctx, name); err != nil {
			r.logger.Warn("Failed to preload model",
				zap.String("model", name),
				zap.Error(err))
			failed++
		} else {
			loaded++
		}
	}

	r.logger.Info("Preloading complete",
		zap.Int("loaded", loaded),
		zap.Int("failed", failed))

	if failed > 0 && loaded == 0 {
		return fmt.Errorf("all %d models failed to preload", failed)
	}
	return nil
}

// Close stops the cache and unloads all engines
func (r *EngineRegistry) Close() error {
	r.logger.Info("Closing lazy engine registry")

	// Stop cache first to prevent new evictions
	r.cache.Stop()

	for _, key := range r.cache.Keys() {
		if item := r.cache.Get(key); item != nil {
			if err := item.Value().Close(); err != nil {
				r.logger.Warn("Error closing engine",
					zap.String("model", key),
					zap.Error(err))
			}
		}
	}

	// Eviction callbacks skip closing here since the reason is
	// EvictionReasonDeleted.
	r.cache.DeleteAll()
	return nil
}
