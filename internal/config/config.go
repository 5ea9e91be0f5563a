// Package config loads and hot-reloads the process-wide orchestration
// configuration (spec.md §6). A YAML file on disk provides the initial
// values; an fsnotify watcher debounces file changes and applies them
// without a restart.
package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Config is the full set of recognized options from spec.md §6.
type Config struct {
	HeartbeatInterval        time.Duration      `yaml:"heartbeat_interval"`
	HeartbeatLossWindow      time.Duration      `yaml:"heartbeat_loss_window"`
	MaxConcurrentPerWorker   int                `yaml:"max_concurrent_subtasks_per_worker"`
	RetryBaseDelay           time.Duration      `yaml:"retry_base_delay"`
	RetryMaxDelay            time.Duration      `yaml:"retry_max_delay"`
	RetryMaxAttempts         int                `yaml:"retry_max_attempts"`
	EvaluatorWeights         map[string]float64 `yaml:"evaluator_weights"`
	CheckpointFrequencyDefault string           `yaml:"checkpoint_frequency_default"`
	PeerReviewMaxCycles      int                `yaml:"peer_review_max_cycles"`
	AutoFixScoreFloor        float64            `yaml:"auto_fix_score_floor"`
	LLMDecompositionTimeout  time.Duration      `yaml:"llm_decomposition_timeout"`
	EventBusReplaySize       int                `yaml:"event_bus_replay_size"`
}

// Default returns the built-in defaults from spec.md §5/§6.
func Default() Config {
	return Config{
		HeartbeatInterval:          30 * time.Second,
		HeartbeatLossWindow:        120 * time.Second,
		MaxConcurrentPerWorker:     3,
		RetryBaseDelay:             10 * time.Second,
		RetryMaxDelay:              60 * time.Second,
		RetryMaxAttempts:           3,
		EvaluatorWeights:           map[string]float64{"correctness": 0.6, "quality": 0.4},
		CheckpointFrequencyDefault: "medium",
		PeerReviewMaxCycles:        3,
		AutoFixScoreFloor:          6,
		LLMDecompositionTimeout:    10 * time.Second,
		EventBusReplaySize:         256,
	}
}

// Validate enforces the invariants spec.md §8 names on a loaded config:
// evaluator weights must sum to 1 within 1e-9, and the heartbeat-loss
// window must be at least 60s.
func (c Config) Validate() error {
	if c.HeartbeatLossWindow < 60*time.Second {
		return fmt.Errorf("heartbeat_loss_window must be >= 60s, got %s", c.HeartbeatLossWindow)
	}
	var sum float64
	for _, w := range c.EvaluatorWeights {
		sum += w
	}
	if len(c.EvaluatorWeights) > 0 {
		if diff := sum - 1; diff > 1e-9 || diff < -1e-9 {
			return fmt.Errorf("evaluator_weights must sum to 1, got %v", sum)
		}
	}
	return nil
}

// Source loads a Config from disk and watches it for changes, invoking
// onReload with the newly parsed config whenever the file is rewritten.
// Invalid reloads are reported via onError and the prior config is kept.
type Source struct {
	mu   sync.RWMutex
	cur  Config
	path string
}

// Load reads path, using Default() if path is empty. A file that cannot
// be read or parsed is returned as an error.
func Load(path string) (*Source, error) {
	s := &Source{cur: Default(), path: path}
	if path == "" {
		return s, nil
	}
	cfg, err := readFile(path)
	if err != nil {
		return nil, err
	}
	s.cur = cfg
	return s, nil
}

func readFile(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Current returns the most recently loaded configuration.
func (s *Source) Current() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur
}

// Watch blocks, debouncing filesystem events on the config file's
// directory and reloading on change, until ctx is cancelled. onReload is
// invoked on every successful reload, onError on every failed one (the
// previous config remains active).
func (s *Source) Watch(ctx context.Context, onReload func(Config), onError func(error)) {
	if s.path == "" {
		<-ctx.Done()
		return
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		onError(err)
		return
	}
	defer watcher.Close()
	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		onError(err)
		return
	}
	debounce := time.NewTimer(time.Hour)
	if !debounce.Stop() {
		<-debounce.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-watcher.Events:
			if filepath.Clean(ev.Name) == filepath.Clean(s.path) {
				debounce.Reset(200 * time.Millisecond)
			}
		case werr := <-watcher.Errors:
			onError(werr)
		case <-debounce.C:
			cfg, err := readFile(s.path)
			if err != nil {
				onError(err)
				continue
			}
			s.mu.Lock()
			s.cur = cfg
			s.mu.Unlock()
			onReload(cfg)
		}
	}
}
