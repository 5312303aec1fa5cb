package config

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Format represents supported configuration file formats
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// ChangeEvent represents a configuration change event
type ChangeEvent struct {
	File      string                 `json:"file"`
	Action    string                 `json:"action"` // initial_load, create, modify, delete, ...
	Config    map[string]interface{} `json:"config"`
	Timestamp time.Time              `json:"timestamp"`
}

// ChangeHandler is called when configuration changes
type ChangeHandler func(event ChangeEvent) error

// Validator rejects a parsed document before it replaces the current one.
type Validator func(map[string]interface{}) error

// Manager watches a config directory and hot-reloads the files in it.
type Manager struct {
	configDir  string
	configs    map[string]map[string]interface{}
	handlers   map[string][]ChangeHandler
	validators map[string]Validator
	watcher    *fsnotify.Watcher
	started    bool
	stopCh     chan struct{}
	logger     *zap.Logger
	mu         sync.RWMutex
	watcherMu  sync.Mutex

	// Polling fallback for filesystems where fsnotify is unreliable
	pollInterval  time.Duration
	enablePolling bool
}

// NewManager creates a manager for configDir.
func NewManager(configDir string, logger *zap.Logger) (*Manager, error) {
	if configDir == "" {
		return nil, fmt.Errorf("config directory cannot be empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	return &Manager{
		configDir:    configDir,
		configs:      make(map[string]map[string]interface{}),
		handlers:     make(map[string][]ChangeHandler),
		validators:   make(map[string]Validator),
		watcher:      watcher,
		stopCh:       make(chan struct{}),
		logger:       logger,
		pollInterval: 10 * time.Second,
	}, nil
}

// Start loads every file once and begins watching for changes.
func (cm *Manager) Start(ctx context.Context) error {
	cm.mu.Lock()
	if cm.started {
		cm.mu.Unlock()
		return nil
	}
	cm.mu.Unlock()

	if err := cm.watcher.Add(cm.configDir); err != nil {
		return fmt.Errorf("failed to watch config directory: %w", err)
	}
	if err := cm.loadAllConfigs(); err != nil {
		return fmt.Errorf("failed to load initial configs: %w", err)
	}

	cm.mu.Lock()
	cm.started = true
	loaded := len(cm.configs)
	polling := cm.enablePolling
	cm.mu.Unlock()

	go cm.watchLoop()
	if polling {
		go cm.pollLoop()
	}
	go func() {
		select {
		case <-ctx.Done():
			_ = cm.Stop()
		case <-cm.stopCh:
		}
	}()

	cm.logger.Info("Configuration manager started",
		zap.String("config_dir", cm.configDir),
		zap.Int("loaded_configs", loaded),
		zap.Bool("polling_enabled", polling),
	)
	return nil
}

// Stop stops watching for configuration changes
func (cm *Manager) Stop() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if !cm.started {
		return nil
	}
	close(cm.stopCh)
	if err := cm.watcher.Close(); err != nil {
		cm.logger.Error("Error closing file watcher", zap.Error(err))
	}
	cm.started = false
	cm.logger.Info("Configuration manager stopped")
	return nil
}

// RegisterHandler registers a change handler for a specific config file
func (cm *Manager) RegisterHandler(filename string, handler ChangeHandler) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.handlers[filename] = append(cm.handlers[filename], handler)
	cm.logger.Info("Configuration handler registered",
		zap.String("filename", filename),
		zap.Int("total_handlers", len(cm.handlers[filename])),
	)
}

// RegisterValidator registers a configuration validator for a specific file
func (cm *Manager) RegisterValidator(filename string, validator Validator) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.validators[filename] = validator
}

// GetConfig returns a shallow copy of the current document for a file
func (cm *Manager) GetConfig(filename string) (map[string]interface{}, bool) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	config, exists := cm.configs[filename]
	if !exists {
		return nil, false
	}
	return shallowCopy(config), true
}

// ReloadConfig manually reloads a specific configuration file
func (cm *Manager) ReloadConfig(filename string) error {
	return cm.loadConfigFile(filepath.Join(cm.configDir, filename), "manual_reload")
}

// SetConfig replaces a document programmatically, running validators and
// handlers as a file change would.
func (cm *Manager) SetConfig(filename string, config map[string]interface{}) error {
	return cm.apply(filename, config, "programmatic_set")
}

// EnablePolling enables polling fallback for unreliable filesystems
func (cm *Manager) EnablePolling(interval time.Duration) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.enablePolling = true
	cm.pollInterval = interval
}

func (cm *Manager) watchLoop() {
	defer func() {
		if r := recover(); r != nil {
			cm.logger.Error("Watch loop panicked", zap.Any("panic", r))
		}
	}()

	for {
		select {
		case <-cm.stopCh:
			return
		case event, ok := <-cm.watcher.Events:
			if !ok {
				return
			}
			cm.handleWatchEvent(event)
		case err, ok := <-cm.watcher.Errors:
			if !ok {
				return
			}
			cm.logger.Error("File watcher error", zap.Error(err))
		}
	}
}

func (cm *Manager) pollLoop() {
	ticker := time.NewTicker(cm.pollInterval)
	defer ticker.Stop()

	lastModTimes := make(map[string]time.Time)
	for {
		select {
		case <-cm.stopCh:
			return
		case <-ticker.C:
			cm.checkForChanges(lastModTimes)
		}
	}
}

func (cm *Manager) checkForChanges(lastModTimes map[string]time.Time) {
	err := filepath.WalkDir(cm.configDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isConfigFile(path) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		filename := filepath.Base(path)
		if info.ModTime().After(lastModTimes[filename]) {
			lastModTimes[filename] = info.ModTime()
			return cm.loadConfigFile(path, "polling_detected")
		}
		return nil
	})
	if err != nil {
		cm.logger.Error("Error during polling check", zap.Error(err))
	}
}

func (cm *Manager) handleWatchEvent(event fsnotify.Event) {
	cm.watcherMu.Lock()
	defer cm.watcherMu.Unlock()

	if !isConfigFile(event.Name) {
		return
	}
	filename := filepath.Base(event.Name)

	var action string
	switch {
	case event.Op&fsnotify.Create == fsnotify.Create:
		action = "create"
	case event.Op&fsnotify.Write == fsnotify.Write:
		action = "modify"
	case event.Op&fsnotify.Remove == fsnotify.Remove:
		action = "delete"
	case event.Op&fsnotify.Rename == fsnotify.Rename:
		action = "rename"
	default:
		return
	}

	if action == "delete" || action == "rename" {
		cm.handleFileRemoval(filename)
		return
	}

	// Editors often write in several steps.
	time.Sleep(50 * time.Millisecond)
	if err := cm.loadConfigFile(event.Name, action); err != nil {
		cm.logger.Error("Failed to load config file",
			zap.String("file", filename),
			zap.String("action", action),
			zap.Error(err),
		)
	}
}

func (cm *Manager) loadAllConfigs() error {
	return filepath.WalkDir(cm.configDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isConfigFile(path) {
			return nil
		}
		return cm.loadConfigFile(path, "initial_load")
	})
}

func (cm *Manager) loadConfigFile(filePath, action string) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", filePath, err)
	}

	filename := filepath.Base(filePath)
	config := make(map[string]interface{})
	switch detectFormat(filename) {
	case FormatJSON:
		if err := json.Unmarshal(data, &config); err != nil {
			return fmt.Errorf("failed to parse JSON config %s: %w", filename, err)
		}
	case FormatYAML:
		if err := yaml.Unmarshal(data, &config); err != nil {
			return fmt.Errorf("failed to parse YAML config %s: %w", filename, err)
		}
	}
	return cm.apply(filename, config, action)
}

// apply validates config, stores it and notifies handlers. Handlers run on
// their own goroutines so a slow handler cannot stall the watcher.
func (cm *Manager) apply(filename string, config map[string]interface{}, action string) error {
	cm.mu.RLock()
	validator := cm.validators[filename]
	cm.mu.RUnlock()

	if validator != nil {
		if err := validator(config); err != nil {
			return fmt.Errorf("configuration validation failed for %s: %w", filename, err)
		}
	}

	cm.mu.Lock()
	cm.configs[filename] = config
	handlers := append([]ChangeHandler(nil), cm.handlers[filename]...)
	cm.mu.Unlock()

	cm.notify(handlers, ChangeEvent{
		File:      filename,
		Action:    action,
		Config:    shallowCopy(config),
		Timestamp: time.Now(),
	})

	cm.logger.Info("Configuration loaded",
		zap.String("filename", filename),
		zap.String("action", action),
		zap.Int("keys", len(config)),
	)
	return nil
}

func (cm *Manager) handleFileRemoval(filename string) {
	cm.mu.Lock()
	config := cm.configs[filename]
	delete(cm.configs, filename)
	handlers := append([]ChangeHandler(nil), cm.handlers[filename]...)
	cm.mu.Unlock()

	cm.notify(handlers, ChangeEvent{
		File:      filename,
		Action:    "delete",
		Config:    shallowCopy(config),
		Timestamp: time.Now(),
	})
	cm.logger.Info("Configuration file removed", zap.String("filename", filename))
}

func (cm *Manager) notify(handlers []ChangeHandler, event ChangeEvent) {
	for _, h := range handlers {
		h := h
		go func() {
			if err := h(event); err != nil {
				cm.logger.Error("Configuration handler error",
					zap.String("filename", event.File),
					zap.String("action", event.Action),
					zap.Error(err),
				)
			}
		}()
	}
}

func shallowCopy(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func isConfigFile(filename string) bool {
	switch filepath.Ext(filename) {
	case ".json", ".yaml", ".yml":
		return true
	}
	return false
}

func detectFormat(filename string) Format {
	if filepath.Ext(filename) == ".json" {
		return FormatJSON
	}
	return FormatYAML
}
