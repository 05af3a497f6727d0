package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// Transfer formats between device and bridge.
const (
	TransferRaw  = "raw"
	TransferJPEG = "jpeg"
)

// Settings holds user-configurable scan defaults. They fill the request
// fields an eSCL client leaves unset.
type Settings struct {
	Source      string `json:"source"`      // "auto", "flatbed", "feeder"
	ColorMode   string `json:"colorMode"`   // "color", "gray", "lineart"
	Resolution  int    `json:"resolution"`  // dpi, 0 = 300
	Duplex      bool   `json:"duplex"`      // feeder only
	Transfer    string `json:"transfer"`    // TransferRaw or TransferJPEG
	JPEGQuality int    `json:"jpegQuality"` // 1..100, 0 = device default
}

// DefaultSettings returns the default scan settings.
func DefaultSettings() Settings {
	return Settings{
		Source:     "auto",
		ColorMode:  "color",
		Resolution: 300,
		Transfer:   TransferRaw,
	}
}

// Validate rejects values the bridge cannot act on.
func (s Settings) Validate() error {
	switch s.Source {
	case "auto", "flatbed", "feeder", "transparency":
	default:
		return fmt.Errorf("unknown source %q", s.Source)
	}
	switch s.ColorMode {
	case "color", "gray", "lineart":
	default:
		return fmt.Errorf("unknown color mode %q", s.ColorMode)
	}
	if s.Resolution < 0 {
		return fmt.Errorf("negative resolution %d", s.Resolution)
	}
	switch s.Transfer {
	case TransferRaw, TransferJPEG:
	default:
		return fmt.Errorf("unknown transfer format %q", s.Transfer)
	}
	if s.JPEGQuality < 0 || s.JPEGQuality > 100 {
		return fmt.Errorf("jpeg quality %d out of range", s.JPEGQuality)
	}
	return nil
}

// Store provides thread-safe settings persistence backed by a JSON file.
type Store struct {
	mu       sync.RWMutex
	settings Settings
	path     string
}

// NewStore creates a Store that persists settings to dataDir/settings.json.
// If the file does not exist or is invalid, default settings are used.
func NewStore(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("settings dir: %w", err)
	}
	s := &Store{
		path:     filepath.Join(dataDir, "settings.json"),
		settings: DefaultSettings(),
	}
	s.load()
	return s, nil
}

// NewMemoryStore creates a Store that keeps settings in memory only.
func NewMemoryStore() *Store {
	return &Store{settings: DefaultSettings()}
}

// Get returns a copy of the current settings.
func (s *Store) Get() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

// Update validates and replaces the settings, persisting them when the store
// is file backed.
func (s *Store) Update(settings Settings) error {
	if err := settings.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = settings
	return s.save()
}

func (s *Store) load() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return // file missing is OK, use defaults
	}
	settings := DefaultSettings()
	if err := json.Unmarshal(data, &settings); err != nil {
		slog.Warn("invalid settings file, using defaults", "path", s.path, "err", err)
		return
	}
	if err := settings.Validate(); err != nil {
		slog.Warn("invalid settings file, using defaults", "path", s.path, "err", err)
		return
	}
	s.settings = settings
}

func (s *Store) save() error {
	if s.path == "" {
		return nil // memory-only mode
	}
	data, err := json.MarshalIndent(s.settings, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	return os.Rename(tmp, s.path)
}
