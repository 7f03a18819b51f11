package persona

import (
	"encoding/json"
	"os"
	"sync"
	"time"
)

// knownWidgetKeys and knownTerminalKeys are the fixed set of toggles
// TerminalPreferences recognizes. Keys outside these sets are dropped
// on write and ignored on read.
var (
	knownWidgetKeys = map[string]bool{
		"show_progress":   true,
		"show_sources":    true,
		"show_thoughts":   true,
		"compact_summary": true,
	}
	knownTerminalKeys = map[string]bool{
		"color":      true,
		"bell":       true,
		"timestamps": true,
		"word_wrap":  true,
	}
)

// defaultWidgets and defaultTerminal are filled in for any key missing
// from a loaded preferences file.
var (
	defaultWidgets = map[string]bool{
		"show_progress":   true,
		"show_sources":    true,
		"show_thoughts":   true,
		"compact_summary": false,
	}
	defaultTerminal = map[string]bool{
		"color":      true,
		"bell":       false,
		"timestamps": false,
		"word_wrap":  true,
	}
)

// TerminalPreferences holds the operator's widget and terminal toggles.
type TerminalPreferences struct {
	Widgets   map[string]bool `json:"widgets"`
	Terminal  map[string]bool `json:"terminal"`
	UpdatedAt time.Time       `json:"updatedAt,omitempty"`
}

// PreferencesStore reads and atomically writes preferences.json.
type PreferencesStore struct {
	path string
	mu   sync.Mutex
}

// NewPreferencesStore creates a preferences store backed by path.
func NewPreferencesStore(path string) *PreferencesStore {
	return &PreferencesStore{path: path}
}

// Get reads the persisted preferences, filling in defaults for any
// missing known key. A missing or corrupt file yields all defaults.
func (s *PreferencesStore) Get() TerminalPreferences {
	s.mu.Lock()
	defer s.mu.Unlock()

	prefs := defaultPreferences()
	data, err := os.ReadFile(s.path)
	if err != nil {
		return prefs
	}
	var loaded TerminalPreferences
	if err := json.Unmarshal(data, &loaded); err != nil {
		return prefs
	}
	for k, v := range loaded.Widgets {
		if knownWidgetKeys[k] {
			prefs.Widgets[k] = v
		}
	}
	for k, v := range loaded.Terminal {
		if knownTerminalKeys[k] {
			prefs.Terminal[k] = v
		}
	}
	prefs.UpdatedAt = loaded.UpdatedAt
	return prefs
}

// Set merges the given widget/terminal key-value pairs into the
// persisted preferences (unknown keys are silently dropped) and
// atomically rewrites the file.
func (s *PreferencesStore) Set(widgets, terminal map[string]bool) (TerminalPreferences, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.getLocked()
	for k, v := range widgets {
		if knownWidgetKeys[k] {
			current.Widgets[k] = v
		}
	}
	for k, v := range terminal {
		if knownTerminalKeys[k] {
			current.Terminal[k] = v
		}
	}
	current.UpdatedAt = time.Now()

	data, err := json.MarshalIndent(current, "", "  ")
	if err != nil {
		return current, err
	}
	if err := writeFileAtomic(s.path, data); err != nil {
		return current, err
	}
	return current, nil
}

// getLocked is Get's body without acquiring the mutex, for callers
// that already hold it.
func (s *PreferencesStore) getLocked() TerminalPreferences {
	prefs := defaultPreferences()
	data, err := os.ReadFile(s.path)
	if err != nil {
		return prefs
	}
	var loaded TerminalPreferences
	if err := json.Unmarshal(data, &loaded); err != nil {
		return prefs
	}
	for k, v := range loaded.Widgets {
		if knownWidgetKeys[k] {
			prefs.Widgets[k] = v
		}
	}
	for k, v := range loaded.Terminal {
		if knownTerminalKeys[k] {
			prefs.Terminal[k] = v
		}
	}
	prefs.UpdatedAt = loaded.UpdatedAt
	return prefs
}

func defaultPreferences() TerminalPreferences {
	w := make(map[string]bool, len(defaultWidgets))
	for k, v := range defaultWidgets {
		w[k] = v
	}
	t := make(map[string]bool, len(defaultTerminal))
	for k, v := range defaultTerminal {
		t[k] = v
	}
	return TerminalPreferences{Widgets: w, Terminal: t}
}
