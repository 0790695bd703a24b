package config

import "reflect"

// ConfigDiff describes what changed between two configs. The log level is
// the only change applied to a running daemon; everything else takes effect
// on the next session start and is tracked so the change can be logged.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// SessionChanged reports a change to the session defaults (provider
	// selection, instructions, voice, timeouts).
	SessionChanged bool

	ProvidersChanged bool           // true if any provider entry changed
	ProviderChanges  []ProviderDiff // per-entry diffs
}

// ProviderDiff describes what changed for a single provider entry between
// two configs.
type ProviderDiff struct {
	Name               string
	CredentialsChanged bool // api_key or base_url
	ModelChanged       bool
	OptionsChanged     bool
	Added              bool
	Removed            bool
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	// Session defaults
	if old.Session != new.Session {
		d.SessionChanged = true
	}

	// Build provider lookup maps keyed by name.
	oldEntries := make(map[string]*ProviderEntry, len(old.Providers))
	for i := range old.Providers {
		oldEntries[old.Providers[i].Name] = &old.Providers[i]
	}
	newEntries := make(map[string]*ProviderEntry, len(new.Providers))
	for i := range new.Providers {
		newEntries[new.Providers[i].Name] = &new.Providers[i]
	}

	// Detect modified and removed entries.
	for name, oldEntry := range oldEntries {
		newEntry, exists := newEntries[name]
		if !exists {
			d.ProviderChanges = append(d.ProviderChanges, ProviderDiff{
				Name:    name,
				Removed: true,
			})
			d.ProvidersChanged = true
			continue
		}
		pd := diffProvider(name, oldEntry, newEntry)
		if pd.CredentialsChanged || pd.ModelChanged || pd.OptionsChanged {
			d.ProviderChanges = append(d.ProviderChanges, pd)
			d.ProvidersChanged = true
		}
	}

	// Detect added entries.
	for name := range newEntries {
		if _, exists := oldEntries[name]; !exists {
			d.ProviderChanges = append(d.ProviderChanges, ProviderDiff{
				Name:  name,
				Added: true,
			})
			d.ProvidersChanged = true
		}
	}

	return d
}

// diffProvider compares two provider entries with the same name.
func diffProvider(name string, old, new *ProviderEntry) ProviderDiff {
	pd := ProviderDiff{Name: name}

	if old.APIKey != new.APIKey || old.BaseURL != new.BaseURL {
		pd.CredentialsChanged = true
	}

	if old.Model != new.Model {
		pd.ModelChanged = true
	}

	// Options is a free-form map, so plain comparison is not available.
	if !reflect.DeepEqual(old.Options, new.Options) {
		pd.OptionsChanged = true
	}

	return pd
}
