package logging

import "time"

// Config controls the event router and its sinks.
type Config struct {
	EnabledSinks []string
	// BufferSize bounds the router queue. Each sink gets its own queue clamped
	// to [32, 1024].
	BufferSize      int
	MinimumSeverity Severity
	// Categories restricts routing to the listed categories. Empty routes all.
	Categories []string
	Fields     map[string]any
	JSON       JSONConfig
	Console    ConsoleConfig
	// DropWarnInterval rate limits the fallback warning for a full queue.
	DropWarnInterval time.Duration
}

type JSONConfig struct {
	FilePath      string
	FlushInterval time.Duration
}

type ConsoleConfig struct {
	UseColor bool
}

func DefaultConfig() Config {
	return Config{
		EnabledSinks:     []string{"console"},
		BufferSize:       512,
		MinimumSeverity:  SeverityInfo,
		DropWarnInterval: 5 * time.Second,
		JSON:             JSONConfig{FlushInterval: 2 * time.Second},
	}
}

func (c Config) HasSink(name string) bool {
	for _, s := range c.EnabledSinks {
		if s == name {
			return true
		}
	}
	return false
}

// Allows reports whether an event passes the severity and category filters.
func (c Config) Allows(event Event) bool {
	if event.Severity < c.MinimumSeverity {
		return false
	}
	if len(c.Categories) == 0 {
		return true
	}
	for _, category := range c.Categories {
		if category == event.Category {
			return true
		}
	}
	return false
}

func (c Config) CloneFields() map[string]any {
	if len(c.Fields) == 0 {
		return nil
	}
	cloned := make(map[string]any, len(c.Fields))
	for k, v := range c.Fields {
		cloned[k] = v
	}
	return cloned
}
