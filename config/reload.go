package config

import (
	"reflect"
	"time"
)

// HotReloadableConfig contains configuration values that can be hot-reloaded.
type HotReloadableConfig struct {
	LogLevel                     string
	KnowledgeLimit               int
	KnowledgeSimilarityThreshold float64
	ProactiveEnabled             bool
	ProactiveScoreThreshold      float64
	ProactiveCooldown            time.Duration
	ProactiveMaxPerHour          int
}

// ExtractHotReloadable extracts hot-reloadable values from Config.
func ExtractHotReloadable(cfg *Config) HotReloadableConfig {
	return HotReloadableConfig{
		LogLevel:                     cfg.Log.Level,
		KnowledgeLimit:               cfg.Knowledge.Limit,
		KnowledgeSimilarityThreshold: cfg.Knowledge.SimilarityThreshold,
		ProactiveEnabled:             cfg.Proactive.Enabled,
		ProactiveScoreThreshold:      cfg.Proactive.ScoreThreshold,
		ProactiveCooldown:            cfg.Proactive.Cooldown,
		ProactiveMaxPerHour:          cfg.Proactive.MaxPerHour,
	}
}

// Changed checks if hot-reloadable configuration has changed.
func (h HotReloadableConfig) Changed(other HotReloadableConfig) bool {
	return h != other
}

// RestartRequired returns the top-level sections that differ between prev
// and next outside the hot-reloadable subset.
func RestartRequired(prev, next *Config) []string {
	a, b := *prev, *next
	maskHot(&a)
	maskHot(&b)

	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	typ := va.Type()
	var sections []string
	for i := 0; i < typ.NumField(); i++ {
		if !reflect.DeepEqual(va.Field(i).Interface(), vb.Field(i).Interface()) {
			sections = append(sections, typ.Field(i).Tag.Get("mapstructure"))
		}
	}
	return sections
}

func maskHot(c *Config) {
	c.Log.Level = ""
	c.Knowledge.Limit = 0
	c.Knowledge.SimilarityThreshold = 0
	c.Proactive = ProactiveConfig{}
}

// Change describes one successful reload.
type Change struct {
	Config   *Config
	Previous HotReloadableConfig
	Hot      HotReloadableConfig
	// RestartRequired lists sections whose new values are ignored until the
	// process restarts.
	RestartRequired []string
}

// HotChanged reports whether any hot-reloadable value moved.
func (c Change) HotChanged() bool {
	return c.Previous.Changed(c.Hot)
}
