package config

import "fmt"

// Config holds all arbor configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Database DatabaseConfig `toml:"database"`
	LLM      LLMConfig      `toml:"llm"`
	Gardener GardenerConfig `toml:"gardener"`
	Search   SearchConfig   `toml:"search"`
}

type ServerConfig struct {
	Bind string `toml:"bind"`
	Port int    `toml:"port"`
}

type DatabaseConfig struct {
	Path string `toml:"path"`
}

type LLMConfig struct {
	Provider       string `toml:"provider"` // "anthropic", "ollama"
	Model          string `toml:"model"`
	OllamaURL      string `toml:"ollama_url"`
	OllamaModel    string `toml:"ollama_model"`
	EmbeddingModel string `toml:"embedding_model"`
	AnthropicKey   string `toml:"anthropic_key"`
}

// GardenerConfig tunes the utility function and the maintenance pass.
type GardenerConfig struct {
	Alpha float64 `toml:"alpha"` // access heat weight
	Beta  float64 `toml:"beta"`  // semantic salience weight
	Gamma float64 `toml:"gamma"` // information density weight

	HalfLifeHours   float64 `toml:"half_life_hours"`  // access heat decay half-life
	SalienceTTLMins int     `toml:"salience_ttl"`     // salience cache TTL (minutes)
	ThresholdHigh   float64 `toml:"threshold_high"`   // >= high: keep everything
	ThresholdMed    float64 `toml:"threshold_med"`    // >= med: downgrade raw payload
	ThresholdLow    float64 `toml:"threshold_low"`    // >= low: text only; below: merge
	IntervalMins    int     `toml:"interval_minutes"` // maintenance pass interval
	CallBudget      int     `toml:"call_budget"`      // max in-flight external calls per pass
	PayloadDir      string  `toml:"payload_dir"`      // raw payload root, resolved at runtime if empty
}

type SearchConfig struct {
	TopK    int `toml:"top_k"`
	WindowK int `toml:"window_k"` // per-window result count before merge
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Bind: "127.0.0.1",
			Port: 37881,
		},
		Database: DatabaseConfig{
			Path: "", // resolved at runtime via store.DefaultDBPath()
		},
		LLM: LLMConfig{
			Provider: "anthropic",
		},
		Gardener: GardenerConfig{
			Alpha:           0.5,
			Beta:            0.3,
			Gamma:           0.2,
			HalfLifeHours:   72,
			SalienceTTLMins: 360,
			ThresholdHigh:   0.7,
			ThresholdMed:    0.4,
			ThresholdLow:    0.2,
			IntervalMins:    60,
			CallBudget:      4,
		},
		Search: SearchConfig{
			TopK:    10,
			WindowK: 5,
		},
	}
}

// ListenAddr returns the bind:port address string.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Bind, c.Server.Port)
}
