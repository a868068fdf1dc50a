// Package config loads scry's configuration from a JSON file at
// $XDG_CONFIG_HOME/scry/config.json, with SCRY_* environment variables
// overriding file values.
package config

type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Embedding EmbeddingConfig
	Search    SearchConfig
	Queue     QueueConfig
	Log       LogConfig
	API       APIConfig
}

type ServerConfig struct {
	Port int
}

type StorageConfig struct {
	DataDir string
}

type EmbeddingConfig struct {
	BaseURL    string
	Model      string
	Dimensions int
}

type SearchConfig struct {
	SemanticWeight float64
	LexicalWeight  float64
	CacheSize      int
}

type QueueConfig struct {
	Workers     int
	MaxAttempts int
	// Intervals and timeouts are duration strings ("500ms", "5m").
	PollInterval    string
	LivenessTimeout string
	SweepInterval   string
	Retention       string
}

type LogConfig struct {
	Level string
}

type APIConfig struct {
	// Token protects the HTTP API when non-empty. An empty token leaves
	// the API open, which is only sane for localhost use.
	Token string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4600,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Embedding: EmbeddingConfig{
			BaseURL: "http://localhost:11434",
			Model:   "nomic-embed-text",
		},
		Search: SearchConfig{
			SemanticWeight: 0.7,
			LexicalWeight:  0.3,
			CacheSize:      128,
		},
		Queue: QueueConfig{
			Workers:         2,
			MaxAttempts:     5,
			PollInterval:    "500ms",
			LivenessTimeout: "5m",
			SweepInterval:   "1m",
			Retention:       "168h",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the config file, then applies SCRY_*
// environment overrides.
func Load() (Config, error) {
	return loadWith(newFileBackend(configFilePath()))
}

func loadWith(b *fileBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg)

	return cfg, nil
}
