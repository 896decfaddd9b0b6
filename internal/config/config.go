package config

// Config holds everything revtally reads at startup. Values come from the
// JSON config file, overridden by REVTALLY_* environment variables. The game
// API key is a secret: it is read from the environment or from the settings
// collection inside the store, never written to the config file.
type Config struct {
	Server  ServerConfig
	Storage StorageConfig
	API     APIConfig
	Sync    SyncConfig
	Player  PlayerConfig
	Log     LogConfig
}

type ServerConfig struct {
	Port int
}

type StorageConfig struct {
	DataDir string
}

type APIConfig struct {
	BaseURL string
	Key     string
}

type SyncConfig struct {
	PageSize int
}

type PlayerConfig struct {
	// ID is the reference actor whose outgoing revives drive the
	// skill-gain computation.
	ID int64
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4600,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		API: APIConfig{
			BaseURL: "https://api.torn.com/v2",
		},
		Sync: SyncConfig{
			PageSize: 100,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the JSON file at
// $XDG_CONFIG_HOME/revtally/config.json and applies environment overrides.
func Load() (Config, error) {
	return loadWith(newFileBackend(configFilePath()))
}

func loadWith(b Backend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	return cfg, nil
}
