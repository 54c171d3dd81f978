package config

import (
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	Server  ServerConfig
	Storage StorageConfig
	Image   ImageConfig
	Video   VideoConfig
	Remote  RemoteConfig
	Media   MediaConfig
	API     APIConfig
	Log     LogConfig
}

type ServerConfig struct {
	Port int
}

type StorageConfig struct {
	DataDir string
}

// ImageConfig configures the synchronous image generation provider.
type ImageConfig struct {
	APIKey string
	Model  string
}

// VideoConfig configures both asynchronous video shapes: the direct provider
// poll and the signing-proxy handshake.
type VideoConfig struct {
	APIKey         string
	Model          string
	ProxyURL       string
	ProxyAccessKey string
	ProxySecretKey string
}

// RemoteConfig holds the optional object store mirror credentials.
type RemoteConfig struct {
	Endpoint  string
	Bucket    string
	AccessKey string
}

type MediaConfig struct {
	GCMaxAgeHours int
}

type APIConfig struct {
	Token string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4400,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Image: ImageConfig{
			Model: "gemini-2.5-flash-image",
		},
		Video: VideoConfig{
			Model: "veo-3.0-generate-001",
		},
		Media: MediaConfig{
			GCMaxAgeHours: 720,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the platform-native backend, a .env file in
// the working directory, environment variables, and the platform secret
// store.
//
// On macOS the backend is UserDefaults (domain: com.mediagraph.app) and
// secrets fall back to macOS Keychain. On Linux the backend is a JSON file at
// $XDG_CONFIG_HOME/mediagraph/config.json and secrets live in a secrets file
// under $XDG_DATA_HOME.
//
// Environment variables (MEDIAGRAPH_*) override backend values on all
// platforms. Provider keys are optional: nodes whose provider is
// unconfigured fail individually at run time.
func Load() (Config, error) {
	godotenv.Load() // best effort, absence is the normal case
	return loadWith(newPlatformBackend(), keychainReader{})
}

// keychain abstracts secret store access for testing.
type keychain interface {
	Get(service, account string) (string, error)
}

func loadWith(b ConfigBackend, kc keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.Image.APIKey == "" {
		if key, err := kc.Get("mediagraph", "gemini_api_key"); err == nil && key != "" {
			cfg.Image.APIKey = key
		}
	}
	// The direct video shape shares the provider account with image gen.
	if cfg.Video.APIKey == "" {
		cfg.Video.APIKey = cfg.Image.APIKey
	}

	return cfg, nil
}

// keychainReader reads from the platform secret store.
type keychainReader struct{}

func (keychainReader) Get(service, account string) (string, error) {
	out, err := keychainExec(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
