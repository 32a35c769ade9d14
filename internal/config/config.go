package config

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"time"
)

// Config holds the process's environment-level inputs: where the event
// store lives, the per-subscriber buffer cap, the max event payload size,
// and the gateway's listen address.
type Config struct {
	// DBPath is the filesystem path to the sqlite event store.
	DBPath string `json:"dbPath,omitempty"`
	// ListenAddr is the address the Attachment Gateway / control plane listens on.
	ListenAddr string `json:"listenAddr,omitempty"`
	// SubscriberBufferSize bounds each attachment's outbound event buffer.
	SubscriberBufferSize int `json:"subscriberBufferSize,omitempty"`
	// MaxPayloadBytes rejects event appends with a larger payload.
	MaxPayloadBytes int `json:"maxPayloadBytes,omitempty"`
	// ShutdownTimeout bounds graceful drain on SIGTERM/SIGINT.
	ShutdownTimeout time.Duration `json:"-"`
}

// DefaultSubscriberBufferSize is tuned so that a burst of pty:stdout chunks
// from a busy shell does not trip backpressure during normal interactive
// use, while still bounding memory for a genuinely stuck client.
const DefaultSubscriberBufferSize = 4096

// DefaultMaxPayloadBytes is the default cap on a single event's payload.
const DefaultMaxPayloadBytes = 1 << 20 // 1 MiB

// Default returns a Config with sensible defaults rooted under the XDG data dir.
func Default() *Config {
	return &Config{
		DBPath:               filepath.Join(GetPaths().Data, "dispatch.db"),
		ListenAddr:           "127.0.0.1:7070",
		SubscriberBufferSize: DefaultSubscriberBufferSize,
		MaxPayloadBytes:      DefaultMaxPayloadBytes,
		ShutdownTimeout:      30 * time.Second,
	}
}

// Load loads configuration from, in priority order: the global config file,
// a project-local override, then environment variables. Missing files are
// skipped, not errors.
func Load(directory string) (*Config, error) {
	cfg := Default()

	globalPath := GetPaths().Config
	loadConfigFile(filepath.Join(globalPath, "dispatch.json"), cfg)
	loadConfigFile(filepath.Join(globalPath, "dispatch.jsonc"), cfg)

	if directory != "" {
		loadConfigFile(filepath.Join(directory, ".dispatch", "dispatch.json"), cfg)
		loadConfigFile(filepath.Join(directory, ".dispatch", "dispatch.jsonc"), cfg)
	}

	applyEnvOverrides(cfg)

	return cfg, nil
}

func loadConfigFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	data = stripJSONComments(data)

	var fileCfg Config
	if err := json.Unmarshal(data, &fileCfg); err != nil {
		return err
	}
	mergeConfig(cfg, &fileCfg)
	return nil
}

func stripJSONComments(data []byte) []byte {
	singleLine := regexp.MustCompile(`//.*$`)
	lines := bytes.Split(data, []byte("\n"))
	for i, line := range lines {
		lines[i] = singleLine.ReplaceAll(line, nil)
	}
	data = bytes.Join(lines, []byte("\n"))

	multiLine := regexp.MustCompile(`/\*[\s\S]*?\*/`)
	return multiLine.ReplaceAll(data, nil)
}

func mergeConfig(target, source *Config) {
	if source.DBPath != "" {
		target.DBPath = source.DBPath
	}
	if source.ListenAddr != "" {
		target.ListenAddr = source.ListenAddr
	}
	if source.SubscriberBufferSize > 0 {
		target.SubscriberBufferSize = source.SubscriberBufferSize
	}
	if source.MaxPayloadBytes > 0 {
		target.MaxPayloadBytes = source.MaxPayloadBytes
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DISPATCH_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("DISPATCH_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
}
