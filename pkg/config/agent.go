package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultFileName is the config file looked up inside Dir().
	DefaultFileName = "agent.yaml"
	// ReloadMarker is the file whose appearance in the config dir asks a running agent to reload.
	ReloadMarker = "reload_agent"
)

// AgentConfig is the immutable configuration snapshot shared by every
// component. A reload builds a new value; nothing edits one in place.
type AgentConfig struct {
	WebsocketAddress string `json:"websocket_address" yaml:"websocket_address" env:"RIPTIDE_WEBSOCKET_ADDRESS"`
	ServerAddress    string `json:"server_address" yaml:"server_address" env:"RIPTIDE_SERVER_ADDRESS"`

	PublicID   uint64 `json:"public_id,omitempty" yaml:"public_id,omitempty" env:"RIPTIDE_PUBLIC_ID"`
	PrivateKey string `json:"private_key,omitempty" yaml:"private_key,omitempty" env:"RIPTIDE_PRIVATE_KEY"`
	// KeyFile holds {"public_id", "passcode"} written at registration.
	KeyFile string `json:"key_file,omitempty" yaml:"key_file,omitempty" env:"RIPTIDE_KEY_FILE"`

	FileStoreLocation string `json:"file_store_location" yaml:"file_store_location" env:"RIPTIDE_FILE_STORE_LOCATION"`
	DatabaseLocation  string `json:"database_location" yaml:"database_location" env:"RIPTIDE_DATABASE_LOCATION"`

	MaxUploadAttempts   int      `json:"max_upload_attempts" yaml:"max_upload_attempts" env:"RIPTIDE_MAX_UPLOAD_ATTEMPTS"`
	UploadRetryInterval Duration `json:"upload_retry_interval" yaml:"upload_retry_interval" env:"RIPTIDE_UPLOAD_RETRY_INTERVAL"`
	ReconnectDelay      Duration `json:"reconnect_delay" yaml:"reconnect_delay" env:"RIPTIDE_RECONNECT_DELAY"`
	SweepInterval       Duration `json:"sweep_interval" yaml:"sweep_interval" env:"RIPTIDE_SWEEP_INTERVAL"`
	ReloadCheckInterval Duration `json:"reload_check_interval" yaml:"reload_check_interval" env:"RIPTIDE_RELOAD_CHECK_INTERVAL"`

	DNSServers []string `json:"dns_servers,omitempty" yaml:"dns_servers,omitempty" env:"RIPTIDE_DNS_SERVERS"`
	AdminAddr  string   `json:"admin_addr,omitempty" yaml:"admin_addr,omitempty" env:"RIPTIDE_ADMIN_ADDR"`

	Log LogConfig `json:"log" yaml:"log"`

	// path the snapshot was read from; empty when built from defaults only
	source string
}

type LogConfig struct {
	Level         string `json:"level" yaml:"level" env:"RIPTIDE_LOG_LEVEL"`
	Format        string `json:"format" yaml:"format" env:"RIPTIDE_LOG_FORMAT"` // text|json
	File          string `json:"file,omitempty" yaml:"file,omitempty" env:"RIPTIDE_LOG_FILE"`
	MaxSizeMB     int    `json:"max_size_mb" yaml:"max_size_mb" env:"RIPTIDE_LOG_MAX_SIZE_MB"`
	MaxBackups    int    `json:"max_backups" yaml:"max_backups" env:"RIPTIDE_LOG_MAX_BACKUPS"`
	MaxAgeDays    int    `json:"max_age_days" yaml:"max_age_days" env:"RIPTIDE_LOG_MAX_AGE_DAYS"`
	DisableStderr bool   `json:"disable_stderr,omitempty" yaml:"disable_stderr,omitempty" env:"RIPTIDE_LOG_DISABLE_STDERR"`
}

// keyFile is the registration record stored next to the config.
type keyFile struct {
	PublicID uint64 `json:"public_id"`
	Passcode string `json:"passcode"`
}

// Dir is the per-user configuration directory for the agent.
func Dir() string {
	if v := os.Getenv("RIPTIDE_CONFIG_DIR"); v != "" {
		return v
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "riptide"
	}
	return filepath.Join(base, "riptide")
}

// DefaultPath is Dir()/agent.yaml.
func DefaultPath() string { return filepath.Join(Dir(), DefaultFileName) }

// Default returns the built-in configuration rooted at dir.
func Default(dir string) AgentConfig {
	return AgentConfig{
		WebsocketAddress:    "ws://localhost:3030",
		ServerAddress:       "http://localhost:3030",
		KeyFile:             filepath.Join(dir, "key"),
		FileStoreLocation:   filepath.Join(dir, "hard_links"),
		DatabaseLocation:    filepath.Join(dir, "riptide.db"),
		MaxUploadAttempts:   3,
		UploadRetryInterval: Duration(time.Second),
		ReconnectDelay:      Duration(time.Minute),
		SweepInterval:       Duration(time.Minute),
		ReloadCheckInterval: Duration(5 * time.Second),
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  20,
			MaxBackups: 5,
			MaxAgeDays: 7,
		},
	}
}

// Exists reports whether a config file is present at path (DefaultPath when empty).
func Exists(path string) bool {
	if path == "" {
		path = DefaultPath()
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// Load reads path (DefaultPath when empty), applies RIPTIDE_* environment
// overrides and the key file, and normalizes the result. A missing file
// yields the defaults.
func Load(path string) (AgentConfig, error) {
	if path == "" {
		path = DefaultPath()
	}
	cfg := Default(filepath.Dir(path))
	cfg.source = path

	if b, err := os.ReadFile(path); err == nil {
		ext := strings.ToLower(filepath.Ext(path))
		switch ext {
		case ".json":
			if err := json.Unmarshal(b, &cfg); err != nil {
				return cfg, fmt.Errorf("parse json %s: %w", path, err)
			}
		case ".yaml", ".yml":
			if err := yaml.Unmarshal(b, &cfg); err != nil {
				return cfg, fmt.Errorf("parse yaml %s: %w", path, err)
			}
		default:
			return cfg, fmt.Errorf("unsupported config extension: %s", ext)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return cfg, fmt.Errorf("read config: %w", err)
	}

	// env overrides
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return cfg, fmt.Errorf("env overrides: %w", err)
	}

	if err := cfg.loadKey(); err != nil {
		return cfg, err
	}
	cfg.normalize()
	return cfg, nil
}

// loadKey fills PublicID/PrivateKey from the key file unless already set.
func (c *AgentConfig) loadKey() error {
	if c.KeyFile == "" || (c.PublicID != 0 && c.PrivateKey != "") {
		return nil
	}
	b, err := os.ReadFile(c.KeyFile)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read key file: %w", err)
	}
	var k keyFile
	if err := json.Unmarshal(b, &k); err != nil {
		return fmt.Errorf("parse key file %s: %w", c.KeyFile, err)
	}
	if c.PublicID == 0 {
		c.PublicID = k.PublicID
	}
	if c.PrivateKey == "" {
		c.PrivateKey = k.Passcode
	}
	return nil
}

func (c *AgentConfig) normalize() {
	c.WebsocketAddress = strings.TrimRight(strings.TrimSpace(c.WebsocketAddress), "/")
	c.ServerAddress = strings.TrimRight(strings.TrimSpace(c.ServerAddress), "/")
	c.PrivateKey = strings.TrimSpace(c.PrivateKey)
	c.FileStoreLocation = strings.TrimSpace(c.FileStoreLocation)
	c.DatabaseLocation = strings.TrimSpace(c.DatabaseLocation)
	c.AdminAddr = strings.TrimSpace(c.AdminAddr)
	if len(c.DNSServers) > 0 {
		cleaned := make([]string, 0, len(c.DNSServers))
		for _, s := range c.DNSServers {
			if t := strings.TrimSpace(s); t != "" {
				cleaned = append(cleaned, t)
			}
		}
		c.DNSServers = cleaned
	}
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
}

// Validate checks the fields the engine cannot run without.
func (c AgentConfig) Validate() error {
	var errs []error
	u, err := url.Parse(c.WebsocketAddress)
	switch {
	case c.WebsocketAddress == "":
		errs = append(errs, errors.New("websocket_address is required"))
	case err != nil:
		errs = append(errs, fmt.Errorf("websocket_address: %w", err))
	case u.Scheme != "ws" && u.Scheme != "wss":
		errs = append(errs, fmt.Errorf("websocket_address: scheme must be ws or wss, got %q", u.Scheme))
	}
	if c.FileStoreLocation == "" {
		errs = append(errs, errors.New("file_store_location is required"))
	}
	if c.DatabaseLocation == "" {
		errs = append(errs, errors.New("database_location is required"))
	}
	if c.MaxUploadAttempts < 1 {
		errs = append(errs, fmt.Errorf("max_upload_attempts must be at least 1, got %d", c.MaxUploadAttempts))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, errors.New("sweep_interval must be positive"))
	}
	return errors.Join(errs...)
}

// Registered reports whether the agent holds an identity issued by the Central API.
func (c AgentConfig) Registered() bool {
	return c.PublicID != 0 && c.PrivateKey != ""
}

// Endpoint is the websocket URL this agent connects to.
func (c AgentConfig) Endpoint() string {
	return c.WebsocketAddress + "/api/v1/ws/" + strconv.FormatUint(c.PublicID, 10)
}

// Source is the file the snapshot was loaded from.
func (c AgentConfig) Source() string { return c.source }

// ConfigDir is the directory holding the config file and the reload marker.
func (c AgentConfig) ConfigDir() string {
	if c.source == "" {
		return Dir()
	}
	return filepath.Dir(c.source)
}

// Save writes the snapshot to path, creating the parent directory.
func Save(path string, cfg AgentConfig) error {
	var (
		b   []byte
		err error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		b, err = json.MarshalIndent(cfg, "", "  ")
	default:
		b, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, b, 0o600)
}
