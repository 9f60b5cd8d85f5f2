// Package config loads the syncq configuration from YAML or TOML, fills in
// defaults and validates the result.
package config

// ============================================================================
// 設定載入
// 職責：
// 1. 依副檔名選擇 YAML 或 TOML 解碼器
// 2. 套用預設值、展開 ~ 路徑
// 3. 驗證各欄位
// ============================================================================

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Duration 可由 "15s"、"2m" 等字串解碼的時間長度（YAML 與 TOML 通用）
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	if s == "" || s == "0" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std 轉為 time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config 完整的系統設定
type Config struct {
	Queue struct {
		Key            string   `yaml:"key" toml:"key"`
		MaxRetries     int      `yaml:"max_retries" toml:"max_retries"`
		HandlerTimeout Duration `yaml:"handler_timeout" toml:"handler_timeout"`
		BackoffBase    Duration `yaml:"backoff_base" toml:"backoff_base"`
		BackoffMax     Duration `yaml:"backoff_max" toml:"backoff_max"`
	} `yaml:"queue" toml:"queue"`

	Storage struct {
		Driver string `yaml:"driver" toml:"driver"` // file | sqlite | memory
		Path   string `yaml:"path" toml:"path"`
	} `yaml:"storage" toml:"storage"`

	Journal struct {
		Path string `yaml:"path" toml:"path"` // 空字串停用死信日誌
	} `yaml:"journal" toml:"journal"`

	Sync struct {
		PeriodicInterval Duration `yaml:"periodic_interval" toml:"periodic_interval"`
		ProbeInterval    Duration `yaml:"probe_interval" toml:"probe_interval"`
	} `yaml:"sync" toml:"sync"`

	Remote struct {
		Address     string   `yaml:"address" toml:"address"`
		DialTimeout Duration `yaml:"dial_timeout" toml:"dial_timeout"`
	} `yaml:"remote" toml:"remote"`

	Favorites struct {
		UserID            string `yaml:"user_id" toml:"user_id"`
		RollbackOnFailure *bool  `yaml:"rollback_on_failure" toml:"rollback_on_failure"`
	} `yaml:"favorites" toml:"favorites"`

	Metrics struct {
		Enabled bool `yaml:"enabled" toml:"enabled"`
		Port    int  `yaml:"port" toml:"port"`
	} `yaml:"metrics" toml:"metrics"`

	Log struct {
		Level  string `yaml:"level" toml:"level"`
		Format string `yaml:"format" toml:"format"`
	} `yaml:"log" toml:"log"`
}

// ErrInvalid 設定驗證失敗
var ErrInvalid = errors.New("invalid config")

// Default 回傳全部使用預設值的設定
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads path and decodes it by extension (.toml, otherwise YAML). An
// empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := decode(path, data, cfg); err != nil {
			return nil, err
		}
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		dec := toml.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			return fmt.Errorf("parse toml config %s: %w", path, err)
		}
	default:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("parse yaml config %s: %w", path, err)
		}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Queue.Key == "" {
		c.Queue.Key = "queue/default"
	}
	if c.Queue.MaxRetries == 0 {
		c.Queue.MaxRetries = 3
	}
	if c.Queue.HandlerTimeout == 0 {
		c.Queue.HandlerTimeout = Duration(15 * time.Second)
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "file"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = defaultDataPath(c.Storage.Driver)
	}
	c.Storage.Path = expandHome(c.Storage.Path)
	if c.Journal.Path == "" {
		c.Journal.Path = defaultJournalPath(c.Storage.Driver, c.Storage.Path)
	}
	c.Journal.Path = expandHome(c.Journal.Path)
	if c.Sync.ProbeInterval == 0 {
		c.Sync.ProbeInterval = Duration(5 * time.Second)
	}
	if c.Remote.Address == "" {
		c.Remote.Address = "localhost:50051"
	}
	if c.Remote.DialTimeout == 0 {
		c.Remote.DialTimeout = Duration(5 * time.Second)
	}
	if c.Favorites.UserID == "" {
		c.Favorites.UserID = "local"
	}
	if c.Favorites.RollbackOnFailure == nil {
		on := true
		c.Favorites.RollbackOnFailure = &on
	}
	if c.Metrics.Port == 0 {
		c.Metrics.Port = 9090
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "auto"
	}
}

// Validate 檢查設定是否合法
func (c *Config) Validate() error {
	var errs []error
	if c.Queue.MaxRetries < 1 {
		errs = append(errs, fmt.Errorf("queue.max_retries must be >= 1, got %d", c.Queue.MaxRetries))
	}
	if c.Queue.HandlerTimeout < 0 {
		errs = append(errs, errors.New("queue.handler_timeout must not be negative"))
	}
	if c.Queue.BackoffBase < 0 || c.Queue.BackoffMax < 0 {
		errs = append(errs, errors.New("queue backoff durations must not be negative"))
	}
	if c.Queue.BackoffMax > 0 && c.Queue.BackoffMax < c.Queue.BackoffBase {
		errs = append(errs, errors.New("queue.backoff_max must be >= queue.backoff_base"))
	}
	switch c.Storage.Driver {
	case "file", "sqlite", "memory":
	default:
		errs = append(errs, fmt.Errorf("storage.driver %q not supported (file, sqlite, memory)", c.Storage.Driver))
	}
	if c.Sync.PeriodicInterval < 0 {
		errs = append(errs, errors.New("sync.periodic_interval must not be negative"))
	}
	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		errs = append(errs, fmt.Errorf("metrics.port %d out of range", c.Metrics.Port))
	}
	switch strings.ToLower(c.Log.Format) {
	case "auto", "text", "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q not supported", c.Log.Format))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// Rollback reports whether compensating rollback is enabled.
func (c *Config) Rollback() bool {
	return c.Favorites.RollbackOnFailure == nil || *c.Favorites.RollbackOnFailure
}

func defaultDataPath(driver string) string {
	switch driver {
	case "sqlite":
		return filepath.Join("~", ".local", "share", "syncq", "syncq.db")
	case "memory":
		return ""
	}
	return filepath.Join("~", ".local", "share", "syncq")
}

// defaultJournalPath 死信日誌預設放在資料旁；memory driver 不寫日誌
func defaultJournalPath(driver, dataPath string) string {
	switch driver {
	case "memory":
		return ""
	case "sqlite":
		return filepath.Join(filepath.Dir(dataPath), "deadletter.log")
	}
	return filepath.Join(dataPath, "deadletter.log")
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
