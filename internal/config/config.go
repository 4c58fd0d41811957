package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Local        LocalConfig     `mapstructure:"local"`
	Remote       RemoteConfig    `mapstructure:"remote"`
	StateStorage StateStorage    `mapstructure:"state_storage"`
	Sync         SyncConfig      `mapstructure:"sync"`
	Scheduler    SchedulerConfig `mapstructure:"scheduler"`
	Server       ServerConfig    `mapstructure:"server"`
	Logging      LoggingConfig   `mapstructure:"logging"`
}

// LocalConfig describes the embedded database the app reads and writes offline.
type LocalConfig struct {
	Path string `mapstructure:"path"`
	// TargetVersion is the schema version to migrate to at startup; 0 means latest.
	TargetVersion int `mapstructure:"target_version"`
}

type RemoteConfig struct {
	Type       string             `mapstructure:"type"` // mysql or memory
	Connection DatabaseConnection `mapstructure:"connection"`
	// SessionToken identifies the signed-in user in the remote sessions table.
	SessionToken string `mapstructure:"session_token"`
	UserID       string `mapstructure:"user_id"` // memory remote only
}

type DatabaseConnection struct {
	Host                string `mapstructure:"host"`
	Port                int    `mapstructure:"port"`
	User                string `mapstructure:"user"`
	Password            string `mapstructure:"password"`
	Database            string `mapstructure:"database"`
	ReplicationUser     string `mapstructure:"replication_user"`
	ReplicationPassword string `mapstructure:"replication_password"`
	ServerID            uint32 `mapstructure:"server_id"`
}

type StateStorage struct {
	Type     string `mapstructure:"type"` // sqlite or mysql
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	FilePath string `mapstructure:"file_path"` // For SQLite
}

type SyncConfig struct {
	DefaultStrategy string `mapstructure:"default_strategy"`
	Workers         int    `mapstructure:"workers"`
	Realtime        bool   `mapstructure:"realtime"`
	// Tolerance is the largest updated_at difference still treated as the same write.
	Tolerance string `mapstructure:"tolerance"`
	// Debounce delays realtime-triggered syncs so bursts of remote writes collapse into one run.
	Debounce string `mapstructure:"debounce"`
}

func (s SyncConfig) GetTolerance() time.Duration {
	d, err := time.ParseDuration(s.Tolerance)
	if err != nil || d < 0 {
		return time.Second
	}
	return d
}

func (s SyncConfig) GetDebounce() time.Duration {
	d, err := time.ParseDuration(s.Debounce)
	if err != nil || d <= 0 {
		return 2 * time.Second
	}
	return d
}

type SchedulerConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Interval string `mapstructure:"interval"`
}

type ServerConfig struct {
	Port         int      `mapstructure:"port"`
	Host         string   `mapstructure:"host"`
	AuthToken    string   `mapstructure:"auth_token"`
	ReadTimeout  string   `mapstructure:"read_timeout"`
	WriteTimeout string   `mapstructure:"write_timeout"`
	CorsOrigins  []string `mapstructure:"cors_origins"`
}

func (s ServerConfig) GetReadTimeout() time.Duration {
	d, _ := time.ParseDuration(s.ReadTimeout)
	return d
}

func (s ServerConfig) GetWriteTimeout() time.Duration {
	d, _ := time.ParseDuration(s.WriteTimeout)
	return d
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("local.path", "data/local.db")
	v.SetDefault("local.target_version", 0)

	v.SetDefault("remote.type", "mysql")
	v.SetDefault("remote.connection.host", "127.0.0.1")
	v.SetDefault("remote.connection.port", 3306)
	v.SetDefault("remote.connection.server_id", 1001)
	v.SetDefault("remote.connection.user", "")
	v.SetDefault("remote.connection.password", "")
	v.SetDefault("remote.connection.database", "")
	v.SetDefault("remote.session_token", "")
	v.SetDefault("remote.user_id", "")

	v.SetDefault("state_storage.type", "sqlite")
	v.SetDefault("state_storage.file_path", "data/state.db")

	v.SetDefault("sync.default_strategy", "NEWEST_WINS")
	v.SetDefault("sync.workers", 1)
	v.SetDefault("sync.realtime", false)
	v.SetDefault("sync.tolerance", "1s")
	v.SetDefault("sync.debounce", "2s")

	v.SetDefault("scheduler.enabled", false)
	v.SetDefault("scheduler.interval", "@every 5m")

	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.auth_token", "")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "60s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// LoadConfig reads the YAML file at path, applies OSS_* environment overrides
// and fills defaults. An empty path loads defaults and environment only.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("OSS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Remote.Type {
	case "mysql", "memory":
	default:
		return fmt.Errorf("remote.type must be mysql or memory, got %q", c.Remote.Type)
	}
	switch c.StateStorage.Type {
	case "sqlite", "mysql":
	default:
		return fmt.Errorf("state_storage.type must be sqlite or mysql, got %q", c.StateStorage.Type)
	}
	if c.Sync.Workers < 1 {
		return fmt.Errorf("sync.workers must be at least 1, got %d", c.Sync.Workers)
	}
	if c.Local.TargetVersion < 0 {
		return fmt.Errorf("local.target_version must not be negative")
	}
	return nil
}
