package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/g960059/agtpilot/internal/model"
)

const envPrefix = "AGTPILOT"

type Config struct {
	SocketPath         string              `mapstructure:"socket_path" yaml:"socket_path"`
	LedgerPath         string              `mapstructure:"ledger_path" yaml:"ledger_path"`
	Log                LogConfig           `mapstructure:"log" yaml:"log"`
	MaxConcurrentTasks int                 `mapstructure:"max_concurrent_tasks" yaml:"max_concurrent_tasks"`
	ArchiveSize        int                 `mapstructure:"archive_size" yaml:"archive_size"`
	Batch              BatchConfig         `mapstructure:"batch" yaml:"batch"`
	Throttle           ThrottleConfig      `mapstructure:"throttle" yaml:"throttle"`
	Risk               RiskConfig          `mapstructure:"risk" yaml:"risk"`
	Keymap             map[string][]string `mapstructure:"keymap" yaml:"keymap"`
	CommandTimeout     time.Duration       `mapstructure:"command_timeout" yaml:"command_timeout"`
	EngineWriteTimeout time.Duration       `mapstructure:"engine_write_timeout" yaml:"engine_write_timeout"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

type BatchConfig struct {
	Interval  time.Duration `mapstructure:"interval" yaml:"interval"`
	HighWater int           `mapstructure:"high_water" yaml:"high_water"`
}

type ThrottleConfig struct {
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
}

// RiskConfig feeds the immutable risk policy built at start-up.
type RiskConfig struct {
	Tools              map[string]string `mapstructure:"tools" yaml:"tools"`
	DefaultTier        string            `mapstructure:"default_tier" yaml:"default_tier"`
	Timeouts           map[string]int    `mapstructure:"timeouts" yaml:"timeouts"`
	CredentialPatterns []string          `mapstructure:"credential_patterns" yaml:"credential_patterns"`
}

func DefaultConfig() Config {
	return Config{
		SocketPath:         defaultSocketPath(),
		LedgerPath:         "",
		Log:                LogConfig{Level: "info", Format: "text"},
		MaxConcurrentTasks: 1,
		ArchiveSize:        256,
		Batch: BatchConfig{
			Interval:  50 * time.Millisecond,
			HighWater: 10,
		},
		Throttle: ThrottleConfig{
			Interval: 16 * time.Millisecond,
		},
		Risk: RiskConfig{
			Tools:       DefaultToolRisks(),
			DefaultTier: string(model.RiskMedium),
			Timeouts: map[string]int{
				string(model.RiskCritical): 10,
				string(model.RiskHigh):     15,
				string(model.RiskMedium):   20,
				string(model.RiskLow):      30,
			},
			CredentialPatterns: []string{
				`(?i)^password$`,
				`(?i)passw(or)?d`,
				`(?i)^(secret|api[_-]?key|token|otp|pin|cvv|card[_-]?number)$`,
				`(?i)^current-password$|^new-password$|^one-time-code$|^cc-number$`,
			},
		},
		Keymap: map[string][]string{
			"emergency_stop":  {"ctrl+shift+x", "ctrl+alt+escape"},
			"toggle_pause":    {"ctrl+shift+p"},
			"confirm_pending": {"ctrl+shift+y"},
			"deny_pending":    {"ctrl+shift+n"},
			"cycle_target":    {"ctrl+shift+tab"},
		},
		CommandTimeout:     5 * time.Second,
		EngineWriteTimeout: 2 * time.Second,
	}
}

// DefaultToolRisks is the static tool to risk table shipped with the daemon.
func DefaultToolRisks() map[string]string {
	return map[string]string{
		"screenshot":       string(model.RiskLow),
		"read_file":        string(model.RiskLow),
		"list_windows":     string(model.RiskLow),
		"scroll":           string(model.RiskLow),
		"mouse_move":       string(model.RiskLow),
		"navigate":         string(model.RiskMedium),
		"click":            string(model.RiskMedium),
		"type_text":        string(model.RiskMedium),
		"key_press":        string(model.RiskMedium),
		"download_file":    string(model.RiskMedium),
		"write_file":       string(model.RiskHigh),
		"submit_form":      string(model.RiskHigh),
		"send_message":     string(model.RiskHigh),
		"close_window":     string(model.RiskHigh),
		"run_command":      string(model.RiskHigh),
		"delete_file":      string(model.RiskCritical),
		"purchase":         string(model.RiskCritical),
		"transfer_funds":   string(model.RiskCritical),
		"install_software": string(model.RiskCritical),
	}
}

// RegisterFlags binds the daemon flags that override file and env values.
func RegisterFlags(fs *pflag.FlagSet) {
	defaults := DefaultConfig()
	fs.String("config", "", "path to config file (yaml, json or toml)")
	fs.String("socket", defaults.SocketPath, "UDS path for agtpilotd")
	fs.String("ledger", defaults.LedgerPath, "SQLite ledger path (empty keeps the ledger in memory)")
	fs.String("log-level", defaults.Log.Level, "log level: debug, info, warn, error")
	fs.String("log-format", defaults.Log.Format, "log format: text or json")
	fs.Int("max-concurrent-tasks", defaults.MaxConcurrentTasks, "number of tasks that may run at once")
}

var flagKeys = map[string]string{
	"socket":               "socket_path",
	"ledger":               "ledger_path",
	"log-level":            "log.level",
	"log-format":           "log.format",
	"max-concurrent-tasks": "max_concurrent_tasks",
}

// Load layers defaults, the optional config file, AGTPILOT_* environment
// variables and explicitly set flags, in that order of precedence.
func Load(path string, fs *pflag.FlagSet) (Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if fs != nil {
		for name, key := range flagKeys {
			if flag := fs.Lookup(name); flag != nil {
				if err := v.BindPFlag(key, flag); err != nil {
					return Config{}, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
		if path == "" {
			if flag := fs.Lookup("config"); flag != nil {
				path = flag.Value.String()
			}
		}
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, cfg Config) {
	v.SetDefault("socket_path", cfg.SocketPath)
	v.SetDefault("ledger_path", cfg.LedgerPath)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("max_concurrent_tasks", cfg.MaxConcurrentTasks)
	v.SetDefault("archive_size", cfg.ArchiveSize)
	v.SetDefault("batch.interval", cfg.Batch.Interval)
	v.SetDefault("batch.high_water", cfg.Batch.HighWater)
	v.SetDefault("throttle.interval", cfg.Throttle.Interval)
	v.SetDefault("risk.tools", cfg.Risk.Tools)
	v.SetDefault("risk.default_tier", cfg.Risk.DefaultTier)
	v.SetDefault("risk.timeouts", cfg.Risk.Timeouts)
	v.SetDefault("risk.credential_patterns", cfg.Risk.CredentialPatterns)
	v.SetDefault("keymap", cfg.Keymap)
	v.SetDefault("command_timeout", cfg.CommandTimeout)
	v.SetDefault("engine_write_timeout", cfg.EngineWriteTimeout)
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var result *multierror.Error
	if strings.TrimSpace(c.SocketPath) == "" {
		result = multierror.Append(result, fmt.Errorf("socket_path is required"))
	}
	if c.MaxConcurrentTasks < 1 {
		result = multierror.Append(result, fmt.Errorf("max_concurrent_tasks must be >= 1, got %d", c.MaxConcurrentTasks))
	}
	if c.ArchiveSize < 1 {
		result = multierror.Append(result, fmt.Errorf("archive_size must be >= 1, got %d", c.ArchiveSize))
	}
	if c.Batch.Interval <= 0 {
		result = multierror.Append(result, fmt.Errorf("batch.interval must be positive"))
	}
	if c.Batch.HighWater < 1 {
		result = multierror.Append(result, fmt.Errorf("batch.high_water must be >= 1"))
	}
	if c.Throttle.Interval <= 0 {
		result = multierror.Append(result, fmt.Errorf("throttle.interval must be positive"))
	}
	if _, ok := model.ParseRiskTier(c.Risk.DefaultTier); !ok {
		result = multierror.Append(result, fmt.Errorf("risk.default_tier %q is not a risk tier", c.Risk.DefaultTier))
	}
	for tool, tier := range c.Risk.Tools {
		if _, ok := model.ParseRiskTier(tier); !ok {
			result = multierror.Append(result, fmt.Errorf("risk.tools.%s: %q is not a risk tier", tool, tier))
		}
	}
	for tier, seconds := range c.Risk.Timeouts {
		if _, ok := model.ParseRiskTier(tier); !ok {
			result = multierror.Append(result, fmt.Errorf("risk.timeouts: %q is not a risk tier", tier))
		}
		if seconds <= 0 {
			result = multierror.Append(result, fmt.Errorf("risk.timeouts.%s must be positive", tier))
		}
	}
	for _, pattern := range c.Risk.CredentialPatterns {
		if _, err := regexp.Compile(pattern); err != nil {
			result = multierror.Append(result, fmt.Errorf("risk.credential_patterns: %w", err))
		}
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		result = multierror.Append(result, fmt.Errorf("log.format %q must be text or json", c.Log.Format))
	}
	return result.ErrorOrNil()
}

// Dump renders the effective configuration as YAML.
func Dump(cfg Config) ([]byte, error) {
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return out, nil
}

func defaultSocketPath() string {
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir != "" {
		return filepath.Join(runtimeDir, "agtpilot", "agtpilotd.sock")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".agtpilotd.sock"
	}
	return filepath.Join(home, ".local", "state", "agtpilot", "agtpilotd.sock")
}
