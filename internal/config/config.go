package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. RELAYBOT_UPSTREAM_TOKEN.
const EnvPrefix = "RELAYBOT_"

// Config is the root configuration for relaybot.
type Config struct {
	General   GeneralConfig   `json:"general" yaml:"general"`
	Agent     AgentConfig     `json:"agent" yaml:"agent"`
	Driver    DriverConfig    `json:"driver" yaml:"driver"`
	Listeners ListenersConfig `json:"listeners" yaml:"listeners"`
	Dispatch  DispatchConfig  `json:"dispatch" yaml:"dispatch"`
	Upstream  UpstreamConfig  `json:"upstream" yaml:"upstream"`
	GroupLog  GroupLogConfig  `json:"groupLog" yaml:"groupLog"`
	Admin     AdminConfig     `json:"admin" yaml:"admin"`
	Alert     AlertConfig     `json:"alert" yaml:"alert"`
	Metrics   MetricsConfig   `json:"metrics" yaml:"metrics"`
}

type GeneralConfig struct {
	LogLevel  string `json:"logLevel" yaml:"logLevel" env:"LOG_LEVEL"`
	LogFormat string `json:"logFormat" yaml:"logFormat"` // "text" | "json"
	LogFile   string `json:"logFile,omitempty" yaml:"logFile,omitempty"`
	DataDir   string `json:"dataDir" yaml:"dataDir" env:"DATA_DIR"`
}

// AgentConfig names the account the agent runs as. A group message
// addresses the agent when it mentions Name or one of the aliases.
type AgentConfig struct {
	Name    string   `json:"name" yaml:"name" env:"AGENT_NAME"`
	Aliases []string `json:"aliases,omitempty" yaml:"aliases,omitempty"`
}

type DriverConfig struct {
	Kind           string `json:"kind" yaml:"kind" env:"DRIVER_KIND"` // "bridge" | "browser"
	TimeoutSeconds int    `json:"timeoutSeconds" yaml:"timeoutSeconds"`
	// ExitOnUnreachable stops the process when the driver is lost so the
	// service manager restarts it.
	ExitOnUnreachable bool                `json:"exitOnUnreachable" yaml:"exitOnUnreachable"`
	Bridge            BridgeDriverConfig  `json:"bridge" yaml:"bridge"`
	Browser           BrowserDriverConfig `json:"browser" yaml:"browser"`
}

type BridgeDriverConfig struct {
	BaseURL string `json:"baseURL" yaml:"baseURL" env:"BRIDGE_URL"`
	Token   string `json:"token,omitempty" yaml:"token,omitempty" env:"BRIDGE_TOKEN"`
	// MaxDialFailures consecutive failed stream dials mark the driver unreachable.
	MaxDialFailures int `json:"maxDialFailures" yaml:"maxDialFailures"`
}

type BrowserDriverConfig struct {
	ProfileDir  string            `json:"profileDir" yaml:"profileDir"`
	Headless    bool              `json:"headless" yaml:"headless"`
	PollSeconds int               `json:"pollSeconds" yaml:"pollSeconds"`
	Selectors   map[string]string `json:"selectors,omitempty" yaml:"selectors,omitempty"`
}

type ListenersConfig struct {
	StoreFile        string `json:"storeFile" yaml:"storeFile"`
	SettleMillis     int    `json:"settleMillis" yaml:"settleMillis"`
	PageToggleMillis int    `json:"pageToggleMillis" yaml:"pageToggleMillis"`
	// RefreshSchedule is a cron expression; empty disables auto-refresh.
	RefreshSchedule  string `json:"refreshSchedule" yaml:"refreshSchedule"`
	ProbeConcurrency int    `json:"probeConcurrency" yaml:"probeConcurrency"`
	// Watch reloads the store file when it is edited by hand.
	Watch bool `json:"watch" yaml:"watch"`
}

type DispatchConfig struct {
	Workers             int    `json:"workers" yaml:"workers"`
	QueueSize           int    `json:"queueSize" yaml:"queueSize"`
	FillerText          string `json:"fillerText" yaml:"fillerText"`
	FillerLineThreshold int    `json:"fillerLineThreshold" yaml:"fillerLineThreshold"`
	ErrorReply          string `json:"errorReply" yaml:"errorReply"`
}

type UpstreamConfig struct {
	Endpoint               string `json:"endpoint" yaml:"endpoint" env:"UPSTREAM_ENDPOINT"`
	Token                  string `json:"token,omitempty" yaml:"token,omitempty" env:"UPSTREAM_TOKEN"`
	ConnectTimeoutSeconds  int    `json:"connectTimeoutSeconds" yaml:"connectTimeoutSeconds"`
	ReadTimeoutSeconds     int    `json:"readTimeoutSeconds" yaml:"readTimeoutSeconds"`
	BreakerThreshold       int    `json:"breakerThreshold" yaml:"breakerThreshold"`
	BreakerCooldownSeconds int    `json:"breakerCooldownSeconds" yaml:"breakerCooldownSeconds"`
	TransientReply         string `json:"transientReply" yaml:"transientReply"`
	EscalatedReply         string `json:"escalatedReply" yaml:"escalatedReply"`
}

type GroupLogConfig struct {
	Enabled       bool   `json:"enabled" yaml:"enabled"`
	DBPath        string `json:"dbPath" yaml:"dbPath"`
	RetentionDays int    `json:"retentionDays" yaml:"retentionDays"`
	PruneSchedule string `json:"pruneSchedule" yaml:"pruneSchedule"`
}

type AdminConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Host    string `json:"host" yaml:"host"`
	Port    int    `json:"port" yaml:"port" env:"ADMIN_PORT"`
	Token   string `json:"token,omitempty" yaml:"token,omitempty" env:"ADMIN_TOKEN"`
}

type AlertConfig struct {
	Telegram TelegramAlertConfig `json:"telegram" yaml:"telegram"`
}

type TelegramAlertConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Token   string `json:"token,omitempty" yaml:"token,omitempty" env:"TELEGRAM_TOKEN"`
	ChatID  int64  `json:"chatId" yaml:"chatId" env:"TELEGRAM_CHAT_ID"`
}

// MetricsConfig controls the Prometheus endpoint on the admin server.
type MetricsConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Endpoint string `json:"endpoint" yaml:"endpoint"`
}

// DefaultConfigDir returns the default config directory (~/.relaybot).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".relaybot"
	}
	return filepath.Join(home, ".relaybot")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if isYAML(path) {
		err = yaml.Unmarshal(data, cfg)
	} else {
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	cfg.expandPaths()

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides secrets and endpoints from RELAYBOT_* variables.
// Unset variables leave the file's values alone.
func ApplyEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("environment overrides: %w", err)
	}
	return nil
}

func (c *Config) expandPaths() {
	c.General.DataDir = ExpandPath(c.General.DataDir)
	c.General.LogFile = ExpandPath(c.General.LogFile)
	c.Listeners.StoreFile = ExpandPath(c.Listeners.StoreFile)
	c.GroupLog.DBPath = ExpandPath(c.GroupLog.DBPath)
	c.Driver.Browser.ProfileDir = ExpandPath(c.Driver.Browser.ProfileDir)
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// ${VAR:-default} uses "default" when VAR is unset or empty; an unset
// variable without a default is left as written.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		hasDefault := len(groups) >= 3 && groups[2] != ""
		val, exists := os.LookupEnv(groups[1])
		if !exists || val == "" {
			if hasDefault {
				return groups[2]
			}
			return match
		}
		return val
	})
}

// Save writes cfg as YAML or indented JSON depending on the extension.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	// Tokens live in the file.
	return os.WriteFile(path, data, 0o600)
}

var (
	logLevels  = []string{"debug", "info", "warn", "error"}
	logFormats = []string{"text", "json"}
)

// Validate checks that the config has valid values. Every problem is
// reported, not just the first.
func Validate(cfg *Config) error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if !slices.Contains(logLevels, cfg.General.LogLevel) {
		add("general.logLevel must be one of: %s", strings.Join(logLevels, ", "))
	}
	if !slices.Contains(logFormats, cfg.General.LogFormat) {
		add("general.logFormat must be one of: %s", strings.Join(logFormats, ", "))
	}
	if strings.TrimSpace(cfg.Agent.Name) == "" {
		add("agent.name is required")
	}

	switch cfg.Driver.Kind {
	case DriverBridge:
		if err := checkURL(cfg.Driver.Bridge.BaseURL); err != nil {
			add("driver.bridge.baseURL: %v", err)
		}
		if cfg.Driver.Bridge.MaxDialFailures < 1 {
			add("driver.bridge.maxDialFailures must be at least 1")
		}
	case DriverBrowser:
		for _, key := range requiredSelectors {
			if cfg.Driver.Browser.Selectors[key] == "" {
				add("driver.browser.selectors.%s is required", key)
			}
		}
	default:
		add("driver.kind must be one of: %s, %s", DriverBridge, DriverBrowser)
	}
	if cfg.Driver.TimeoutSeconds < 1 {
		add("driver.timeoutSeconds must be >= 1")
	}

	if cfg.Listeners.StoreFile == "" {
		add("listeners.storeFile is required")
	}
	if cfg.Listeners.SettleMillis < 0 || cfg.Listeners.PageToggleMillis < 0 {
		add("listeners delays must be >= 0")
	}
	if cfg.Listeners.ProbeConcurrency < 1 {
		add("listeners.probeConcurrency must be >= 1")
	}

	if cfg.Dispatch.Workers < 1 || cfg.Dispatch.Workers > 256 {
		add("dispatch.workers must be between 1 and 256")
	}
	if cfg.Dispatch.QueueSize < 1 {
		add("dispatch.queueSize must be >= 1")
	}
	if cfg.Dispatch.FillerLineThreshold < 1 {
		add("dispatch.fillerLineThreshold must be >= 1")
	}

	if err := checkURL(cfg.Upstream.Endpoint); err != nil {
		add("upstream.endpoint: %v", err)
	}
	if cfg.Upstream.ConnectTimeoutSeconds < 1 || cfg.Upstream.ReadTimeoutSeconds < 1 {
		add("upstream timeouts must be >= 1 second")
	}
	if cfg.Upstream.BreakerThreshold < 1 {
		add("upstream.breakerThreshold must be >= 1")
	}
	if cfg.Upstream.BreakerCooldownSeconds < 1 {
		add("upstream.breakerCooldownSeconds must be >= 1")
	}

	if cfg.GroupLog.Enabled {
		if cfg.GroupLog.DBPath == "" {
			add("groupLog.dbPath is required when the group log is enabled")
		}
		if cfg.GroupLog.RetentionDays < 0 {
			add("groupLog.retentionDays must be >= 0")
		}
	}

	if cfg.Admin.Port < 0 || cfg.Admin.Port > 65535 {
		add("admin.port must be between 0 and 65535")
	}
	if cfg.Metrics.Enabled && !strings.HasPrefix(cfg.Metrics.Endpoint, "/") {
		add("metrics.endpoint must start with /")
	}
	if cfg.Alert.Telegram.Enabled && (cfg.Alert.Telegram.Token == "" || cfg.Alert.Telegram.ChatID == 0) {
		add("alert.telegram needs token and chatId when enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n%w", errors.Join(errs...))
	}
	return nil
}

func checkURL(raw string) error {
	if raw == "" {
		return errors.New("required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("must be an http(s) URL, got %q", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host in %q", raw)
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
