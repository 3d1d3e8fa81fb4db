// Package config provides configuration for the gateway.
//
// Values come from built-in defaults, an optional YAML file and CAPTAIN_*
// environment variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/xiaot623/captain/internal/domain"
)

const (
	envPrefix      = "CAPTAIN"
	configFileEnv  = "CAPTAIN_CONFIG"
	configFileName = "captain"
)

// Config holds the gateway configuration.
type Config struct {
	HTTP         HTTPConfig         `mapstructure:"http"`
	RPC          RPCConfig          `mapstructure:"rpc"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Log          LogConfig          `mapstructure:"log"`
	Liveness     LivenessConfig     `mapstructure:"liveness"`
	Dispatch     DispatchConfig     `mapstructure:"dispatch"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Registry     RegistryConfig     `mapstructure:"registry"`
	Policy       PolicyConfig       `mapstructure:"policy"`
	Agents       []AgentConfig      `mapstructure:"agents"`
}

// HTTPConfig holds the external HTTP server settings.
type HTTPConfig struct {
	Port int `mapstructure:"port"`
	// RateLimit is the allowed requests per second on /v1/requests; 0 disables it.
	RateLimit float64 `mapstructure:"rate_limit"`
}

// RPCConfig holds the internal JSON-RPC server settings.
type RPCConfig struct {
	Port int `mapstructure:"port"`
}

// DatabaseConfig holds the trace store settings.
type DatabaseConfig struct {
	URL           string `mapstructure:"url"`
	RestoreAgents bool   `mapstructure:"restore_agents"`
	// TraceRetention bounds how long request traces are kept; 0 keeps them forever.
	TraceRetention time.Duration `mapstructure:"trace_retention"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// LivenessConfig holds probe loop settings.
type LivenessConfig struct {
	ProbeInterval    time.Duration `mapstructure:"probe_interval"`
	ProbeTimeout     time.Duration `mapstructure:"probe_timeout"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
}

// DispatchConfig holds dispatcher settings.
type DispatchConfig struct {
	MinAttemptTimeout   time.Duration `mapstructure:"min_attempt_timeout"`
	BlockedCapabilities []string      `mapstructure:"blocked_capabilities"`
}

// OrchestratorConfig holds facade settings.
type OrchestratorConfig struct {
	RequestTimeout       time.Duration `mapstructure:"request_timeout"`
	MaxRequestTimeout    time.Duration `mapstructure:"max_request_timeout"`
	CriticalCapabilities []string      `mapstructure:"critical_capabilities"`
}

// RegistryConfig holds registration policy.
type RegistryConfig struct {
	AllowOverwrite     bool   `mapstructure:"allow_overwrite"`
	ProtocolConstraint string `mapstructure:"protocol_constraint"`
}

// PolicyConfig locates the rego dispatch policy.
type PolicyConfig struct {
	File string `mapstructure:"file"`
}

// AgentConfig is a statically configured agent.
type AgentConfig struct {
	ID              string   `mapstructure:"id"`
	Name            string   `mapstructure:"name"`
	Address         string   `mapstructure:"address"`
	ProtocolVersion string   `mapstructure:"protocol_version"`
	Priority        int      `mapstructure:"priority"`
	Capabilities    []string `mapstructure:"capabilities"`
}

// ToAgent converts the static entry into a registry agent.
func (a AgentConfig) ToAgent() domain.Agent {
	caps := make([]domain.Capability, 0, len(a.Capabilities))
	for _, c := range a.Capabilities {
		caps = append(caps, domain.ParseCapability(c))
	}
	name := a.Name
	if name == "" {
		name = a.ID
	}
	return domain.Agent{
		ID:              a.ID,
		Name:            name,
		Address:         a.Address,
		Capabilities:    caps,
		ProtocolVersion: a.ProtocolVersion,
		Priority:        a.Priority,
		Source:          domain.AgentSourceStatic,
	}
}

// StaticAgents returns the configured agents as registry agents.
func (c *Config) StaticAgents() []domain.Agent {
	agents := make([]domain.Agent, 0, len(c.Agents))
	for _, a := range c.Agents {
		agents = append(agents, a.ToAgent())
	}
	return agents
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var errs []error
	if c.Liveness.ProbeInterval <= 0 {
		errs = append(errs, errors.New("liveness.probe_interval must be positive"))
	}
	if c.Liveness.ProbeTimeout <= 0 || c.Liveness.ProbeTimeout >= c.Liveness.ProbeInterval {
		errs = append(errs, errors.New("liveness.probe_timeout must be positive and below probe_interval"))
	}
	if c.Liveness.FailureThreshold < 1 {
		errs = append(errs, errors.New("liveness.failure_threshold must be at least 1"))
	}
	if c.Orchestrator.RequestTimeout <= 0 {
		errs = append(errs, errors.New("orchestrator.request_timeout must be positive"))
	}
	if c.Orchestrator.MaxRequestTimeout < c.Orchestrator.RequestTimeout {
		errs = append(errs, errors.New("orchestrator.max_request_timeout must not be below request_timeout"))
	}
	if c.Dispatch.MinAttemptTimeout < 0 {
		errs = append(errs, errors.New("dispatch.min_attempt_timeout must not be negative"))
	}
	return errors.Join(errs...)
}

// Loader reads configuration and watches the backing file.
type Loader struct {
	v *viper.Viper
}

// NewLoader creates a loader for the given file path. An empty path falls back
// to $CAPTAIN_CONFIG, then to captain.yaml in the working directory or /etc/captain.
func NewLoader(path string) *Loader {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = os.Getenv(configFileEnv)
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(configFileName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/captain")
	}
	return &Loader{v: v}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.rate_limit", 50)
	v.SetDefault("rpc.port", 8081)
	v.SetDefault("database.url", ":memory:")
	v.SetDefault("database.restore_agents", false)
	v.SetDefault("database.trace_retention", 24*time.Hour)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("liveness.probe_interval", 10*time.Second)
	v.SetDefault("liveness.probe_timeout", 2*time.Second)
	v.SetDefault("liveness.failure_threshold", 3)
	v.SetDefault("dispatch.min_attempt_timeout", 50*time.Millisecond)
	v.SetDefault("dispatch.blocked_capabilities", []string{})
	v.SetDefault("orchestrator.request_timeout", 10*time.Second)
	v.SetDefault("orchestrator.max_request_timeout", 60*time.Second)
	v.SetDefault("orchestrator.critical_capabilities", []string{})
	v.SetDefault("registry.allow_overwrite", false)
	v.SetDefault("registry.protocol_constraint", ">= 1.0.0, < 2.0.0")
	v.SetDefault("policy.file", "")
}

// Load reads the file (if any) and decodes the configuration.
func (l *Loader) Load() (*Config, error) {
	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}
	return l.decode()
}

func (l *Loader) decode() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// File returns the config file in use, or "" when running on defaults.
func (l *Loader) File() string {
	return l.v.ConfigFileUsed()
}

// Watch calls onChange with the re-decoded configuration whenever the file
// changes. Decode failures are passed to onError and the change is ignored.
func (l *Loader) Watch(onChange func(*Config), onError func(error)) {
	if l.File() == "" {
		return
	}
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := l.decode()
		if err != nil {
			onError(err)
			return
		}
		onChange(cfg)
	})
	l.v.WatchConfig()
}

// Load loads configuration using the default lookup rules.
func Load() (*Config, error) {
	return NewLoader("").Load()
}
