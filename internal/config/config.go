// Package config provides configuration management for the vmplacer controller.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/limiquantix/vmplacer/internal/domain"
)

// Config holds all configuration for the application.
type Config struct {
	Placement  PlacementConfig  `mapstructure:"placement"`
	SLA        SLAConfig        `mapstructure:"sla"`
	Admission  AdmissionConfig  `mapstructure:"admission"`
	Migration  MigrationConfig  `mapstructure:"migration"`
	Power      PowerConfig      `mapstructure:"power"`
	Simulation SimulationConfig `mapstructure:"simulation"`
	Server     ServerConfig     `mapstructure:"server"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Etcd       EtcdConfig       `mapstructure:"etcd"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// PlacementMode selects the VM scoring algorithm.
type PlacementMode string

const (
	// PlacementFirstFit picks the first eligible VM in catalog order.
	PlacementFirstFit PlacementMode = "first_fit"
	// PlacementBestFit picks the VM that leaves the least memory after assignment.
	PlacementBestFit PlacementMode = "best_fit"
	// PlacementEarliestFinish picks the feasible VM with the earliest estimated finish.
	PlacementEarliestFinish PlacementMode = "earliest_finish"
)

// MachineScore selects how a machine is chosen for a new VM.
type MachineScore string

const (
	// MachineScoreMemory prefers the machine with the most free memory.
	MachineScoreMemory MachineScore = "memory"
	// MachineScoreThroughput prefers rated throughput divided by (active tasks + 1).
	MachineScoreThroughput MachineScore = "throughput"
)

// FailurePolicy decides what happens to a task whose admission failed.
type FailurePolicy string

const (
	// FailureSurface only reports the failure.
	FailureSurface FailurePolicy = "surface"
	// FailureRetry reports the failure and re-attempts admission on later events.
	FailureRetry FailurePolicy = "retry"
)

// PlacementConfig holds placement policy configuration.
type PlacementConfig struct {
	Mode         PlacementMode `mapstructure:"mode"`
	MachineScore MachineScore  `mapstructure:"machine_score"`
	// MinSlackMB is the memory a best-fit candidate must still have free after assignment.
	MinSlackMB uint64 `mapstructure:"min_slack_mb"`
}

// SLAConfig holds SLA tier configuration. Slices are indexed by tier (SLA0 first).
type SLAConfig struct {
	Multipliers        []float64 `mapstructure:"multipliers"`
	AdmissionPriority  []string  `mapstructure:"admission_priority"`
	EscalationPriority []string  `mapstructure:"escalation_priority"`
	SweepEnabled       bool      `mapstructure:"sweep_enabled"`
}

// AdmissionConfig holds admission controller configuration.
type AdmissionConfig struct {
	OnFailure FailurePolicy `mapstructure:"on_failure"`
	// MaxPending bounds the retry queue; zero means unbounded.
	MaxPending int `mapstructure:"max_pending"`
}

// MigrationConfig holds migration coordinator configuration.
type MigrationConfig struct {
	OnMemoryWarning bool `mapstructure:"on_memory_warning"`
}

// PowerConfig holds power controller configuration.
type PowerConfig struct {
	SleepEnabled      bool   `mapstructure:"sleep_enabled"`
	SleepState        string `mapstructure:"sleep_state"`
	MinActiveMachines int    `mapstructure:"min_active_machines"`
}

// SimulationConfig holds configuration for the in-memory substrate and trace driver.
type SimulationConfig struct {
	TracePath          string        `mapstructure:"trace_path"`
	TickInterval       time.Duration `mapstructure:"tick_interval"`
	MigrationLatency   time.Duration `mapstructure:"migration_latency"`
	StateChangeLatency time.Duration `mapstructure:"state_change_latency"`
	VMMemoryOverheadMB uint64        `mapstructure:"vm_memory_overhead_mb"`
}

// ServerConfig holds the status HTTP server and gRPC health configuration.
type ServerConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	GRPCPort        int           `mapstructure:"grpc_port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
}

// Address returns the HTTP server address string.
func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GRPCAddress returns the gRPC health server address string.
func (c ServerConfig) GRPCAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.GRPCPort)
}

// MetricsConfig holds tally metrics configuration.
type MetricsConfig struct {
	Prefix         string        `mapstructure:"prefix"`
	ReportInterval time.Duration `mapstructure:"report_interval"`
}

// DatabaseConfig holds PostgreSQL configuration for the decision journal.
type DatabaseConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Name            string        `mapstructure:"name"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// DSN returns the PostgreSQL connection URL.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode,
	)
}

// EtcdConfig holds etcd configuration.
type EtcdConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Endpoints    []string      `mapstructure:"endpoints"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	Username     string        `mapstructure:"username"`
	Password     string        `mapstructure:"password"`
	ElectionName string        `mapstructure:"election_name"`
}

// RedisConfig holds Redis configuration.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Channel  string `mapstructure:"channel"`
}

// Address returns the Redis address string.
func (c RedisConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load loads configuration from file and environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("VMPLACER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, use defaults and env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Default returns the configuration produced by defaults alone.
func Default() *Config {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic("config defaults do not unmarshal: " + err.Error())
	}
	return &cfg
}

// Validate checks enumerated values and per-tier tables.
func (c *Config) Validate() error {
	switch c.Placement.Mode {
	case PlacementFirstFit, PlacementBestFit, PlacementEarliestFinish:
	default:
		return fmt.Errorf("%w: placement.mode %q", domain.ErrInvalidArgument, c.Placement.Mode)
	}

	switch c.Placement.MachineScore {
	case MachineScoreMemory, MachineScoreThroughput:
	default:
		return fmt.Errorf("%w: placement.machine_score %q", domain.ErrInvalidArgument, c.Placement.MachineScore)
	}

	switch c.Admission.OnFailure {
	case FailureSurface, FailureRetry:
	default:
		return fmt.Errorf("%w: admission.on_failure %q", domain.ErrInvalidArgument, c.Admission.OnFailure)
	}

	if len(c.SLA.Multipliers) != domain.NumSLATiers {
		return fmt.Errorf("%w: sla.multipliers needs %d entries, got %d",
			domain.ErrInvalidArgument, domain.NumSLATiers, len(c.SLA.Multipliers))
	}
	for i, m := range c.SLA.Multipliers {
		if m <= 0 {
			return fmt.Errorf("%w: sla.multipliers[%d] must be positive", domain.ErrInvalidArgument, i)
		}
	}
	for name, table := range map[string][]string{
		"sla.admission_priority":  c.SLA.AdmissionPriority,
		"sla.escalation_priority": c.SLA.EscalationPriority,
	} {
		if len(table) != domain.NumSLATiers {
			return fmt.Errorf("%w: %s needs %d entries, got %d",
				domain.ErrInvalidArgument, name, domain.NumSLATiers, len(table))
		}
		for _, p := range table {
			if _, err := domain.ParsePriority(p); err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
		}
	}

	if c.Power.SleepEnabled {
		state, err := domain.ParsePowerState(c.Power.SleepState)
		if err != nil {
			return fmt.Errorf("power.sleep_state: %w", err)
		}
		if state.Active() {
			return fmt.Errorf("%w: power.sleep_state must be a reduced-power state", domain.ErrInvalidArgument)
		}
	}

	return nil
}

func setDefaults(v *viper.Viper) {
	// Placement
	v.SetDefault("placement.mode", string(PlacementEarliestFinish))
	v.SetDefault("placement.machine_score", string(MachineScoreMemory))
	v.SetDefault("placement.min_slack_mb", 0)

	// SLA
	v.SetDefault("sla.multipliers", []float64{1.2, 1.5, 2.0, 3.0})
	v.SetDefault("sla.admission_priority", []string{"high", "mid", "mid", "low"})
	v.SetDefault("sla.escalation_priority", []string{"high", "high", "mid", "high"})
	v.SetDefault("sla.sweep_enabled", true)

	// Admission
	v.SetDefault("admission.on_failure", string(FailureRetry))
	v.SetDefault("admission.max_pending", 0)

	// Migration
	v.SetDefault("migration.on_memory_warning", true)

	// Power
	v.SetDefault("power.sleep_enabled", false)
	v.SetDefault("power.sleep_state", "S3")
	v.SetDefault("power.min_active_machines", 1)

	// Simulation
	v.SetDefault("simulation.trace_path", "")
	v.SetDefault("simulation.tick_interval", "10ms")
	v.SetDefault("simulation.migration_latency", "50ms")
	v.SetDefault("simulation.state_change_latency", "20ms")
	v.SetDefault("simulation.vm_memory_overhead_mb", 8)

	// Server
	v.SetDefault("server.enabled", false)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.grpc_port", 8091)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.allowed_origins", []string{"http://localhost:5173"})

	// Metrics
	v.SetDefault("metrics.prefix", "vmplacer")
	v.SetDefault("metrics.report_interval", "1s")

	// Database
	v.SetDefault("database.enabled", false)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "vmplacer")
	v.SetDefault("database.user", "vmplacer")
	v.SetDefault("database.password", "vmplacer")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "5m")

	// etcd
	v.SetDefault("etcd.enabled", false)
	v.SetDefault("etcd.endpoints", []string{"localhost:2379"})
	v.SetDefault("etcd.dial_timeout", "5s")
	v.SetDefault("etcd.election_name", "vmplacer")

	// Redis
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.channel", "vmplacer:events")

	// Logging
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}
