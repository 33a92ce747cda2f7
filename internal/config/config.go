// Package config provides configuration loading for phasegate.
//
// Configuration comes from an optional YAML file overridden by PHASEGATE_*
// environment variables. Zero values are filled by applyDefaults, so an empty
// file (or no file) yields a runnable configuration with no workers.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Worker kinds.
const (
	WorkerKindExec = "exec"
	WorkerKindNATS = "nats"
)

// Budget dimension keys used in the budget section.
const (
	DimensionDirectOperations = "direct_operations"
	DimensionLargeReads       = "large_reads"
	DimensionDelegations      = "delegations"
)

// Config holds the complete phasegate configuration.
type Config struct {
	Orchestrator OrchestratorConfig `koanf:"orchestrator"`
	Budget       BudgetConfig       `koanf:"budget"`
	Classifier   ClassifierConfig   `koanf:"classifier"`
	Routing      RoutingConfig      `koanf:"routing"`
	Workers      []WorkerConfig     `koanf:"workers"`
	Checkpoint   CheckpointConfig   `koanf:"checkpoint"`
	Reflection   ReflectionConfig   `koanf:"reflection"`
	NATS         NATSConfig         `koanf:"nats"`
	Server       ServerConfig       `koanf:"server"`
	Logging      LoggingConfig      `koanf:"logging"`
	Telemetry    TelemetryConfig    `koanf:"telemetry"`
}

// OrchestratorConfig controls the coordinator loop and dispatcher.
type OrchestratorConfig struct {
	MaxConcurrentDelegations int      `koanf:"max_concurrent_delegations"`
	DrainTimeout             Duration `koanf:"drain_timeout"`
	// YellowCheckpointRemaining is the fraction of a phase's items that must
	// still be outstanding for a Yellow transition to write a proactive checkpoint.
	YellowCheckpointRemaining float64 `koanf:"yellow_checkpoint_remaining"`
	// DispatchRate limits dispatch starts per second. Zero disables limiting.
	DispatchRate  float64 `koanf:"dispatch_rate"`
	DispatchBurst int     `koanf:"dispatch_burst"`
}

// ThresholdConfig is the zone boundary pair for one budget dimension.
type ThresholdConfig struct {
	GreenMax  int64 `koanf:"green_max"`
	YellowMax int64 `koanf:"yellow_max"`
}

// BudgetConfig holds per-dimension zone thresholds.
type BudgetConfig struct {
	DirectOperations ThresholdConfig `koanf:"direct_operations"`
	LargeReads       ThresholdConfig `koanf:"large_reads"`
	Delegations      ThresholdConfig `koanf:"delegations"`
}

// Thresholds returns the thresholds keyed by dimension name.
func (b BudgetConfig) Thresholds() map[string]ThresholdConfig {
	return map[string]ThresholdConfig{
		DimensionDirectOperations: b.DirectOperations,
		DimensionLargeReads:       b.LargeReads,
		DimensionDelegations:      b.Delegations,
	}
}

// ClassifierConfig holds size-class boundaries and phase sizing limits.
type ClassifierConfig struct {
	SmallMaxOps          int `koanf:"small_max_ops"`
	SmallMaxDelegations  int `koanf:"small_max_delegations"`
	MediumMaxOps         int `koanf:"medium_max_ops"`
	MediumMaxDelegations int `koanf:"medium_max_delegations"`
	MaxItems             int `koanf:"max_items"`
	MaxLargeItems        int `koanf:"max_large_items"`
}

// RoutingConfig overrides the task-type routing policy.
// An empty table means the built-in delegation matrix.
type RoutingConfig struct {
	Table           map[string]string `koanf:"table"`
	ForbiddenDirect []string          `koanf:"forbidden_direct"`
}

// WorkerConfig declares one worker endpoint.
type WorkerConfig struct {
	ID           string   `koanf:"id"`
	Kind         string   `koanf:"kind"`
	Capabilities []string `koanf:"capabilities"`
	Concurrency  int      `koanf:"concurrency"`
	Command      []string `koanf:"command"`
	Subject      string   `koanf:"subject"`
	Timeout      Duration `koanf:"timeout"`
}

// CheckpointConfig locates the checkpoint store.
type CheckpointConfig struct {
	Dir string `koanf:"dir"`
}

// ReflectionConfig tunes recommendation deduplication.
type ReflectionConfig struct {
	SimilarityThreshold float64 `koanf:"similarity_threshold"`
}

// NATSConfig configures the optional NATS connection used for remote
// workers and lifecycle events.
type NATSConfig struct {
	URL           string `koanf:"url"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

// ServerConfig configures the status HTTP server.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// LoggingConfig is the subset of logging settings exposed in the file.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	OTEL   bool   `koanf:"otel"`
}

// TelemetryConfig is the subset of OpenTelemetry settings exposed in the file.
type TelemetryConfig struct {
	Enabled     bool    `koanf:"enabled"`
	Endpoint    string  `koanf:"endpoint"`
	Protocol    string  `koanf:"protocol"`
	Insecure    bool    `koanf:"insecure"`
	ServiceName string  `koanf:"service_name"`
	SampleRate  float64 `koanf:"sample_rate"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	// Orchestrator defaults
	if cfg.Orchestrator.MaxConcurrentDelegations == 0 {
		cfg.Orchestrator.MaxConcurrentDelegations = 10
	}
	if cfg.Orchestrator.DrainTimeout == 0 {
		cfg.Orchestrator.DrainTimeout = Duration(30 * time.Second)
	}
	if cfg.Orchestrator.YellowCheckpointRemaining == 0 {
		cfg.Orchestrator.YellowCheckpointRemaining = 0.3
	}
	if cfg.Orchestrator.DispatchRate > 0 && cfg.Orchestrator.DispatchBurst == 0 {
		cfg.Orchestrator.DispatchBurst = 1
	}

	// Budget defaults follow the handoff budget table.
	defaultThreshold(&cfg.Budget.DirectOperations, 10, 15)
	defaultThreshold(&cfg.Budget.LargeReads, 2, 4)
	defaultThreshold(&cfg.Budget.Delegations, 5, 8)

	// Classifier defaults
	if cfg.Classifier.SmallMaxOps == 0 {
		cfg.Classifier.SmallMaxOps = 2
	}
	if cfg.Classifier.SmallMaxDelegations == 0 {
		cfg.Classifier.SmallMaxDelegations = 1
	}
	if cfg.Classifier.MediumMaxOps == 0 {
		cfg.Classifier.MediumMaxOps = 5
	}
	if cfg.Classifier.MediumMaxDelegations == 0 {
		cfg.Classifier.MediumMaxDelegations = 3
	}
	if cfg.Classifier.MaxItems == 0 {
		cfg.Classifier.MaxItems = 7
	}
	if cfg.Classifier.MaxLargeItems == 0 {
		cfg.Classifier.MaxLargeItems = 3
	}

	for i := range cfg.Workers {
		if cfg.Workers[i].Kind == "" {
			cfg.Workers[i].Kind = WorkerKindExec
		}
		if cfg.Workers[i].Concurrency == 0 {
			cfg.Workers[i].Concurrency = 1
		}
	}

	if cfg.Checkpoint.Dir == "" {
		cfg.Checkpoint.Dir = ".phasegate/checkpoints"
	}

	if cfg.Reflection.SimilarityThreshold == 0 {
		cfg.Reflection.SimilarityThreshold = 0.85
	}

	if cfg.NATS.SubjectPrefix == "" {
		cfg.NATS.SubjectPrefix = "phasegate"
	}

	// Server defaults
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9191
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(5 * time.Second)
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "console"
	}

	if cfg.Telemetry.Endpoint == "" {
		cfg.Telemetry.Endpoint = "localhost:4317"
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "phasegate"
	}
	if cfg.Telemetry.SampleRate == 0 {
		cfg.Telemetry.SampleRate = 1.0
	}
}

func defaultThreshold(t *ThresholdConfig, greenMax, yellowMax int64) {
	if t.GreenMax == 0 && t.YellowMax == 0 {
		t.GreenMax = greenMax
		t.YellowMax = yellowMax
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Orchestrator.MaxConcurrentDelegations < 1 {
		errs = append(errs, fmt.Errorf("orchestrator.max_concurrent_delegations must be >= 1, got %d", c.Orchestrator.MaxConcurrentDelegations))
	}
	if c.Orchestrator.DrainTimeout.Duration() <= 0 {
		errs = append(errs, errors.New("orchestrator.drain_timeout must be positive"))
	}
	if r := c.Orchestrator.YellowCheckpointRemaining; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("orchestrator.yellow_checkpoint_remaining must be between 0 and 1, got %v", r))
	}
	if c.Orchestrator.DispatchRate < 0 {
		errs = append(errs, fmt.Errorf("orchestrator.dispatch_rate cannot be negative, got %v", c.Orchestrator.DispatchRate))
	}

	for name, t := range c.Budget.Thresholds() {
		if t.GreenMax < 0 || t.YellowMax < t.GreenMax {
			errs = append(errs, fmt.Errorf("budget.%s: need 0 <= green_max <= yellow_max, got %d/%d", name, t.GreenMax, t.YellowMax))
		}
	}

	cl := c.Classifier
	if cl.SmallMaxOps >= cl.MediumMaxOps || cl.SmallMaxDelegations >= cl.MediumMaxDelegations {
		errs = append(errs, errors.New("classifier: small maxima must be below medium maxima"))
	}
	if cl.MaxItems < 1 || cl.MaxLargeItems < 0 {
		errs = append(errs, fmt.Errorf("classifier: invalid phase limits max_items=%d max_large_items=%d", cl.MaxItems, cl.MaxLargeItems))
	}

	seen := make(map[string]bool, len(c.Workers))
	for i, w := range c.Workers {
		if w.ID == "" {
			errs = append(errs, fmt.Errorf("workers[%d]: id is required", i))
			continue
		}
		if seen[w.ID] {
			errs = append(errs, fmt.Errorf("workers[%d]: duplicate id %q", i, w.ID))
		}
		seen[w.ID] = true
		if len(w.Capabilities) == 0 {
			errs = append(errs, fmt.Errorf("worker %q: at least one capability is required", w.ID))
		}
		if w.Concurrency < 1 {
			errs = append(errs, fmt.Errorf("worker %q: concurrency must be >= 1", w.ID))
		}
		switch w.Kind {
		case WorkerKindExec:
			if len(w.Command) == 0 {
				errs = append(errs, fmt.Errorf("worker %q: exec workers need a command", w.ID))
			}
		case WorkerKindNATS:
			if w.Subject == "" {
				errs = append(errs, fmt.Errorf("worker %q: nats workers need a subject", w.ID))
			}
			if c.NATS.URL == "" {
				errs = append(errs, fmt.Errorf("worker %q: nats.url is required for nats workers", w.ID))
			}
		default:
			errs = append(errs, fmt.Errorf("worker %q: unknown kind %q (want exec or nats)", w.ID, w.Kind))
		}
	}

	if strings.TrimSpace(c.Checkpoint.Dir) == "" {
		errs = append(errs, errors.New("checkpoint.dir is required"))
	}
	if s := c.Reflection.SimilarityThreshold; s <= 0 || s > 1 {
		errs = append(errs, fmt.Errorf("reflection.similarity_threshold must be in (0, 1], got %v", s))
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port))
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		errs = append(errs, fmt.Errorf("logging.format must be 'json' or 'console', got %q", c.Logging.Format))
	}
	if p := c.Telemetry.Protocol; p != "" && p != "grpc" && p != "http/protobuf" {
		errs = append(errs, fmt.Errorf("telemetry.protocol must be 'grpc' or 'http/protobuf', got %q", p))
	}

	return errors.Join(errs...)
}
