package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Config holds the full pipeline configuration.
type Config struct {
	// Directory layout
	WorkspaceRoot string `yaml:"workspace_root"`
	ProofDataDir  string `yaml:"proof_data_dir"`
	TelemetryDir  string `yaml:"telemetry_dir"`
	LedgerPath    string `yaml:"ledger_path"`

	Build     Build     `yaml:"build"`
	Telemetry Telemetry `yaml:"telemetry"`
	Agglayer  Agglayer  `yaml:"agglayer"`
}

// Build configures the backend toolchain invocations.
type Build struct {
	CargoBin     string        `yaml:"cargo_bin"`
	BuildTimeout time.Duration `yaml:"build_timeout"`
	ProveTimeout time.Duration `yaml:"prove_timeout"`
}

// Telemetry configures the resource sampler.
type Telemetry struct {
	Enabled        bool          `yaml:"enabled"`
	SampleInterval time.Duration `yaml:"sample_interval"`
}

// Agglayer configures proof submission and inclusion polling.
type Agglayer struct {
	URL    string `yaml:"url"`
	APIKey string `yaml:"api_key"`

	// Poll backoff schedule
	PollBase       time.Duration `yaml:"poll_base"`
	PollCap        time.Duration `yaml:"poll_cap"`
	PollMultiplier float64       `yaml:"poll_multiplier"`
	PollJitter     float64       `yaml:"poll_jitter"`
	PollDeadline   time.Duration `yaml:"poll_deadline"`
	MaxFailures    int           `yaml:"max_failures"`

	// On-chain root checking
	EthereumRPC  string `yaml:"ethereum_rpc"`
	RootContract string `yaml:"root_contract"`
	RootSlot     uint64 `yaml:"root_slot"`

	// Path to the aggregated attestation verifying key, optional
	AttestationKeyFile string `yaml:"attestation_key_file"`
}

// DefaultConfig returns the configuration used when no config file is given.
func DefaultConfig() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	root := filepath.Join(home, ".zkpipe")

	return &Config{
		WorkspaceRoot: filepath.Join(root, "workspaces"),
		ProofDataDir:  filepath.Join(root, "proof_data"),
		TelemetryDir:  filepath.Join(root, "telemetry"),
		LedgerPath:    filepath.Join(root, "runs.db"),
		Build: Build{
			CargoBin:     "cargo",
			BuildTimeout: 30 * time.Minute,
			ProveTimeout: 2 * time.Hour,
		},
		Telemetry: Telemetry{
			Enabled:        false,
			SampleInterval: time.Second,
		},
		Agglayer: Agglayer{
			PollBase:       2 * time.Second,
			PollCap:        time.Minute,
			PollMultiplier: 2.0,
			PollJitter:     0.2,
			PollDeadline:   30 * time.Minute,
			MaxFailures:    10,
		},
	}
}

// Load reads a config file, expands ${VAR} references from the environment,
// fills unset fields from the defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %v", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(interpolateEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %v", err)
	}

	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %v", err)
	}

	return cfg, nil
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		name := envVarPattern.FindStringSubmatch(match)[1]
		if value, ok := os.LookupEnv(name); ok {
			return value
		}
		return match
	})
}

func applyDefaults(cfg *Config) {
	def := DefaultConfig()

	if cfg.WorkspaceRoot == "" {
		cfg.WorkspaceRoot = def.WorkspaceRoot
	}
	if cfg.ProofDataDir == "" {
		cfg.ProofDataDir = def.ProofDataDir
	}
	if cfg.TelemetryDir == "" {
		cfg.TelemetryDir = def.TelemetryDir
	}
	if cfg.LedgerPath == "" {
		cfg.LedgerPath = def.LedgerPath
	}
	if cfg.Build.CargoBin == "" {
		cfg.Build.CargoBin = def.Build.CargoBin
	}
	if cfg.Build.BuildTimeout == 0 {
		cfg.Build.BuildTimeout = def.Build.BuildTimeout
	}
	if cfg.Build.ProveTimeout == 0 {
		cfg.Build.ProveTimeout = def.Build.ProveTimeout
	}
	if cfg.Telemetry.SampleInterval == 0 {
		cfg.Telemetry.SampleInterval = def.Telemetry.SampleInterval
	}
	if cfg.Agglayer.PollBase == 0 {
		cfg.Agglayer.PollBase = def.Agglayer.PollBase
	}
	if cfg.Agglayer.PollCap == 0 {
		cfg.Agglayer.PollCap = def.Agglayer.PollCap
	}
	if cfg.Agglayer.PollMultiplier == 0 {
		cfg.Agglayer.PollMultiplier = def.Agglayer.PollMultiplier
	}
	if cfg.Agglayer.PollJitter == 0 {
		cfg.Agglayer.PollJitter = def.Agglayer.PollJitter
	}
	if cfg.Agglayer.PollDeadline == 0 {
		cfg.Agglayer.PollDeadline = def.Agglayer.PollDeadline
	}
	if cfg.Agglayer.MaxFailures == 0 {
		cfg.Agglayer.MaxFailures = def.Agglayer.MaxFailures
	}
}

// Validate checks the configuration for values the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.WorkspaceRoot == "" {
		return fmt.Errorf("workspace_root is required")
	}
	if c.ProofDataDir == "" {
		return fmt.Errorf("proof_data_dir is required")
	}
	if c.Build.BuildTimeout <= 0 {
		return fmt.Errorf("build.build_timeout must be positive")
	}
	if c.Build.ProveTimeout <= 0 {
		return fmt.Errorf("build.prove_timeout must be positive")
	}
	if c.Telemetry.SampleInterval <= 0 {
		return fmt.Errorf("telemetry.sample_interval must be positive")
	}
	if c.Agglayer.PollBase <= 0 {
		return fmt.Errorf("agglayer.poll_base must be positive")
	}
	if c.Agglayer.PollCap < c.Agglayer.PollBase {
		return fmt.Errorf("agglayer.poll_cap must be >= agglayer.poll_base")
	}
	if c.Agglayer.PollMultiplier < 1 {
		return fmt.Errorf("agglayer.poll_multiplier must be >= 1")
	}
	if c.Agglayer.PollJitter < 0 || c.Agglayer.PollJitter >= 1 {
		return fmt.Errorf("agglayer.poll_jitter must be in [0, 1)")
	}
	if c.Agglayer.MaxFailures <= 0 {
		return fmt.Errorf("agglayer.max_failures must be positive")
	}
	if envVarPattern.MatchString(c.Agglayer.APIKey) {
		name := envVarPattern.FindStringSubmatch(c.Agglayer.APIKey)[1]
		return fmt.Errorf("agglayer.api_key: environment variable ${%s} is not set", name)
	}
	return nil
}
