package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

const (
	DefaultMaxIterations   = 40
	DefaultRebuildPeriod   = 10
	DefaultSlopeThreshold  = 0.1
	DefaultStepSizeFloor   = 0.05
	DefaultEnergyThreshold = 0.0001

	// Tight one-off thresholds used to sanity-check adaptive-mode readiness,
	// independent of the run's configured thresholds.
	TightEnergyThreshold = 0.00005
	TightChargeThreshold = 0.0005
)

// Extrapolation selects how the eigenbasis cache is carried between
// iterations. Passed through to the eigenproblem stage unchanged.
type Extrapolation string

const (
	ExtrapolationPratt Extrapolation = "pratt"
	ExtrapolationCarry Extrapolation = "carry"
)

// Config holds the resolved run configuration for one case directory.
type Config struct {
	CaseName string
	CaseDir  string
	WorkDir  string // <case>/.scfrun for ledger and controller logs

	MaxIterations   int
	RestartInterval int // 0 disables the stagnation restart

	// Convergence thresholds; zero means the criterion is not requested.
	EnergyThreshold float64
	ChargeThreshold float64
	ForceThreshold  float64
	Sites           int

	// Iterative diagonalization.
	IterativeDiag bool
	RebuildPeriod int
	Extrapolation Extrapolation

	Parallel      bool
	GradPotential bool // secondary potential-gradient pass before the primary one
	SpinOrbit     bool
	HartreeFock   bool
	Superpose     bool
	ResponseMix   bool
	RegenIn1      bool

	// Adaptive-minimization readiness threshold for the slope marker.
	SlopeThreshold float64

	// External programs.
	Stages    StagePrograms
	CheckTool string

	// Optional pipeline entry override; empty selects automatically.
	StartStage string

	LogLevel string
	LogFile  string
	DBPath   string
}

// StagePrograms maps each logical pipeline stage to the external program
// invoked for it.
type StagePrograms struct {
	Potential string
	Eigen     string
	SpinOrbit string
	Density   string
	Core      string
	Superpose string
	Mixer     string
}

type fileConfig struct {
	Case            string `toml:"case"`
	MaxIterations   int    `toml:"max_iterations"`
	RestartInterval int    `toml:"restart_interval"`

	Convergence struct {
		Energy float64 `toml:"energy"`
		Charge float64 `toml:"charge"`
		Force  float64 `toml:"force"`
		Sites  int     `toml:"sites"`
	} `toml:"convergence"`

	Diag struct {
		Iterative     bool   `toml:"iterative"`
		RebuildPeriod int    `toml:"rebuild_period"`
		Extrapolation string `toml:"extrapolation"`
	} `toml:"diag"`

	Flags struct {
		Parallel      bool `toml:"parallel"`
		GradPotential bool `toml:"grad_potential"`
		SpinOrbit     bool `toml:"spin_orbit"`
		HartreeFock   bool `toml:"hartree_fock"`
		Superpose     bool `toml:"superpose"`
		ResponseMix   bool `toml:"response_mix"`
		RegenIn1      bool `toml:"regen_in1"`
	} `toml:"flags"`

	Mixing struct {
		SlopeThreshold float64 `toml:"slope_threshold"`
	} `toml:"mixing"`

	Stages struct {
		Potential string `toml:"potential"`
		Eigen     string `toml:"eigen"`
		SpinOrbit string `toml:"spin_orbit"`
		Density   string `toml:"density"`
		Core      string `toml:"core"`
		Superpose string `toml:"superpose"`
		Mixer     string `toml:"mixer"`
		Check     string `toml:"check"`
		Start     string `toml:"start"`
	} `toml:"stages"`

	Logging struct {
		Level string `toml:"level"`
		File  string `toml:"file"`
	} `toml:"logging"`
}

// Load resolves the configuration for caseDir, layering file settings and
// environment overrides over defaults. The case name defaults to the
// directory base name.
func Load(caseDir string) (*Config, error) {
	absDir, err := filepath.Abs(caseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve case directory: %w", err)
	}
	if fi, err := os.Stat(absDir); err != nil || !fi.IsDir() {
		return nil, fmt.Errorf("case directory %s does not exist", absDir)
	}

	workDir := filepath.Join(absDir, ".scfrun")
	if err := os.MkdirAll(filepath.Join(workDir, "logs"), 0755); err != nil {
		return nil, fmt.Errorf("failed to create work directory: %w", err)
	}

	cfg := &Config{
		CaseName:        filepath.Base(absDir),
		CaseDir:         absDir,
		WorkDir:         workDir,
		MaxIterations:   DefaultMaxIterations,
		EnergyThreshold: DefaultEnergyThreshold,
		Sites:           1,
		RebuildPeriod:   DefaultRebuildPeriod,
		Extrapolation:   ExtrapolationPratt,
		SlopeThreshold:  DefaultSlopeThreshold,
		Stages: StagePrograms{
			Potential: "scf_potential",
			Eigen:     "scf_eigen",
			SpinOrbit: "scf_so",
			Density:   "scf_density",
			Core:      "scf_core",
			Superpose: "scf_superpose",
			Mixer:     "scf_mix",
		},
		CheckTool: "scf_check",
		LogLevel:  "info",
		DBPath:    filepath.Join(workDir, "ledger.db"),
	}

	configPath := filepath.Join(absDir, "scfrun.toml")
	if _, err := os.Stat(configPath); err == nil {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, err
		}
		var parsed fileConfig
		if err := toml.Unmarshal(data, &parsed); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", configPath, err)
		}
		applyFile(cfg, &parsed)
	}

	applyEnv(cfg)

	if cfg.LogFile == "" {
		cfg.LogFile = filepath.Join(workDir, "logs", "scfrun.log")
	} else if !filepath.IsAbs(cfg.LogFile) {
		cfg.LogFile = filepath.Join(workDir, cfg.LogFile)
	}

	if cfg.Extrapolation != ExtrapolationPratt && cfg.Extrapolation != ExtrapolationCarry {
		return nil, fmt.Errorf("unknown extrapolation %q", cfg.Extrapolation)
	}
	if cfg.MaxIterations < 1 {
		return nil, fmt.Errorf("max_iterations must be positive, got %d", cfg.MaxIterations)
	}
	if cfg.RebuildPeriod < 1 {
		return nil, fmt.Errorf("rebuild_period must be positive, got %d", cfg.RebuildPeriod)
	}
	if cfg.ForceRequested() && cfg.Sites < 1 {
		return nil, fmt.Errorf("force convergence requested but sites is %d", cfg.Sites)
	}
	return cfg, nil
}

func applyFile(cfg *Config, parsed *fileConfig) {
	if parsed.Case != "" {
		cfg.CaseName = parsed.Case
	}
	if parsed.MaxIterations != 0 {
		cfg.MaxIterations = parsed.MaxIterations
	}
	if parsed.RestartInterval != 0 {
		cfg.RestartInterval = parsed.RestartInterval
	}

	cfg.EnergyThreshold = parsed.Convergence.Energy
	cfg.ChargeThreshold = parsed.Convergence.Charge
	cfg.ForceThreshold = parsed.Convergence.Force
	if parsed.Convergence.Sites != 0 {
		cfg.Sites = parsed.Convergence.Sites
	}

	cfg.IterativeDiag = parsed.Diag.Iterative
	if parsed.Diag.RebuildPeriod != 0 {
		cfg.RebuildPeriod = parsed.Diag.RebuildPeriod
	}
	if parsed.Diag.Extrapolation != "" {
		cfg.Extrapolation = Extrapolation(strings.ToLower(parsed.Diag.Extrapolation))
	}

	cfg.Parallel = parsed.Flags.Parallel
	cfg.GradPotential = parsed.Flags.GradPotential
	cfg.SpinOrbit = parsed.Flags.SpinOrbit
	cfg.HartreeFock = parsed.Flags.HartreeFock
	cfg.Superpose = parsed.Flags.Superpose
	cfg.ResponseMix = parsed.Flags.ResponseMix
	cfg.RegenIn1 = parsed.Flags.RegenIn1

	if parsed.Mixing.SlopeThreshold != 0 {
		cfg.SlopeThreshold = parsed.Mixing.SlopeThreshold
	}

	if parsed.Stages.Potential != "" {
		cfg.Stages.Potential = parsed.Stages.Potential
	}
	if parsed.Stages.Eigen != "" {
		cfg.Stages.Eigen = parsed.Stages.Eigen
	}
	if parsed.Stages.SpinOrbit != "" {
		cfg.Stages.SpinOrbit = parsed.Stages.SpinOrbit
	}
	if parsed.Stages.Density != "" {
		cfg.Stages.Density = parsed.Stages.Density
	}
	if parsed.Stages.Core != "" {
		cfg.Stages.Core = parsed.Stages.Core
	}
	if parsed.Stages.Superpose != "" {
		cfg.Stages.Superpose = parsed.Stages.Superpose
	}
	if parsed.Stages.Mixer != "" {
		cfg.Stages.Mixer = parsed.Stages.Mixer
	}
	if parsed.Stages.Check != "" {
		cfg.CheckTool = parsed.Stages.Check
	}
	if parsed.Stages.Start != "" {
		cfg.StartStage = parsed.Stages.Start
	}

	if parsed.Logging.Level != "" {
		cfg.LogLevel = parsed.Logging.Level
	}
	if parsed.Logging.File != "" {
		cfg.LogFile = parsed.Logging.File
	}
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("SCFRUN_MAX_ITERATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxIterations = n
		}
	}
	if v := os.Getenv("SCFRUN_RESTART_INTERVAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.RestartInterval = n
		}
	}
	if v := os.Getenv("SCFRUN_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("SCFRUN_CHECK_TOOL"); v != "" {
		cfg.CheckTool = v
	}
}

// EnergyRequested reports whether the energy criterion gates termination.
func (c *Config) EnergyRequested() bool { return c.EnergyThreshold > 0 }

// ChargeRequested reports whether the charge criterion gates termination.
func (c *Config) ChargeRequested() bool { return c.ChargeThreshold > 0 }

// ForceRequested reports whether the force criterion gates termination.
func (c *Config) ForceRequested() bool { return c.ForceThreshold > 0 }

// Artifact returns the path of a case artifact with the given extension,
// e.g. Artifact("in1") -> <dir>/<case>.in1.
func (c *Config) Artifact(ext string) string {
	return filepath.Join(c.CaseDir, c.CaseName+"."+ext)
}
