// Package engineconfig loads the grading thresholds and daemon settings
// from YAML with environment overrides. The caller owns configuration;
// the engine only consumes the resolved values.
package engineconfig

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"quietfind/go-engine/internal/fuse"
)

// Config is the resolved configuration consumed by the composition root.
type Config struct {
	StalenessThresholdSeconds    int
	MovementThresholdMeters      float64
	MinAccuracyImprovementMeters int
	ForceRefreshSeconds          int
	AnchorMinIntervalSeconds     int
	AggregationMinSources        int
	ContributorMode              string

	ReportRatePerDevice  float64
	ReportBurstPerDevice int

	MetricsAddr string
	LogLevel    string
}

// FileConfig is the YAML shape on disk.
type FileConfig struct {
	Engine EngineSection `yaml:"engine"`
	Daemon DaemonSection `yaml:"daemon"`
}

type EngineSection struct {
	StalenessThresholdSeconds    int      `yaml:"stalenessThresholdSeconds"`
	MovementThresholdMeters      *float64 `yaml:"movementThresholdMeters"`
	MinAccuracyImprovementMeters int      `yaml:"minAccuracyImprovementMeters"`
	ForceRefreshSeconds          int      `yaml:"forceRefreshSeconds"`
	AnchorMinIntervalSeconds     int      `yaml:"anchorMinIntervalSeconds"`
	AggregationMinSources        int      `yaml:"aggregationMinSources"`
	ContributorMode              string   `yaml:"contributorMode"`
	ReportRatePerDevice          *float64 `yaml:"reportRatePerDevice"`
	ReportBurstPerDevice         int      `yaml:"reportBurstPerDevice"`
}

type DaemonSection struct {
	MetricsAddr string `yaml:"metricsAddr"`
	LogLevel    string `yaml:"logLevel"`
}

func Default() Config {
	return Config{
		StalenessThresholdSeconds:    1800,
		MovementThresholdMeters:      50,
		MinAccuracyImprovementMeters: 10,
		ForceRefreshSeconds:          3600,
		AnchorMinIntervalSeconds:     300,
		AggregationMinSources:        1,
		ContributorMode:              string(fuse.ContributorAll),
		ReportRatePerDevice:          2,
		ReportBurstPerDevice:         16,
		MetricsAddr:                  "",
		LogLevel:                     "info",
	}
}

// LoadFromPath reads the first readable candidate path, merges it over the
// defaults, and applies env overrides. A missing or unparsable file falls
// back to defaults plus env.
func LoadFromPath(configPath string) Config {
	cfg := Default()

	candidates := make([]string, 0, 2)
	if configPath != "" {
		candidates = append(candidates, configPath)
	} else {
		candidates = append(candidates,
			"configs/engine.yaml",
			"engine.yaml",
		)
	}

	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var parsed FileConfig
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			continue
		}
		merged := cfg
		Merge(&merged, parsed)
		ApplyEnvOverrides(&merged)
		return merged
	}

	ApplyEnvOverrides(&cfg)
	return cfg
}

func Merge(dst *Config, src FileConfig) {
	if src.Engine.StalenessThresholdSeconds != 0 {
		dst.StalenessThresholdSeconds = src.Engine.StalenessThresholdSeconds
	}
	if src.Engine.MovementThresholdMeters != nil {
		dst.MovementThresholdMeters = *src.Engine.MovementThresholdMeters
	}
	if src.Engine.MinAccuracyImprovementMeters != 0 {
		dst.MinAccuracyImprovementMeters = src.Engine.MinAccuracyImprovementMeters
	}
	if src.Engine.ForceRefreshSeconds != 0 {
		dst.ForceRefreshSeconds = src.Engine.ForceRefreshSeconds
	}
	if src.Engine.AnchorMinIntervalSeconds != 0 {
		dst.AnchorMinIntervalSeconds = src.Engine.AnchorMinIntervalSeconds
	}
	if src.Engine.AggregationMinSources != 0 {
		dst.AggregationMinSources = src.Engine.AggregationMinSources
	}
	if src.Engine.ContributorMode != "" {
		dst.ContributorMode = src.Engine.ContributorMode
	}
	if src.Engine.ReportRatePerDevice != nil {
		dst.ReportRatePerDevice = *src.Engine.ReportRatePerDevice
	}
	if src.Engine.ReportBurstPerDevice != 0 {
		dst.ReportBurstPerDevice = src.Engine.ReportBurstPerDevice
	}
	if src.Daemon.MetricsAddr != "" {
		dst.MetricsAddr = src.Daemon.MetricsAddr
	}
	if src.Daemon.LogLevel != "" {
		dst.LogLevel = src.Daemon.LogLevel
	}
}

func ApplyEnvOverrides(cfg *Config) {
	if v := envInt("QF_STALENESS_THRESHOLD_SECONDS"); v != nil {
		cfg.StalenessThresholdSeconds = *v
	}
	if v := envFloat("QF_MOVEMENT_THRESHOLD_METERS"); v != nil {
		cfg.MovementThresholdMeters = *v
	}
	if v := envInt("QF_AGGREGATION_MIN_SOURCES"); v != nil {
		cfg.AggregationMinSources = *v
	}
	if mode := strings.TrimSpace(os.Getenv("QF_CONTRIBUTOR_MODE")); mode != "" {
		cfg.ContributorMode = mode
	}
	if addr := strings.TrimSpace(os.Getenv("QF_METRICS_ADDR")); addr != "" {
		cfg.MetricsAddr = addr
	}
	if level := strings.TrimSpace(os.Getenv("QF_LOG_LEVEL")); level != "" {
		cfg.LogLevel = level
	}
}

// FuseConfig renders the grading thresholds for the fuser.
func (c Config) FuseConfig() fuse.Config {
	return fuse.Config{
		StalenessThreshold:     time.Duration(c.StalenessThresholdSeconds) * time.Second,
		MovementThresholdMeter: c.MovementThresholdMeters,
		MinAccuracyImprovement: uint16(c.MinAccuracyImprovementMeters),
		ForceRefreshInterval:   time.Duration(c.ForceRefreshSeconds) * time.Second,
		AnchorMinInterval:      time.Duration(c.AnchorMinIntervalSeconds) * time.Second,
		AggregationMinSources:  c.AggregationMinSources,
		ContributorMode:        fuse.ContributorMode(c.ContributorMode),
	}
}

func envInt(name string) *int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return nil
	}
	return &v
}

func envFloat(name string) *float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil
	}
	return &v
}
