// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/aristath/vigil/internal/domain"
	"github.com/joho/godotenv"
)

// Config holds agent configuration
type Config struct {
	AgentID string // Identity namespace for all persisted keys
	DataDir string // Base directory for all databases (always absolute)

	// Execution gating
	ObservationMode bool // When true, DECIDE downgrades actions to OBSERVE_MORE

	// Treasury
	StartingTreasuryUSD float64
	DailyBurnFloorUSD   float64 // Burn is never reported below this

	// Scheduling
	CycleIntervalOverride time.Duration // 0 = emotion-driven intervals
	MinCycleInterval      time.Duration // Floor between cycle starts

	// Timeouts
	CycleDeadline       time.Duration
	ExternalReadTimeout time.Duration
	LLMTimeout          time.Duration

	// Cost governance
	MaxDailyCostUSD    float64
	AlertThresholdsUSD []float64

	// Memory formation
	MemoryFormationThreshold float64
	MinAPRForMemory          float64
	MinVolumeForMemory       float64
	MaxMemoriesPerCycle      int
	WorkingMemoryCap         int
	CompactAccessFloor       int

	// Pattern recognition
	MinPatternConfidence float64
	GasWindowHorizon     time.Duration

	// Pool profiling
	PoolProfileUpdateInterval time.Duration

	// Decision scoring
	MinTVLUSD              float64
	MaxILRisk              float64
	CriticalFloorUSD       float64
	ComfortableTreasuryUSD float64
	ScoreWeightAPR         float64
	ScoreWeightPattern     float64
	ScoreWeightRisk        float64
	ScoreWeightGas         float64

	// Backups
	BackupEnabled  bool
	BackupS3Bucket string
	BackupS3Prefix string
	BackupKeep     int

	// Logging
	LogLevel  string
	LogPretty bool
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	// Resolve the data directory to an absolute path and ensure it exists
	dataDir := getEnv("DATA_DIR", "")
	if dataDir == "" {
		dataDir = "./data"
	}
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		AgentID: getEnv("AGENT_ID", "vigil"),
		DataDir: absDataDir,

		ObservationMode: getEnvAsBool("OBSERVATION_MODE", true),

		StartingTreasuryUSD: getEnvAsFloat("STARTING_TREASURY_USD", 100.0),
		DailyBurnFloorUSD:   getEnvAsFloat("DAILY_BURN_FLOOR_USD", 1.0),

		CycleIntervalOverride: time.Duration(getEnvAsInt("CYCLE_INTERVAL_OVERRIDE_SEC", 0)) * time.Second,
		MinCycleInterval:      time.Duration(getEnvAsInt("MIN_CYCLE_INTERVAL_SEC", 60)) * time.Second,

		CycleDeadline:       time.Duration(getEnvAsInt("CYCLE_DEADLINE_SEC", 120)) * time.Second,
		ExternalReadTimeout: time.Duration(getEnvAsInt("EXTERNAL_READ_TIMEOUT_SEC", 15)) * time.Second,
		LLMTimeout:          time.Duration(getEnvAsInt("LLM_TIMEOUT_SEC", 30)) * time.Second,

		MaxDailyCostUSD:    getEnvAsFloat("MAX_DAILY_COST_USD", 30.0),
		AlertThresholdsUSD: getEnvAsFloatList("ALERT_THRESHOLDS_USD", []float64{5, 10, 20, 25}),

		MemoryFormationThreshold: getEnvAsFloat("MEMORY_FORMATION_THRESHOLD", 0.7),
		MinAPRForMemory:          getEnvAsFloat("MIN_APR_FOR_MEMORY", 20.0),
		MinVolumeForMemory:       getEnvAsFloat("MIN_VOLUME_FOR_MEMORY", 100000),
		MaxMemoriesPerCycle:      getEnvAsInt("MAX_MEMORIES_PER_CYCLE", 50),
		WorkingMemoryCap:         getEnvAsInt("WORKING_MEMORY_CAP", 10),
		CompactAccessFloor:       getEnvAsInt("COMPACT_ACCESS_FLOOR", 2),

		MinPatternConfidence: getEnvAsFloat("MIN_PATTERN_CONFIDENCE", 0.7),
		GasWindowHorizon:     time.Duration(getEnvAsInt("GAS_WINDOW_HORIZON_HOURS", 6)) * time.Hour,

		PoolProfileUpdateInterval: time.Duration(getEnvAsInt("POOL_PROFILE_UPDATE_INTERVAL_SEC", 3600)) * time.Second,

		MinTVLUSD:              getEnvAsFloat("DECIDER_MIN_TVL_USD", 100000),
		MaxILRisk:              getEnvAsFloat("DECIDER_MAX_IL_RISK", 0.5),
		CriticalFloorUSD:       getEnvAsFloat("DECIDER_CRITICAL_FLOOR_USD", 50.0),
		ComfortableTreasuryUSD: getEnvAsFloat("COMFORTABLE_TREASURY_USD", 200.0),
		ScoreWeightAPR:         getEnvAsFloat("SCORE_WEIGHT_APR", 1.0),
		ScoreWeightPattern:     getEnvAsFloat("SCORE_WEIGHT_PATTERN", 0.5),
		ScoreWeightRisk:        getEnvAsFloat("SCORE_WEIGHT_RISK", 0.75),
		ScoreWeightGas:         getEnvAsFloat("SCORE_WEIGHT_GAS", 0.5),

		BackupEnabled:  getEnvAsBool("BACKUP_ENABLED", false),
		BackupS3Bucket: getEnv("BACKUP_S3_BUCKET", ""),
		BackupS3Prefix: getEnv("BACKUP_S3_PREFIX", "vigil-backups"),
		BackupKeep:     getEnvAsInt("BACKUP_KEEP", 3),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogPretty: getEnvAsBool("LOG_PRETTY", false),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is internally consistent
func (c *Config) Validate() error {
	if c.AgentID == "" {
		return &domain.ConfigError{Field: "AGENT_ID", Reason: "must not be empty"}
	}
	if c.StartingTreasuryUSD < 0 {
		return &domain.ConfigError{Field: "STARTING_TREASURY_USD", Reason: "must not be negative"}
	}
	if c.MaxDailyCostUSD <= 0 {
		return &domain.ConfigError{Field: "MAX_DAILY_COST_USD", Reason: "must be positive"}
	}
	if c.WorkingMemoryCap <= 0 {
		return &domain.ConfigError{Field: "WORKING_MEMORY_CAP", Reason: "must be positive"}
	}
	if c.MaxMemoriesPerCycle <= 0 {
		return &domain.ConfigError{Field: "MAX_MEMORIES_PER_CYCLE", Reason: "must be positive"}
	}
	if c.MemoryFormationThreshold < 0 || c.MemoryFormationThreshold > 1 {
		return &domain.ConfigError{Field: "MEMORY_FORMATION_THRESHOLD", Reason: "must be in [0,1]"}
	}
	if c.MinPatternConfidence < 0 || c.MinPatternConfidence > 1 {
		return &domain.ConfigError{Field: "MIN_PATTERN_CONFIDENCE", Reason: "must be in [0,1]"}
	}
	if c.MinCycleInterval <= 0 {
		return &domain.ConfigError{Field: "MIN_CYCLE_INTERVAL_SEC", Reason: "must be positive"}
	}
	if c.CycleDeadline <= 0 {
		return &domain.ConfigError{Field: "CYCLE_DEADLINE_SEC", Reason: "must be positive"}
	}
	if c.ExternalReadTimeout <= 0 {
		return &domain.ConfigError{Field: "EXTERNAL_READ_TIMEOUT_SEC", Reason: "must be positive"}
	}
	if c.LLMTimeout <= 0 {
		return &domain.ConfigError{Field: "LLM_TIMEOUT_SEC", Reason: "must be positive"}
	}
	for i, t := range c.AlertThresholdsUSD {
		if t <= 0 {
			return &domain.ConfigError{Field: "ALERT_THRESHOLDS_USD", Reason: "thresholds must be positive"}
		}
		if i > 0 && t <= c.AlertThresholdsUSD[i-1] {
			return &domain.ConfigError{Field: "ALERT_THRESHOLDS_USD", Reason: "thresholds must be strictly ascending"}
		}
	}
	if c.BackupEnabled && c.BackupS3Bucket == "" {
		return &domain.ConfigError{Field: "BACKUP_S3_BUCKET", Reason: "required when BACKUP_ENABLED is true"}
	}
	return nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsFloatList(key string, defaultValue []float64) []float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]float64, 0, len(parts))
	for _, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return defaultValue
		}
		out = append(out, f)
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
