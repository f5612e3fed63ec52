package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds the daemon configuration, loaded once from the environment.
type Config struct {
	// Port is the port the API server listens on
	Port string
	// DataDir holds the sqlite audit database
	DataDir string
	// PolicyFile optionally overrides the compiled-in security catalog
	PolicyFile string
	// SandboxImage is the base tool image ephemeral sandboxes boot from
	SandboxImage string
	// ScratchDir is the only writable tool-output location inside sandboxes
	ScratchDir string
	// TrainingSubnet is the CIDR of the training bridge network
	TrainingSubnet string
	// IsolatedSubnet is the CIDR of the no-egress network tier
	IsolatedSubnet string
	// RateLimitMax commands per RateLimitWindow, per user
	RateLimitMax    int
	RateLimitWindow time.Duration
	// CleanupInterval is how often the stale sweep runs
	CleanupInterval time.Duration
	// SandboxMaxAge is the age past which an ephemeral sandbox is swept
	SandboxMaxAge time.Duration
	// ShutdownTimeout is the timeout for graceful shutdown
	ShutdownTimeout time.Duration
}

// Load reads configuration from environment variables with defaults.
func Load() *Config {
	return &Config{
		Port:            getenv("PORT", "8080"),
		DataDir:         getenv("DATA_DIR", "./data"),
		PolicyFile:      os.Getenv("POLICY_FILE"),
		SandboxImage:    getenv("SANDBOX_IMAGE", "cyberange/toolbox:latest"),
		ScratchDir:      getenv("SCRATCH_DIR", "/workspace"),
		TrainingSubnet:  getenv("TRAINING_SUBNET", "172.30.0.0/16"),
		IsolatedSubnet:  getenv("ISOLATED_SUBNET", "172.31.0.0/16"),
		RateLimitMax:    getenvInt("RATE_LIMIT_MAX", 100),
		RateLimitWindow: getenvDuration("RATE_LIMIT_WINDOW", 5*time.Minute),
		CleanupInterval: getenvDuration("CLEANUP_INTERVAL", 1*time.Minute),
		SandboxMaxAge:   getenvDuration("SANDBOX_MAX_AGE", 2*time.Hour),
		ShutdownTimeout: getenvDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(v)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(v)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}
