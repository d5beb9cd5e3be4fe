package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DBSource string
	Port     string
	Env      string

	// AtomicUnits=false forces the non-atomic ledger saga and allocator paths.
	AtomicUnits        bool
	SagaReportInterval time.Duration
	SagaStaleAfter     time.Duration
	AuditBuffer        int
}

// Load reads the configuration from the environment. A .env file in the
// working directory is loaded first when present; real environment
// variables win over it.
func Load() (*Config, error) {
	_ = godotenv.Load()

	dbSource := os.Getenv("DB_SOURCE")
	if dbSource == "" {
		return nil, fmt.Errorf("DB_SOURCE environment variable is required")
	}

	port := os.Getenv("SERVER_PORT")
	if port == "" {
		port = "8080"
	}

	env := os.Getenv("ENVIRONMENT")
	if env == "" {
		env = "development"
	}

	atomicUnits, err := envBool("ATOMIC_UNITS", true)
	if err != nil {
		return nil, err
	}
	reportInterval, err := envDuration("SAGA_REPORT_INTERVAL", time.Minute)
	if err != nil {
		return nil, err
	}
	staleAfter, err := envDuration("SAGA_STALE_AFTER", 5*time.Minute)
	if err != nil {
		return nil, err
	}
	auditBuffer, err := envInt("AUDIT_BUFFER", 1024)
	if err != nil {
		return nil, err
	}

	return &Config{
		DBSource:           dbSource,
		Port:               port,
		Env:                env,
		AtomicUnits:        atomicUnits,
		SagaReportInterval: reportInterval,
		SagaStaleAfter:     staleAfter,
		AuditBuffer:        auditBuffer,
	}, nil
}

func envBool(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive", key)
	}
	return d, nil
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("%s must be positive", key)
	}
	return n, nil
}
