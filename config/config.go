/*
Package config loads runtime configuration from a .env file and environment
variables, with command-line flags taking final precedence in main.

PURPOSE:
  Central place for everything tunable at deploy time: HTTP port, database
  path, batch sizing for the grant jobs, the fiscal year start month, and
  the cron expressions driving the scheduler.

PRECEDENCE:
  defaults < .env file < environment variables < flags (applied in main)
*/
package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application.
type Config struct {
	Port   int
	DBPath string

	// Grant issuer tuning.
	BatchSize            int
	Workers              int
	FiscalYearStartMonth time.Month

	// Cron expressions for the three grant jobs. Empty disables a job.
	MonthlyCron    string
	FiscalCron     string
	AttendanceCron string
}

// Load reads configuration from .env and the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("[Config] no .env file, using environment variables")
	}

	fyMonth, err := getEnvInt("FISCAL_YEAR_START_MONTH", 4)
	if err != nil {
		return nil, err
	}
	if fyMonth < 1 || fyMonth > 12 {
		return nil, fmt.Errorf("invalid FISCAL_YEAR_START_MONTH: %d", fyMonth)
	}

	port, err := getEnvInt("PORT", 8080)
	if err != nil {
		return nil, err
	}
	batchSize, err := getEnvInt("JOB_BATCH_SIZE", 50)
	if err != nil {
		return nil, err
	}
	workers, err := getEnvInt("JOB_WORKERS", 8)
	if err != nil {
		return nil, err
	}

	return &Config{
		Port:                 port,
		DBPath:               getEnv("DB_PATH", "workflow.db"),
		BatchSize:            batchSize,
		Workers:              workers,
		FiscalYearStartMonth: time.Month(fyMonth),
		MonthlyCron:          getEnv("MONTHLY_GRANT_CRON", "0 2 * * *"),
		FiscalCron:           getEnv("FISCAL_GRANT_CRON", "0 3 * * *"),
		AttendanceCron:       getEnv("ATTENDANCE_AWARD_CRON", "0 4 1 */3 *"),
	}, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return n, nil
}
