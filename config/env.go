package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

var loadDotEnvOnce sync.Once

// LoadDotEnv reads a .env file from the working directory into the process
// environment, once per process. A missing file is not an error; variables
// already set in the environment win over file values.
func LoadDotEnv() {
	loadDotEnvOnce.Do(func() {
		_ = godotenv.Load()
	})
}

// GetenvOrDefault returns the trimmed value of the environment variable, or
// fallback when it is unset or blank.
func GetenvOrDefault(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}

	return value
}

// GetenvBoolOrDefault parses the environment variable as a bool, returning
// fallback when it is unset, blank or not a valid bool.
func GetenvBoolOrDefault(key string, fallback bool) bool {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}

	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}

	return parsed
}

// GetenvIntOrDefault parses the environment variable as an int64, returning
// fallback when it is unset, blank or not a valid integer.
func GetenvIntOrDefault(key string, fallback int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}

	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return fallback
	}

	return parsed
}

// GetenvDurationOrDefault parses the environment variable with
// time.ParseDuration, returning fallback when it is unset, blank or invalid.
func GetenvDurationOrDefault(key string, fallback time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}

	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}

	return parsed
}

// getenvRequired returns the trimmed value of the environment variable, or
// an error naming the key when it is unset or blank.
func getenvRequired(key string) (string, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return "", fmt.Errorf("%w: %s", ErrMissingEnvVar, key)
	}

	return value, nil
}
