package database

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// LoadConfigFromEnv loads store connection settings from environment
// variables under the given prefix (e.g. "HOSPITAL_DB" or "PROCESSING_DB").
func LoadConfigFromEnv(prefix string) (Config, error) {
	port, err := strconv.Atoi(getEnvOrDefault(prefix+"_PORT", "5432"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s_PORT: %w", prefix, err)
	}

	maxOpen, _ := strconv.Atoi(getEnvOrDefault(prefix+"_MAX_OPEN_CONNS", "10"))
	maxIdle, _ := strconv.Atoi(getEnvOrDefault(prefix+"_MAX_IDLE_CONNS", "5"))

	return Config{
		Host:            getEnvOrDefault(prefix+"_HOST", "localhost"),
		Port:            port,
		User:            getEnvOrDefault(prefix+"_USER", "woundwatch"),
		Password:        os.Getenv(prefix + "_PASSWORD"),
		Database:        getEnvOrDefault(prefix+"_NAME", "woundwatch"),
		SSLMode:         getEnvOrDefault(prefix+"_SSLMODE", "disable"),
		MaxOpenConns:    maxOpen,
		MaxIdleConns:    maxIdle,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
	}, nil
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
