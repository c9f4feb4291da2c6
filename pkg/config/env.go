package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// ApplyEnv loads the given .env files (a missing file is not an error) and
// overrides configuration fields from RCEXP_* environment variables.
func ApplyEnv(cfg *Config, files ...string) {
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !os.IsNotExist(err) {
			log.Printf("Warning: failed to load env file %s: %v", f, err)
		}
	}

	cfg.Serial.Port = getEnv("RCEXP_PORT", cfg.Serial.Port)
	cfg.Serial.BaudRate = getEnvInt("RCEXP_BAUD_RATE", cfg.Serial.BaudRate)
	cfg.Serial.Timeout = getEnvDuration("RCEXP_TIMEOUT", cfg.Serial.Timeout)

	cfg.Storage.ExportDir = getEnv("RCEXP_EXPORT_DIR", cfg.Storage.ExportDir)
	cfg.Storage.ArchiveDir = getEnv("RCEXP_ARCHIVE_DIR", cfg.Storage.ArchiveDir)
	cfg.Storage.Archive = getEnvBool("RCEXP_ARCHIVE", cfg.Storage.Archive)

	cfg.Telemetry.Enabled = getEnvBool("RCEXP_MQTT_ENABLED", cfg.Telemetry.Enabled)
	cfg.Telemetry.Broker = getEnv("RCEXP_MQTT_BROKER", cfg.Telemetry.Broker)
	cfg.Telemetry.ClientID = getEnv("RCEXP_MQTT_CLIENT_ID", cfg.Telemetry.ClientID)
	cfg.Telemetry.Username = getEnv("RCEXP_MQTT_USERNAME", cfg.Telemetry.Username)
	cfg.Telemetry.Password = getEnv("RCEXP_MQTT_PASSWORD", cfg.Telemetry.Password)
	cfg.Telemetry.Topic = getEnv("RCEXP_MQTT_TOPIC", cfg.Telemetry.Topic)
}

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	intValue, err := strconv.Atoi(value)
	if err != nil {
		log.Printf("Warning: failed to parse %s as int, using default: %v", key, err)
		return defaultValue
	}
	return intValue
}

func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	boolValue, err := strconv.ParseBool(value)
	if err != nil {
		log.Printf("Warning: failed to parse %s as bool, using default: %v", key, err)
		return defaultValue
	}
	return boolValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	d, err := time.ParseDuration(value)
	if err != nil {
		log.Printf("Warning: failed to parse %s as duration, using default: %v", key, err)
		return defaultValue
	}
	return d
}
