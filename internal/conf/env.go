// env.go - environment variable bindings and validation
package conf

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// envBinding holds metadata for environment variable bindings (internal use)
type envBinding struct {
	ConfigKey string             // Viper config key
	EnvVar    string             // Environment variable name
	Validate  func(string) error // Optional validation function
}

// getEnvBindings returns all environment variable bindings with validation
func getEnvBindings() []envBinding {
	return []envBinding{
		{"main.environment", "AED_ENVIRONMENT", validateEnvNonEmpty},
		{"main.debug", "AED_DEBUG", validateEnvBool},
		{"logging.default_level", "AED_LOG_LEVEL", validateEnvLogLevel},
		{"logging.console.level", "AED_LOG_LEVEL", validateEnvLogLevel},

		{"database.driver", "AED_DB_DRIVER", validateEnvDriver},
		{"database.mysql.host", "AED_DB_HOST", validateEnvNonEmpty},
		{"database.mysql.port", "AED_DB_PORT", validateEnvPort},
		{"database.mysql.schema", "AED_DB_SCHEMA", validateEnvNonEmpty},
		{"database.mysql.username", "AED_DB_USERNAME", nil},
		{"database.mysql.password", "AED_DB_PASSWORD", nil},
		{"database.mysql.passwordfile", "AED_DB_PASSWORD_FILE", nil},
		{"database.mysql.secretfile", "AED_DB_SECRET_FILE", nil},
		{"database.sqlite.path", "AED_SQLITE_PATH", validateEnvNonEmpty},

		{"conductor.concurrentlimit", "AED_CONCURRENT_LIMIT", validateEnvPositiveInt},
		{"conductor.admissionwindow", "AED_ADMISSION_WINDOW", validateEnvDuration},
		{"conductor.timeout", "AED_CONDUCTOR_TIMEOUT", validateEnvDuration},

		{"worker.concurrency", "AED_WORKER_CONCURRENCY", validateEnvPositiveInt},
		{"worker.chunktimeout", "AED_CHUNK_TIMEOUT", validateEnvDuration},

		{"redis.enabled", "AED_REDIS_ENABLED", validateEnvBool},
		{"redis.addr", "AED_REDIS_ADDR", validateEnvNonEmpty},
		{"redis.password", "AED_REDIS_PASSWORD", nil},

		{"metrics.enabled", "AED_METRICS_ENABLED", validateEnvBool},
		{"metrics.listen", "AED_METRICS_LISTEN", validateEnvNonEmpty},

		{"telemetry.enabled", "AED_SENTRY_ENABLED", validateEnvBool},
		{"telemetry.dsn", "AED_SENTRY_DSN", nil},
	}
}

// bindEnvVars sets up environment variable bindings with validation (internal)
func bindEnvVars(v *viper.Viper) error {
	var warnings []string

	for _, binding := range getEnvBindings() {
		if err := v.BindEnv(binding.ConfigKey, binding.EnvVar); err != nil {
			warnings = append(warnings, fmt.Sprintf("Failed to bind %s: %v", binding.EnvVar, err))
			continue
		}

		if binding.Validate == nil {
			continue
		}
		if envValue, ok := os.LookupEnv(binding.EnvVar); ok {
			if err := binding.Validate(envValue); err != nil {
				// never echo values; some of these are credentials
				warnings = append(warnings, fmt.Sprintf("Invalid %s: %v", binding.EnvVar, err))
			}
		}
	}

	if len(warnings) > 0 {
		return fmt.Errorf("environment variable issues:\n  - %s", strings.Join(warnings, "\n  - "))
	}

	return nil
}

func validateEnvBool(value string) error {
	if _, err := strconv.ParseBool(strings.TrimSpace(value)); err != nil {
		return fmt.Errorf("invalid boolean value: must be true/false, 1/0, t/f")
	}
	return nil
}

func validateEnvNonEmpty(value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("value must not be empty")
	}
	return nil
}

func validateEnvPort(value string) error {
	port, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fmt.Errorf("port must be an integer")
	}
	if port < 1 || port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", port)
	}
	return nil
}

func validateEnvPositiveInt(value string) error {
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fmt.Errorf("value must be an integer")
	}
	if n < 1 {
		return fmt.Errorf("must be at least 1, got %d", n)
	}
	return nil
}

func validateEnvDuration(value string) error {
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fmt.Errorf("value must be a duration such as 90s or 2h")
	}
	if d <= 0 {
		return fmt.Errorf("duration must be positive, got %s", d)
	}
	return nil
}

func validateEnvDriver(value string) error {
	switch strings.TrimSpace(value) {
	case DriverMySQL, DriverSQLite:
		return nil
	default:
		return fmt.Errorf("driver must be %q or %q", DriverMySQL, DriverSQLite)
	}
}

func validateEnvLogLevel(value string) error {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "trace", "debug", "info", "warn", "warning", "error":
		return nil
	default:
		return fmt.Errorf("unknown log level")
	}
}
