// Package secrets resolves credentials from environment references and
// mounted secret files. Secret values are never logged.
package secrets

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/tphakala/aedbatch/internal/errors"
)

const (
	// maxSecretFileSize limits secret file reads; secrets are tokens and
	// small JSON documents, not large files
	maxSecretFileSize = 64 * 1024

	defaultMySQLPort = 3306
)

// ExpandString resolves ${VAR} and ${VAR:-default} references.
// Missing variables without a fallback are reported together.
func ExpandString(s string) (string, error) {
	if s == "" {
		return "", nil
	}

	var missingVars []string

	expanded := os.Expand(s, func(key string) string {
		varName, defaultValue, fallbackProvided := strings.Cut(key, ":-")

		value := os.Getenv(varName)
		if value == "" {
			if fallbackProvided {
				return defaultValue
			}
			missingVars = append(missingVars, varName)
			return ""
		}
		return value
	})

	if len(missingVars) > 0 {
		return "", errors.Newf("missing required environment variable(s): %s", strings.Join(missingVars, ", ")).
			Category(errors.CategoryConfiguration).
			Build()
	}

	return expanded, nil
}

// readSecretBytes reads a bounded regular file. Group or other permissions
// only produce a warning on stderr since the logger is not configured yet
// when secrets are resolved.
func readSecretBytes(path string) ([]byte, error) {
	if path == "" {
		return nil, fmt.Errorf("secret file path is empty")
	}

	cleanPath := filepath.Clean(path)

	info, err := os.Stat(cleanPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Newf("secret file not found: %s", cleanPath).
				Category(errors.CategoryNotFound).
				Build()
		}
		return nil, fmt.Errorf("failed to stat secret file %s: %w", cleanPath, err)
	}

	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("secret path is not a regular file: %s", cleanPath)
	}

	if info.Size() > maxSecretFileSize {
		return nil, fmt.Errorf("secret file too large (max %d bytes): %s", maxSecretFileSize, cleanPath)
	}

	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		fmt.Fprintf(os.Stderr, "WARNING: secret file has group/other permissions (perms: %04o): %s\n", perm, cleanPath)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read secret file %s: %w", cleanPath, err)
	}

	return data, nil
}

// ReadFile reads a secret from a file path with trailing newlines trimmed.
func ReadFile(path string) (string, error) {
	data, err := readSecretBytes(path)
	if err != nil {
		return "", err
	}

	secret := strings.TrimRight(string(data), "\r\n")
	if secret == "" {
		return "", fmt.Errorf("secret file is empty: %s", filepath.Clean(path))
	}

	return secret, nil
}

// Resolve picks the secret from filePath when set, otherwise from value with
// environment expansion.
func Resolve(filePath, value string) (string, error) {
	if filePath != "" {
		secret, err := ReadFile(filePath)
		if err != nil {
			return "", fmt.Errorf("failed to read secret from file: %w", err)
		}
		return secret, nil
	}

	return ExpandString(value)
}

// DatabaseSecret is the JSON credential document for the relational store,
// as kept by the secret manager.
type DatabaseSecret struct {
	Host     string   `json:"host"`
	Port     flexPort `json:"port"`
	Schema   string   `json:"schema"`
	Username string   `json:"username"`
	Password string   `json:"password"`
}

// flexPort accepts the port as a JSON number or string.
type flexPort int

func (p *flexPort) UnmarshalJSON(data []byte) error {
	data = bytes.Trim(data, `"`)
	if len(data) == 0 || string(data) == "null" {
		*p = 0
		return nil
	}
	n, err := strconv.Atoi(string(data))
	if err != nil {
		return fmt.Errorf("invalid port %q: %w", data, err)
	}
	*p = flexPort(n)
	return nil
}

// PortNumber returns the port, defaulting to 3306.
func (s *DatabaseSecret) PortNumber() int {
	if s.Port == 0 {
		return defaultMySQLPort
	}
	return int(s.Port)
}

// ReadDatabaseSecret parses a database credential document and checks that
// every field needed to connect is present.
func ReadDatabaseSecret(path string) (*DatabaseSecret, error) {
	data, err := readSecretBytes(path)
	if err != nil {
		return nil, err
	}

	var secret DatabaseSecret
	if err := json.Unmarshal(data, &secret); err != nil {
		return nil, errors.New(fmt.Errorf("failed to parse database secret %s: %w", filepath.Clean(path), err)).
			Category(errors.CategoryFileParsing).
			Build()
	}

	var missing []string
	for name, value := range map[string]string{
		"host":     secret.Host,
		"schema":   secret.Schema,
		"username": secret.Username,
		"password": secret.Password,
	} {
		if value == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		slices.Sort(missing)
		return nil, errors.Newf("database secret %s is missing: %s", filepath.Clean(path), strings.Join(missing, ", ")).
			Category(errors.CategoryValidation).
			Build()
	}

	return &secret, nil
}
