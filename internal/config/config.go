// Package config provides configuration helpers for go-sonicbot commands.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Environment variable names.
const (
	EnvAccessKeyID     = "AWS_ACCESS_KEY_ID"
	EnvSecretAccessKey = "AWS_SECRET_ACCESS_KEY"
	EnvSessionToken    = "AWS_SESSION_TOKEN"
	EnvRegion          = "AWS_REGION"
	EnvHost            = "SONICBOT_HOST"
	EnvPort            = "SONICBOT_PORT"
	EnvLogLevel        = "LOG_LEVEL"
)

// Defaults for the signalling server.
const (
	DefaultHost     = "localhost"
	DefaultPort     = 7860
	DefaultLogLevel = "info"
)

// AWS holds the credentials used to reach Bedrock.
type AWS struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	Region          string
}

// Validate reports whether the credentials are usable.
func (a AWS) Validate() error {
	if a.Region == "" {
		return fmt.Errorf("config: %s is required", EnvRegion)
	}
	if (a.AccessKeyID == "") != (a.SecretAccessKey == "") {
		return errors.New("config: AWS access key id and secret access key must be set together")
	}
	return nil
}

// Config is the process configuration, read once at startup.
type Config struct {
	AWS      AWS
	Host     string
	Port     int
	LogLevel string
}

// Addr returns the host:port listen address.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LoadDotEnv loads variables from the given files (".env" when none are
// given), overriding values already present in the environment.
// Missing files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	var existing []string
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			existing = append(existing, f)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	if err := godotenv.Overload(existing...); err != nil {
		return fmt.Errorf("config: load dotenv: %w", err)
	}
	return nil
}

// Load reads the configuration from the environment.
func Load() Config {
	return Config{
		AWS:      LoadAWS(),
		Host:     envString(EnvHost, DefaultHost),
		Port:     envInt(EnvPort, DefaultPort),
		LogLevel: envString(EnvLogLevel, DefaultLogLevel),
	}
}

// LoadAWS reads AWS credentials verbatim from the environment.
func LoadAWS() AWS {
	return AWS{
		AccessKeyID:     os.Getenv(EnvAccessKeyID),
		SecretAccessKey: os.Getenv(EnvSecretAccessKey),
		SessionToken:    os.Getenv(EnvSessionToken),
		Region:          os.Getenv(EnvRegion),
	}
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
