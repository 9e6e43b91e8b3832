package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAWS(t *testing.T) {
	t.Setenv(EnvAccessKeyID, "AKIDEXAMPLE")
	t.Setenv(EnvSecretAccessKey, "wJalr/secret+key")
	t.Setenv(EnvRegion, "us-east-1")
	t.Setenv(EnvSessionToken, "")

	aws := LoadAWS()
	assert.Equal(t, "AKIDEXAMPLE", aws.AccessKeyID)
	assert.Equal(t, "wJalr/secret+key", aws.SecretAccessKey)
	assert.Equal(t, "us-east-1", aws.Region)
	assert.Empty(t, aws.SessionToken)
	assert.NoError(t, aws.Validate())
}

func TestAWSValidate(t *testing.T) {
	tests := []struct {
		name    string
		aws     AWS
		wantErr bool
	}{
		{"full", AWS{AccessKeyID: "a", SecretAccessKey: "b", Region: "us-east-1"}, false},
		{"default chain", AWS{Region: "us-east-1"}, false},
		{"missing region", AWS{AccessKeyID: "a", SecretAccessKey: "b"}, true},
		{"id without secret", AWS{AccessKeyID: "a", Region: "us-east-1"}, true},
		{"secret without id", AWS{SecretAccessKey: "b", Region: "us-east-1"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.aws.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv(EnvHost, "")
	t.Setenv(EnvPort, "not-a-number")
	t.Setenv(EnvLogLevel, "")

	cfg := Load()
	assert.Equal(t, DefaultHost, cfg.Host)
	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultLogLevel, cfg.LogLevel)
	assert.Equal(t, "localhost:7860", cfg.Addr())
}

func TestLoadDotEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("AWS_REGION=eu-north-1\nSONICBOT_PORT=9000\n"), 0o600))

	t.Setenv(EnvRegion, "us-west-2")
	t.Setenv(EnvPort, "")

	require.NoError(t, LoadDotEnv(path))
	cfg := Load()
	assert.Equal(t, "eu-north-1", cfg.AWS.Region)
	assert.Equal(t, 9000, cfg.Port)
}

func TestLoadDotEnvMissingFile(t *testing.T) {
	assert.NoError(t, LoadDotEnv(filepath.Join(t.TempDir(), "absent.env")))
}
