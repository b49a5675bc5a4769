package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate_DefaultsAreValid(t *testing.T) {
	cfg := Default()
	cfg.Dir = t.TempDir()
	require.NoError(t, cfg.Validate())
}

func TestValidate_SystemPathsNeedOptIn(t *testing.T) {
	cases := []struct {
		name      string
		dir       string
		dangerous bool
	}{
		{"etc", "/etc", true},
		{"root of filesystem", "/", true},
		{"home itself", "/home", true},
		{"one level under home", "/home/alice", true},
		{"two levels under home", "/home/alice/docs", false},
		{"var subdirectory is an ancestor of nothing", "/var/lib/mrmd", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			cfg.Dir = tc.dir
			err := cfg.Validate()
			if tc.dangerous {
				require.Error(t, err)

				cfg.DangerouslyAllowSystemPaths = true
				assert.NoError(t, cfg.Validate())
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidate_RejectsNonsenseLimits(t *testing.T) {
	cfg := Default()
	cfg.Dir = t.TempDir()
	cfg.DebounceMs = 0
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Dir = t.TempDir()
	cfg.MaxConnections = 0
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Dir = t.TempDir()
	cfg.StorageKind = "carrier-pigeon"
	assert.Error(t, cfg.Validate())
}
