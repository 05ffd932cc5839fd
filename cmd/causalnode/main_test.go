package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vclocknet/internal/config"
)

func TestParseFlags_Defaults(t *testing.T) {
	cfg, err := parseFlags(nil)
	require.NoError(t, err)

	assert.Equal(t, "1", cfg.NodeID)
	assert.Equal(t, config.DefaultGroup(3), cfg.Group)
	assert.Equal(t, "json", cfg.Codec)
	assert.Equal(t, "127.0.0.1:8001", cfg.Listen())
	assert.Equal(t, 0, cfg.Index())
}

func TestParseFlags_Group(t *testing.T) {
	cfg, err := parseFlags([]string{
		"--node-id", "b",
		"--group", "a=127.0.0.1:9001,b=127.0.0.1:9002",
		"--codec", "proto",
		"--dial-timeout", "2s",
		"--send-retries", "3",
	})
	require.NoError(t, err)

	assert.Equal(t, 1, cfg.Index())
	assert.Equal(t, 2, cfg.Size())
	assert.Equal(t, "127.0.0.1:9002", cfg.Listen())
	assert.Equal(t, 2*time.Second, cfg.DialTimeout)
	assert.Equal(t, uint64(3), cfg.SendRetries)
}

func TestParseFlags_Invalid(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"not a member", []string{"--node-id", "9"}},
		{"bad group", []string{"--group", "a"}},
		{"bad codec", []string{"--codec", "xml"}},
		{"unknown flag", []string{"--nope"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseFlags(tt.args)
			assert.Error(t, err)
		})
	}
}
