// SPDX-License-Identifier: MIT

package config

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHolderReloadSwapsConfig(t *testing.T) {
	path := writeConfigFile(t, "log_level: info\n")
	loader := NewLoader(path, "test")

	initial, err := loader.Load()
	require.NoError(t, err)
	h := NewHolder(initial, loader)

	require.NoError(t, os.WriteFile(path, []byte("log_level: debug\n"), 0o600))
	require.NoError(t, h.Reload(context.Background()))
	assert.Equal(t, "debug", h.Get().LogLevel)
}

func TestHolderReloadKeepsOldOnError(t *testing.T) {
	path := writeConfigFile(t, "log_level: info\n")
	loader := NewLoader(path, "test")

	initial, err := loader.Load()
	require.NoError(t, err)
	h := NewHolder(initial, loader)

	require.NoError(t, os.WriteFile(path, []byte("log_level: loud\n"), 0o600))
	assert.Error(t, h.Reload(context.Background()))
	assert.Equal(t, "info", h.Get().LogLevel)
}

func TestWatcherPicksUpFileChange(t *testing.T) {
	path := writeConfigFile(t, "log_level: info\n")
	loader := NewLoader(path, "test")

	initial, err := loader.Load()
	require.NoError(t, err)
	h := NewHolder(initial, loader)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, h.StartWatcher(ctx))

	require.NoError(t, os.WriteFile(path, []byte("log_level: warn\n"), 0o600))

	require.Eventually(t, func() bool {
		return h.Get().LogLevel == "warn"
	}, 5*time.Second, 50*time.Millisecond)
}

func TestWatcherNoopWithoutFile(t *testing.T) {
	h := NewHolder(defaults(), NewLoader("", "test"))
	assert.NoError(t, h.StartWatcher(context.Background()))
}
