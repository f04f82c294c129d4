package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/bleman/internal/device"
	"github.com/srg/bleman/pkg/heartrate"
)

func resetMonitorFlags() {
	monName = ""
	monAddress = ""
	monService = ""
	monID = ""
}

func TestMonitorTarget(t *testing.T) {
	t.Cleanup(resetMonitorFlags)

	t.Run("defaults to heart rate service", func(t *testing.T) {
		resetMonitorFlags()
		target, err := monitorTarget()
		require.NoError(t, err)
		assert.Equal(t, device.AddressByService, target.Kind())
		assert.True(t, target.Matches(staticTarget{services: []string{heartrate.ServiceUUID}}))
	})

	t.Run("name selector", func(t *testing.T) {
		resetMonitorFlags()
		monName = "Polar"
		target, err := monitorTarget()
		require.NoError(t, err)
		assert.Equal(t, device.AddressByName, target.Kind())
	})

	t.Run("address selector", func(t *testing.T) {
		resetMonitorFlags()
		monAddress = "aa:bb:cc:dd:ee:ff"
		target, err := monitorTarget()
		require.NoError(t, err)
		assert.Equal(t, device.AddressByIdentifier, target.Kind())
		assert.True(t, target.Matches(staticTarget{id: 0xaabbccddeeff}))
	})

	t.Run("hex id selector", func(t *testing.T) {
		resetMonitorFlags()
		monID = "0xC0FFEE"
		target, err := monitorTarget()
		require.NoError(t, err)
		assert.True(t, target.Matches(staticTarget{id: 0xC0FFEE}))
	})

	t.Run("decimal id selector", func(t *testing.T) {
		resetMonitorFlags()
		monID = "42"
		target, err := monitorTarget()
		require.NoError(t, err)
		assert.True(t, target.Matches(staticTarget{id: 42}))
	})

	t.Run("invalid id", func(t *testing.T) {
		resetMonitorFlags()
		monID = "zzz"
		_, err := monitorTarget()
		assert.Error(t, err)
	})

	t.Run("conflicting selectors", func(t *testing.T) {
		resetMonitorFlags()
		monName = "Polar"
		monAddress = "aa:bb:cc:dd:ee:ff"
		_, err := monitorTarget()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "only one")
	})
}

type staticTarget struct {
	name     string
	id       uint64
	services []string
}

func (t staticTarget) Name() string       { return t.name }
func (t staticTarget) Identifier() uint64 { return t.id }
func (t staticTarget) Services() []string { return t.services }

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir()) // no stray user config

	cfg, err := loadConfigFile("")
	require.NoError(t, err)

	assert.Equal(t, 10*time.Second, cfg.Scan.Duration)
	assert.Equal(t, "table", cfg.Scan.Format)
	assert.Equal(t, "same-address", cfg.Monitor.Reconnect)
	assert.Equal(t, 30*time.Second, cfg.Monitor.ClaimTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.Monitor.SettleDelay)
	assert.Equal(t, 15*time.Second, cfg.Monitor.StaleAfter)
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
scan:
  duration: 30s
monitor:
  reconnect: same-name
`), 0o644))

	cfg, err := loadConfigFile(path)
	require.NoError(t, err)

	assert.Equal(t, 30*time.Second, cfg.Scan.Duration, "file value MUST override the default")
	assert.Equal(t, "same-name", cfg.Monitor.Reconnect)
	assert.Equal(t, "table", cfg.Scan.Format, "unset keys MUST keep their defaults")
}

func TestLoadConfigMissingExplicitFile(t *testing.T) {
	_, err := loadConfigFile("/nonexistent/config.yaml")
	assert.Error(t, err, "explicit --config path MUST exist")
}
