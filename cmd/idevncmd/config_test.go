package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/efficientgo/core/testutil"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := loadConfig(nil)
	testutil.Ok(t, err)

	testutil.Equals(t, &Config{
		LogLevel:     logLevelInfo,
		Listen:       ":9465",
		Backend:      backendLibUSB,
		Vendors:      []uint16{0x05AC},
		PollInterval: time.Second,
		ModeSwitch:   true,
		Netdev:       NetdevConfig{Up: true},
	}, cfg)
}

func TestLoadConfig_Flags(t *testing.T) {
	cfg, err := loadConfig([]string{
		"--backend=sim",
		"--vendor=0x05ac,4660",
		"--mode-switch=false",
		"--rx-queue=4",
		"--tx-queue=8",
		"--poll-interval=250ms",
		"--netdev.tap=idev%d",
		"--netdev.mtu=1400",
		"--netdev.up=false",
	})
	testutil.Ok(t, err)

	testutil.Equals(t, backendSim, cfg.Backend)
	testutil.Equals(t, []uint16{0x05AC, 0x1234}, cfg.Vendors)
	testutil.Assert(t, !cfg.ModeSwitch, "mode switch still enabled")
	testutil.Equals(t, 4, cfg.RxQueue)
	testutil.Equals(t, 8, cfg.TxQueue)
	testutil.Equals(t, 250*time.Millisecond, cfg.PollInterval)
	testutil.Equals(t, NetdevConfig{TAP: "idev%d", MTU: 1400}, cfg.Netdev)
}

func TestLoadConfig_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "idevncm.yaml")
	testutil.Ok(t, os.WriteFile(path, []byte(`
backend: sim
log-level: debug
vendor: ["0x05ac", "0x0bda"]
netdev:
  tap: idev0
  mtu: 1280
`), 0o600))

	cfg, err := loadConfig([]string{"--config", path})
	testutil.Ok(t, err)

	testutil.Equals(t, backendSim, cfg.Backend)
	testutil.Equals(t, logLevelDebug, cfg.LogLevel)
	testutil.Equals(t, []uint16{0x05AC, 0x0BDA}, cfg.Vendors)
	testutil.Equals(t, NetdevConfig{TAP: "idev0", Up: true, MTU: 1280}, cfg.Netdev)
}

func TestLoadConfig_Env(t *testing.T) {
	t.Setenv("IDEVNCM_BACKEND", "sim")
	t.Setenv("IDEVNCM_NETDEV_MTU", "1300")

	cfg, err := loadConfig(nil)
	testutil.Ok(t, err)
	testutil.Equals(t, backendSim, cfg.Backend)
	testutil.Equals(t, 1300, cfg.Netdev.MTU)
}

func TestLoadConfig_Invalid(t *testing.T) {
	for _, tc := range []struct {
		name string
		args []string
	}{
		{name: "backend", args: []string{"--backend=usbip"}},
		{name: "log level", args: []string{"--log-level=loud"}},
		{name: "vendor", args: []string{"--vendor=apple"}},
		{name: "vendor range", args: []string{"--vendor=0x10000"}},
		{name: "queue", args: []string{"--rx-queue=-1"}},
		{name: "mtu", args: []string{"--netdev.mtu=-5"}},
		{name: "poll interval", args: []string{"--poll-interval=0s"}},
		{name: "unknown flag", args: []string{"--frobnicate"}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := loadConfig(tc.args)
			testutil.NotOk(t, err)
		})
	}
}

func TestLoadConfig_UnknownNetdevKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "idevncm.yaml")
	testutil.Ok(t, os.WriteFile(path, []byte("netdev:\n  bridge: br0\n"), 0o600))

	_, err := loadConfig([]string{"--config", path})
	testutil.NotOk(t, err)
}
