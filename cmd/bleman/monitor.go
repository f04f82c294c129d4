package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/srg/bleman/internal/device"
	"github.com/srg/bleman/internal/hardware/goble"
	"github.com/srg/bleman/internal/lifecycle"
	"github.com/srg/bleman/pkg/heartrate"
)

// monitorCmd represents the monitor command
var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Stream heart rate readings from a BLE monitor",
	Long: `Connect to a heart rate monitor and stream its readings.

The target is selected by name, address, advertised service, or numeric
identifier. The connection survives signal drops according to the
reconnect policy:

  same-address  reclaim the exact device that was lost (default)
  same-name     reclaim any device advertising the same name
  similar       reclaim whatever the original target selector accepts
  off           stay disconnected after a loss`,
	RunE: runMonitor,
}

var (
	monName      string
	monAddress   string
	monService   string
	monID        string
	monReconnect string
	monTimeout   time.Duration
	monSettle    time.Duration
	monStale     time.Duration
	monVerbose   bool
)

func init() {
	monitorCmd.Flags().StringVarP(&monName, "name", "n", "", "Target device name (substring, '*' for any)")
	monitorCmd.Flags().StringVarP(&monAddress, "address", "a", "", "Target device address")
	monitorCmd.Flags().StringVarP(&monService, "service", "s", "", "Target advertised service UUID (default 180d when no selector given)")
	monitorCmd.Flags().StringVar(&monID, "id", "", "Target device identifier (decimal or 0x hex)")
	monitorCmd.Flags().StringVarP(&monReconnect, "reconnect", "r", "", "Reconnect policy (same-address, same-name, similar, off)")
	monitorCmd.Flags().DurationVarP(&monTimeout, "timeout", "t", 0, "Claim timeout")
	monitorCmd.Flags().DurationVar(&monSettle, "settle", 0, "Delay between claim and configuration")
	monitorCmd.Flags().DurationVar(&monStale, "stale-after", 0, "Warn when no reading arrives for this long")
	monitorCmd.Flags().BoolVar(&monVerbose, "verbose", false, "Enable debug logging")
}

// monitorTarget builds the address matcher from the selector flags.
// With no selector, any device advertising the heart rate service
// qualifies.
func monitorTarget() (device.Address, error) {
	selectors := 0
	for _, s := range []string{monName, monAddress, monService, monID} {
		if s != "" {
			selectors++
		}
	}
	if selectors > 1 {
		return device.Address{}, fmt.Errorf("use only one of --name, --address, --service, --id")
	}

	switch {
	case monName != "":
		return device.AddressOfName(monName), nil
	case monAddress != "":
		return device.AddressOfIdentifier(device.IdentifierFromAddress(monAddress)), nil
	case monService != "":
		return device.AddressOfService(monService), nil
	case monID != "":
		id, err := strconv.ParseUint(strings.TrimPrefix(monID, "0x"), parseBase(monID), 64)
		if err != nil {
			return device.Address{}, fmt.Errorf("invalid --id %q: %w", monID, err)
		}
		return device.AddressOfIdentifier(id), nil
	default:
		return device.AddressOfService(heartrate.ServiceUUID), nil
	}
}

func parseBase(s string) int {
	if strings.HasPrefix(s, "0x") {
		return 16
	}
	return 10
}

func runMonitor(cmd *cobra.Command, args []string) error {
	logger, err := configureLogger(cmd)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	target, err := monitorTarget()
	if err != nil {
		return err
	}

	reconnect := cfg.Monitor.Reconnect
	if monReconnect != "" {
		reconnect = monReconnect
	}
	mode, err := lifecycle.ParseReconnectMode(reconnect)
	if err != nil {
		return err
	}

	claimTimeout := cfg.Monitor.ClaimTimeout
	if monTimeout > 0 {
		claimTimeout = monTimeout
	}
	settle := cfg.Monitor.SettleDelay
	if monSettle > 0 {
		settle = monSettle
	}
	stale := cfg.Monitor.StaleAfter
	if monStale > 0 {
		stale = monStale
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	hw, err := goble.New(logger)
	if err != nil {
		return err
	}
	defer hw.Close()

	bpm := color.New(color.FgGreen, color.Bold)
	status := color.New(color.FgYellow)

	var lastReading atomic.Int64

	// Assigned below; hooks only fire once Connect runs.
	var mon *heartrate.Monitor

	mon = heartrate.NewMonitor(hw, target, &lifecycle.Options{
		SettleDelay:   settle,
		ClaimTimeout:  claimTimeout,
		ReconnectMode: mode,
		Hooks: lifecycle.Hooks{
			OnConfigured: func() {
				lastReading.Store(time.Now().UnixNano())
				if loc, ok := mon.BodySensorLocation(); ok {
					status.Printf("connected (sensor on %s)\n", loc)
				} else {
					status.Println("connected")
				}
			},
			OnConnectionLost: func() {
				status.Println("connection lost")
			},
		},
	}, logger)

	mon.OnReading(func(m heartrate.Measurement) {
		lastReading.Store(time.Now().UnixNano())
		line := fmt.Sprintf("%3d bpm", m.HeartRate)
		if m.HasExpendedEnergy {
			line += fmt.Sprintf("  energy %d kJ", m.ExpendedEnergy)
		}
		if len(m.RRIntervals) > 0 {
			line += fmt.Sprintf("  rr %v", m.RRIntervals)
		}
		bpm.Println(line)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		fmt.Println("\nCtrl+C pressed, disconnecting...")
		cancel()
	}()

	status.Printf("looking for %s...\n", target)
	if err := mon.Connect(ctx, nil); err != nil {
		return err
	}

	// The staleness watchdog doubles as the session keep-alive: it runs
	// until Ctrl+C and flags sensors that silently stop notifying.
	watchdog := lifecycle.NewLoopDriver(mon.Peripheral, func(context.Context) error {
		if !mon.IsReady() {
			return nil
		}
		if since := time.Since(time.Unix(0, lastReading.Load())); since > stale {
			status.Printf("no reading for %s\n", since.Truncate(time.Second))
		}
		return nil
	}, logger)
	watchdog.TickInterval = stale

	err = watchdog.Run(ctx)

	if derr := mon.Disconnect(context.Background()); derr != nil && !errors.Is(derr, device.ErrAlreadyDisconnected) {
		logger.WithError(derr).Warn("Disconnect failed")
	}

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
