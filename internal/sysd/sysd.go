// Package sysd integrates the uplink with systemd: readiness and watchdog
// notifications, and keeping ModemManager off the modem UART.
package sysd

import (
	"context"
	"fmt"
	"time"

	sdbus "github.com/coreos/go-systemd/v22/dbus"
	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/godbus/dbus/v5"

	"github.com/JRGInc/Water-Meter-Imager/internal/logging"
)

// Ready tells systemd the service is up. Outside systemd it does nothing.
func Ready() error {
	_, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	return err
}

// Stopping tells systemd the service is shutting down.
func Stopping() error {
	_, err := daemon.SdNotify(false, daemon.SdNotifyStopping)
	return err
}

// Watchdog pings the systemd watchdog at half its timeout until ctx ends. It
// returns nil at once when the watchdog is not enabled for this unit.
func Watchdog(ctx context.Context) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		return fmt.Errorf("watchdog: %w", err)
	}
	if interval == 0 {
		return nil
	}

	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
				return fmt.Errorf("watchdog: %w", err)
			}
		}
	}
}

const (
	modemManagerBusName = "org.freedesktop.ModemManager1"
	modemManagerUnit    = "ModemManager.service"
)

// ModemManagerGuard stops ModemManager when it is running, since it opens
// every tty it finds and corrupts AT sessions in flight.
type ModemManagerGuard struct {
	// OnBus reports whether ModemManager owns its bus name.
	OnBus func(ctx context.Context) (bool, error)
	// StopUnit stops a systemd unit and waits for the job.
	StopUnit func(ctx context.Context, unit string) error
	Log      logging.Logger
}

// NewModemManagerGuard returns a guard talking to the system bus.
func NewModemManagerGuard(log logging.Logger) *ModemManagerGuard {
	return &ModemManagerGuard{OnBus: busNameOwned, StopUnit: stopUnit, Log: log}
}

// Release stops ModemManager if it is on the bus.
func (g *ModemManagerGuard) Release(ctx context.Context) error {
	log := logging.OrNop(g.Log)
	running, err := g.OnBus(ctx)
	if err != nil {
		return fmt.Errorf("query %s: %w", modemManagerBusName, err)
	}
	if !running {
		return nil
	}
	log.Warn("%s is running and would contend for the modem UART, stopping %s", modemManagerBusName, modemManagerUnit)
	if err := g.StopUnit(ctx, modemManagerUnit); err != nil {
		return fmt.Errorf("stop %s: %w", modemManagerUnit, err)
	}
	return nil
}

func busNameOwned(ctx context.Context) (bool, error) {
	// Shared connection, must not be closed.
	conn, err := dbus.SystemBus()
	if err != nil {
		return false, err
	}
	var owned bool
	call := conn.BusObject().CallWithContext(ctx, "org.freedesktop.DBus.NameHasOwner", 0, modemManagerBusName)
	if err := call.Store(&owned); err != nil {
		return false, err
	}
	return owned, nil
}

func stopUnit(ctx context.Context, unit string) error {
	conn, err := sdbus.NewWithContext(ctx)
	if err != nil {
		return fmt.Errorf("connect to system manager: %w", err)
	}
	defer conn.Close()

	resultChan := make(chan string, 1)
	if _, err := conn.StopUnitContext(ctx, unit, "replace", resultChan); err != nil {
		return err
	}
	select {
	case result := <-resultChan:
		if result != "done" {
			return fmt.Errorf("stop job finished with %q", result)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
