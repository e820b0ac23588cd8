// JanusWM cellular uplink
// Sends queued meter images and logs to the collection server over a SIM800
// or SIM5320 modem.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/JRGInc/Water-Meter-Imager/internal/config"
	"github.com/JRGInc/Water-Meter-Imager/internal/devices"
	"github.com/JRGInc/Water-Meter-Imager/internal/logging"
	"github.com/JRGInc/Water-Meter-Imager/internal/modem"
	"github.com/JRGInc/Water-Meter-Imager/internal/sysd"
	"github.com/JRGInc/Water-Meter-Imager/internal/transport"
	"github.com/JRGInc/Water-Meter-Imager/internal/uplink"
)

// app is the wired uplink built from one configuration.
type app struct {
	cfg      *config.Config
	log      logging.Logger
	registry *prometheus.Registry
	modem    *modem.Modem
	uplink   *uplink.Uplink
	batch    *uplink.Batch
	hostname string
}

func newApp(path string) (*app, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	logging.Configure(logging.ParseLevel(cfg.Logging.Level), cfg.Logging.Journal)
	log := logging.New("uplink")

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "januswm"
	}

	driver, err := modem.New(cfg.Cellular.Modem, modem.Config{
		APN:             cfg.Cellular.APN,
		Address:         cfg.Cellular.Address,
		Port:            cfg.Cellular.Port,
		Hostname:        hostname,
		BringUpAttempts: cfg.Cellular.BringUpAttempts,
	})
	if err != nil {
		return nil, err
	}

	opener := transport.SerialOpener{
		Device:      cfg.Cellular.Device,
		Baud:        cfg.Cellular.Baud,
		ReadTimeout: cfg.Cellular.ReadTimeout,
	}
	log.Debug("serial settings: %s", opener.Settings())

	reset := devices.NewResetLine(cfg.Cellular.ResetPin, driver.ResetSteps())
	m := &modem.Modem{
		Driver:  driver,
		Opener:  opener,
		Reset:   reset,
		Log:     logging.New(driver.Name()),
		Timeout: cfg.Cellular.SessionTimeout,
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := uplink.MustNewMetrics(reg)

	u := &uplink.Uplink{
		Session:  m,
		Reset:    reset,
		Attempts: cfg.Cellular.Attempts,
		Log:      log,
		Metrics:  metrics,
	}

	b := &uplink.Batch{
		Lock:       &uplink.ModemLock{},
		Uplink:     u,
		Dir:        cfg.Paths.TransmitDir,
		LogDirs:    cfg.Paths.LogDirs,
		LogHistory: cfg.Paths.LogHistory,
		Hostname:   hostname,
		Log:        logging.New("batch"),
	}
	if cfg.Cellular.StopModemManager {
		b.Before = sysd.NewModemManagerGuard(logging.New("sysd")).Release
	}

	return &app{
		cfg:      cfg,
		log:      log,
		registry: reg,
		modem:    m,
		uplink:   u,
		batch:    b,
		hostname: hostname,
	}, nil
}

func rootCommand() *cobra.Command {
	var cfgPath string
	root := &cobra.Command{
		Use:           "januswm-uplink",
		Short:         "Cellular uplink for the JanusWM water meter imager",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "transmit ini file (default "+config.DefaultPath+")")

	load := func() (*app, error) { return newApp(cfgPath) }
	root.AddCommand(
		transmitCommand(load),
		batchCommand(load),
		serveCommand(load),
		signalCommand(load),
		netTimeCommand(load),
		controlCommand(load, "update-config", "Ask the server for pending configuration", modem.UpdateConfig),
		controlCommand(load, "clear-list", "Ask the server to clear the command list", modem.ClearList),
	)
	return root
}

// configureStdLog gives stdlib log lines a timestamp and the caller's file:line.
func configureStdLog() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
}

func main() {
	configureStdLog()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCommand().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
