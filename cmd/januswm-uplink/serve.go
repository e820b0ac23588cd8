package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/JRGInc/Water-Meter-Imager/internal/handlers"
	"github.com/JRGInc/Water-Meter-Imager/internal/logging"
	"github.com/JRGInc/Water-Meter-Imager/internal/sysd"
	"github.com/JRGInc/Water-Meter-Imager/internal/uplink"
)

func serveCommand(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduled batch and the local status API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := load()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), a)
		},
	}
}

func serve(ctx context.Context, a *app) error {
	log := a.log
	log.Info("JanusWM uplink starting (%s, every %s)", a.modem.Name(), a.cfg.Transmit.Interval())

	g, ctx := errgroup.WithContext(ctx)

	h := &handlers.UplinkHandler{
		Batch:       a.batch,
		Uplink:      a.uplink,
		Modem:       a.modem,
		Variant:     a.modem.Name(),
		Hostname:    a.hostname,
		Log:         logging.New("api"),
		Lock:        a.batch.Lock,
		BaseContext: ctx,
	}

	addr := a.cfg.Server.Addr()
	srv := &http.Server{
		Addr:         addr,
		Handler:      handlers.NewRouter(h, a.registry),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	sched, err := uplink.NewSchedule(ctx, a.cfg.Transmit.Interval(), a.batch, logging.New("schedule"))
	if err != nil {
		return err
	}

	g.Go(func() error {
		log.Info("API listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		sched.Start()
		log.Info("Next batch at %s", time.Now().Add(a.cfg.Transmit.Interval()).Format(time.RFC3339))
		<-ctx.Done()
		<-sched.Stop().Done()
		return nil
	})

	g.Go(func() error {
		return sysd.Watchdog(ctx)
	})

	if err := sysd.Ready(); err != nil {
		log.Warn("sd_notify ready: %v", err)
	}

	g.Go(func() error {
		<-ctx.Done()
		log.Info("Shutting down uplink...")
		if err := sysd.Stopping(); err != nil {
			log.Warn("sd_notify stopping: %v", err)
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		h.Wait()
		return nil
	})

	err = g.Wait()
	log.Info("Uplink stopped")
	return err
}
