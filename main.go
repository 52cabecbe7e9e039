package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/godbus/dbus/v5"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/trbjo/idled/audio"
	"github.com/trbjo/idled/command"
	"github.com/trbjo/idled/config"
	"github.com/trbjo/idled/engine"
	"github.com/trbjo/idled/logger"
	"github.com/trbjo/idled/login"
	"github.com/trbjo/idled/screensaver"
	"github.com/trbjo/idled/upower"
	"github.com/trbjo/idled/usb"
	"github.com/trbjo/idled/wayland"
)

var lg = logger.Slog

// commandGrace bounds how long shutdown waits for commands that are still
// running, such as an after_sleep_cmd started just before SIGTERM.
const commandGrace = 2 * time.Second

type options struct {
	configPath string
	seat       string
	verbose    int
	quiet      int
}

func (o *options) path() string {
	if o.configPath != "" {
		return o.configPath
	}
	return config.Path()
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "idled",
		Short: "Idle management daemon for Wayland sessions",
		Long: `idled runs commands when the session has been idle for a while. Timeouts
can depend on the power supply and attached USB devices, and are suspended
while applications, logind or audio playback inhibit idling.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logger.SetLevel(logger.FromVerbosity(opts.verbose, opts.quiet))
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context(), opts)
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "config file (default $XDG_CONFIG_HOME/idled/config.toml, or $IDLED_CONFIG)")
	flags.CountVarP(&opts.verbose, "verbose", "v", "increase log verbosity, repeatable")
	flags.CountVarP(&opts.quiet, "quiet", "q", "decrease log verbosity, repeatable")
	cmd.Flags().StringVar(&opts.seat, "seat", "seat0", "wayland seat to watch")

	cmd.AddCommand(
		newStatusCmd(),
		newReloadCmd(),
		newLogLevelCmd(),
		newCheckConfigCmd(opts),
	)
	return cmd
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func runDaemon(ctx context.Context, opts *options) error {
	path := opts.path()
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	systemConn, err := dbus.ConnectSystemBus()
	if err != nil {
		return fmt.Errorf("connect to system bus: %w", err)
	}
	defer systemConn.Close()

	sessionConn, err := dbus.ConnectSessionBus()
	if err != nil {
		return fmt.Errorf("connect to session bus: %w", err)
	}
	defer sessionConn.Close()

	var reactor *engine.Reactor
	var saver *screensaver.Service
	emit := func(ev engine.Event) { reactor.Emit(ev) }

	notifier, err := wayland.New(opts.seat, emit)
	if err != nil {
		return err
	}
	defer notifier.Close()

	runner := command.NewRunner()
	reactor = engine.NewReactor(cfg, engine.Options{
		Notifier: notifier,
		Runner:   runner,
		Devices:  usb.NewEnumerator(usb.DevicesPath),
		OnLockChange: func(s engine.LockSnapshot) {
			saver.ActiveChanged(s.Active())
		},
	})
	saver = screensaver.New(sessionConn, reactor)

	g, ctx := errgroup.WithContext(ctx)

	reload := func() error {
		sdNotify(daemon.SdNotifyReloading)
		defer sdNotify(daemon.SdNotifyReady)
		cfg, err := config.Load(path)
		if err != nil {
			lg.Error("Keeping current configuration", "error", err)
			return err
		}
		return reactor.Send(ctx, engine.ConfigReloaded{Config: cfg})
	}

	if err := setupDbus(sessionConn, &IdledDbus{backend: reactor, reload: reload}); err != nil {
		return err
	}

	g.Go(func() error {
		if err := reactor.Run(ctx); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		err := notifier.Run()
		if ctx.Err() != nil {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-ctx.Done()
		return notifier.Close()
	})
	g.Go(func() error {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-hup:
				lg.Info("SIGHUP received, reloading")
				reload()
			}
		}
	})

	runSource(ctx, g, "config", func(ctx context.Context) error {
		return config.NewWatcher(path, 0).Run(ctx, func() {
			lg.Info("Configuration changed, reloading", "path", path)
			reload()
		})
	})
	runSource(ctx, g, "screensaver", saver.Run)
	runSource(ctx, g, "upower", upower.New(systemConn, emit).Run)
	runSource(ctx, g, "login", login.New(systemConn, emit, !cfg.Settings.Ignore.Session).Run)
	runSource(ctx, g, "usb", usb.NewMonitor(emit).Run)
	if !cfg.Settings.Ignore.Audio {
		runSource(ctx, g, "audio", audio.New(emit).Run)
	}

	sdNotify(daemon.SdNotifyReady)
	lg.Info("idled started", "config", path, "listeners", len(cfg.Listeners))

	err = g.Wait()
	sdNotify(daemon.SdNotifyStopping)

	waitCtx, cancel := context.WithTimeout(context.Background(), commandGrace)
	defer cancel()
	if werr := runner.Wait(waitCtx); werr != nil {
		lg.Warn("Leaving commands running on exit", "error", werr)
	}
	return err
}

// runSource runs an event source whose failure degrades the daemon but
// does not stop it.
func runSource(ctx context.Context, g *errgroup.Group, name string, run func(context.Context) error) {
	g.Go(func() error {
		if err := run(ctx); err != nil && ctx.Err() == nil {
			lg.Error("Event source stopped", "source", name, "error", err)
		}
		return nil
	})
}

func sdNotify(state string) {
	if _, err := daemon.SdNotify(false, state); err != nil {
		lg.Debug("sd_notify failed", "state", state, "error", err)
	}
}
