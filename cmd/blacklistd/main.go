// Command blacklistd maintains a blacklist of network addresses, managed via
// a line console on stdin, and an optional HTTP API with a websocket change
// feed.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joeycumines/go-callcore/blacklist"
	"github.com/joeycumines/go-callcore/sched"
	"golang.org/x/sync/errgroup"
	ini "gopkg.in/ini.v1"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	flags := flag.NewFlagSet(`blacklistd`, flag.ContinueOnError)
	flags.SetOutput(stderr)
	configPath := flags.String(`config`, ``, `path to an ini config file`)
	if err := flags.Parse(args); err != nil {
		return 2
	}

	cfg := ini.Empty()
	if *configPath != `` {
		var err error
		if cfg, err = ini.Load(*configPath); err != nil {
			fmt.Fprintf(stderr, "blacklistd: %v\n", err)
			return 1
		}
	}

	settings, err := LoadSettings(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "blacklistd: config: %v\n", err)
		return 1
	}

	if err := serve(ctx, settings, stdin, stdout, stderr); err != nil {
		fmt.Fprintf(stderr, "blacklistd: %v\n", err)
		return 1
	}

	return 0
}

func serve(ctx context.Context, settings *Settings, stdin io.Reader, stdout, stderr io.Writer) (err error) {
	logger, logCloser := newLogger(settings, stderr)
	defer func() {
		if cerr := logCloser.Close(); err == nil {
			err = cerr
		}
	}()

	defer tuneRuntime(settings, logger)()

	s, err := sched.New(settings.SchedWorkers,
		sched.WithLogger(logger),
		sched.WithName(`blacklistd`),
		sched.WithCoalesce(settings.SchedCoalesce),
	)
	if err != nil {
		return err
	}
	defer s.Close()

	h := newHub(logger)

	config := settings.blacklistConfig()
	config.Scheduler = s
	config.Logger = logger
	config.OnChange = h.publish
	bl, err := blacklist.New(config)
	if err != nil {
		return err
	}
	defer func() {
		if settings.StateFile != `` {
			if serr := saveState(settings.StateFile, bl); serr != nil {
				logger.Err().Err(serr).Log(`failed to save state`)
			}
		}
		_ = bl.Close()
	}()

	if settings.StateFile != `` {
		n, err := loadState(settings.StateFile, bl)
		if err != nil {
			return err
		}
		logger.Info().
			Str(`file`, settings.StateFile).
			Int(`restored`, n).
			Log(`loaded state`)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return h.run(ctx) })

	if settings.HTTPListen != `` {
		ln, err := net.Listen(`tcp`, settings.HTTPListen)
		if err != nil {
			return err
		}
		srv := &http.Server{
			Handler: (&server{bl: bl, hub: h, logger: logger}).handler(),
		}
		logger.Info().
			Str(`addr`, ln.Addr().String()).
			Log(`http listening`)
		g.Go(func() error {
			if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), settings.HTTPShutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if settings.Console {
		c := &console{bl: bl, sched: s, out: stdout}
		g.Go(func() error {
			err := c.run(ctx, stdin)
			if err == nil && ctx.Err() == nil && settings.HTTPListen == `` {
				// stdin closed and there's nothing else to serve
				return errQuit
			}
			return err
		})
	}

	logger.Info().Log(`blacklistd started`)

	if err := g.Wait(); err != nil && !errors.Is(err, errQuit) {
		return err
	}

	logger.Info().Log(`blacklistd stopped`)

	return nil
}
