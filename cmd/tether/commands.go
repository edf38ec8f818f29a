package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	units "github.com/docker/go-units"

	"github.com/loykin/tether/internal/config"
	"github.com/loykin/tether/internal/logger"
	"github.com/loykin/tether/internal/service"
	"github.com/loykin/tether/pkg/client"
)

type command struct {
	// now is used for uptime columns; nil means time.Now.
	now func() time.Time
}

// Run loads the ecosystem file and supervises it until ctx is cancelled or
// the process receives SIGINT/SIGTERM. Validation errors are returned before
// any child is launched.
func (c command) Run(ctx context.Context, f RunFlags) error {
	if f.ConfigPath == "" {
		return errors.New("ecosystem file required: tether run -c ecosystem.toml")
	}
	cfg, err := config.Load(f.ConfigPath)
	if err != nil {
		if config.IsValidation(err) {
			return fmt.Errorf("invalid ecosystem file %s:\n%w", f.ConfigPath, err)
		}
		return err
	}
	if f.LogLevel != "" {
		cfg.Log.Level = f.LogLevel
	}
	if f.Daemonize {
		return daemonize(os.Stdout, os.Args[1:], f)
	}

	log, closer := logger.Setup(cfg.Log)
	defer func() { _ = closer.Close() }()
	slog.SetDefault(log)

	if f.PidFile != "" {
		release, err := acquirePidFile(f.PidFile, os.Getpid())
		if err != nil {
			return err
		}
		defer release()
	}

	svc, err := service.New(cfg, service.Options{Logger: log})
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return svc.Run(ctx)
}

func (c command) Start(ctx context.Context, out io.Writer, api APIFlags, f TargetFlags) error {
	cl, err := c.targetClient(api, f.Name)
	if err != nil {
		return err
	}
	if err := cl.Start(ctx, f.Name); err != nil {
		return wrapAPIError(api, err)
	}
	return c.printTarget(ctx, out, cl, api, f.Name)
}

func (c command) Restart(ctx context.Context, out io.Writer, api APIFlags, f TargetFlags) error {
	cl, err := c.targetClient(api, f.Name)
	if err != nil {
		return err
	}
	if err := cl.Restart(ctx, f.Name); err != nil {
		return wrapAPIError(api, err)
	}
	return c.printTarget(ctx, out, cl, api, f.Name)
}

func (c command) Stop(ctx context.Context, out io.Writer, api APIFlags, f TargetFlags) error {
	cl, err := c.targetClient(api, f.Name)
	if err != nil {
		return err
	}
	res, err := cl.Stop(ctx, f.Name, f.Wait)
	if err != nil {
		return wrapAPIError(api, err)
	}
	if res.Pending {
		_, _ = fmt.Fprintf(out, "%s is still stopping\n", f.Name)
	}
	return c.printTarget(ctx, out, cl, api, f.Name)
}

func (c command) Status(ctx context.Context, out io.Writer, api APIFlags, f StatusFlags) error {
	cl, err := newClient(api)
	if err != nil {
		return err
	}
	sts, err := cl.Status(ctx, f.Name)
	if err != nil {
		return wrapAPIError(api, err)
	}
	if f.JSON {
		return printJSON(out, sts)
	}
	return c.printTable(out, sts)
}

func (c command) targetClient(api APIFlags, name string) (*client.Client, error) {
	if name == "" {
		return nil, errors.New("--name is required")
	}
	if !config.ValidName(name) {
		return nil, fmt.Errorf("invalid name %q", name)
	}
	return newClient(api)
}

func (c command) printTarget(ctx context.Context, out io.Writer, cl *client.Client, api APIFlags, name string) error {
	sts, err := cl.Status(ctx, name)
	if err != nil {
		return wrapAPIError(api, err)
	}
	return c.printTable(out, sts)
}

func newClient(api APIFlags) (*client.Client, error) {
	return client.New(client.Config{
		BaseURL:  api.URL,
		Timeout:  api.Timeout,
		Logger:   slog.Default(),
		CACert:   api.CACert,
		Insecure: api.Insecure,
	})
}

// wrapAPIError adds a hint when the daemon could not be reached at all.
func wrapAPIError(api APIFlags, err error) error {
	var apiErr *client.APIError
	if errors.As(err, &apiErr) {
		return err
	}
	return fmt.Errorf("daemon not reachable at %s (is 'tether run' active?): %w", api.URL, err)
}

func (c command) printTable(out io.Writer, sts []client.ProcessStatus) error {
	now := time.Now
	if c.now != nil {
		now = c.now
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "NAME\tPID\tSTATE\tRESTARTS\tUPTIME\tMEMORY\tLAST EXIT")
	for _, s := range sts {
		pid, uptime, mem := "-", "-", "-"
		if s.Running() {
			pid = fmt.Sprint(s.PID)
			if !s.StartedAt.IsZero() {
				uptime = units.HumanDuration(now().Sub(s.StartedAt))
			}
			if s.RSS > 0 {
				mem = units.BytesSize(float64(s.RSS))
			}
		}
		last := s.LastReason
		if last == "" {
			last = "-"
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n", s.Name, pid, s.State, s.Restarts, uptime, mem, last)
	}
	return tw.Flush()
}

func printJSON(out io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, string(b))
	return err
}
