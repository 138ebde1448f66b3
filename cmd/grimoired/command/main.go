/*
   Copyright The grimoire Authors.

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

//go:build linux

package command

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/containerd/log"
	sddaemon "github.com/coreos/go-systemd/v22/daemon"
	metrics "github.com/docker/go-metrics"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/grimoire-host/grimoire/core/consumer"
	"github.com/grimoire-host/grimoire/core/engine"
	"github.com/grimoire-host/grimoire/core/oracle"
	"github.com/grimoire-host/grimoire/core/pattern"
	"github.com/grimoire-host/grimoire/core/verdict"
	"github.com/grimoire-host/grimoire/defaults"
	"github.com/grimoire-host/grimoire/internal/config"
	"github.com/grimoire-host/grimoire/pkg/procinfo"
	"github.com/grimoire-host/grimoire/version"
)

// Exit codes of the daemon action.
const (
	exitConfig     = 2
	exitAttach     = 3
	exitRingBuffer = 4
)

// App returns the grimoired *cli.App.
func App() *cli.App {
	app := cli.NewApp()
	app.Name = "grimoired"
	app.Version = version.Version
	app.Usage = "behavioral syscall pattern detection daemon"
	app.Description = `
grimoired attaches an eBPF probe to the raw syscall entry tracepoint,
matches the event stream against a compiled-in catalog of multi-step
attack sequences, and logs (and optionally terminates) offenders.`
	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "Path to the configuration file",
			Value:   defaults.DefaultConfigPath,
		},
		&cli.StringFlag{
			Name:    "log-level",
			Aliases: []string{"l"},
			Usage:   "Set the logging level [trace, debug, info, warn, error, fatal, panic]",
			Value:   "info",
		},
		&cli.BoolFlag{
			Name:  "enforce",
			Usage: "Terminate processes whose match meets the enforcement severity",
		},
		&cli.BoolFlag{
			Name:  "disable",
			Usage: "Load the probe but leave the global enable gate down",
		},
		&cli.StringFlag{
			Name:  "log-path",
			Usage: "File receiving one JSON alert line per match",
		},
		&cli.StringFlag{
			Name:  "min-log-severity",
			Usage: "Lowest severity written to the alert log",
		},
		&cli.StringFlag{
			Name:  "min-enforce-severity",
			Usage: "Lowest severity eligible for termination",
		},
		&cli.StringFlag{
			Name:  "metrics-address",
			Usage: "Listener serving /metrics and /v1/health (empty to disable)",
		},
		&cli.StringFlag{
			Name:  "bpf-object",
			Usage: "Path to the compiled kernel probe object",
		},
	}
	app.Commands = []*cli.Command{
		configCommand,
		healthCommand,
	}
	app.Action = runDaemon
	return app
}

func loadConfig(cliContext *cli.Context) (*config.Config, error) {
	cfg := config.Default()
	if err := config.LoadFile(cliContext.String("config"), cfg, cliContext.IsSet("config")); err != nil {
		return nil, err
	}
	if cliContext.IsSet("enforce") {
		cfg.Enforce = cliContext.Bool("enforce")
	}
	if cliContext.IsSet("disable") {
		cfg.Enable = !cliContext.Bool("disable")
	}
	if v := cliContext.String("log-path"); v != "" {
		cfg.LogPath = v
	}
	if v := cliContext.String("min-log-severity"); v != "" {
		cfg.MinLogSeverity = v
	}
	if v := cliContext.String("min-enforce-severity"); v != "" {
		cfg.MinEnforceSeverity = v
	}
	if cliContext.IsSet("metrics-address") {
		cfg.MetricsAddress = cliContext.String("metrics-address")
	}
	if v := cliContext.String("bpf-object"); v != "" {
		cfg.BPFObjectPath = v
	}
	return cfg, nil
}

func runDaemon(cliContext *cli.Context) error {
	if err := log.SetLevel(cliContext.String("log-level")); err != nil {
		return cli.Exit(err, exitConfig)
	}

	cfg, err := loadConfig(cliContext)
	if err != nil {
		return cli.Exit(err, exitConfig)
	}
	if err := cfg.Validate(); err != nil {
		return cli.Exit(err, exitConfig)
	}

	catalog, err := pattern.Default()
	if err != nil {
		return cli.Exit(err, exitConfig)
	}

	writer, err := verdict.NewAlertWriter(cfg.LogPath)
	if err != nil {
		return cli.Exit(err, exitConfig)
	}
	defer writer.Close()

	orc, err := oracle.Load(cfg.BPFObjectPath, cfg.RingBufferBytes)
	if err != nil {
		if errors.Is(err, oracle.ErrRingBuffer) {
			return cli.Exit(err, exitRingBuffer)
		}
		return cli.Exit(err, exitAttach)
	}
	defer orc.Close()

	if err := orc.SetMonitored(catalog.MonitoredSet()); err != nil {
		return cli.Exit(err, exitAttach)
	}
	if err := orc.SetEnabled(cfg.Enable); err != nil {
		return cli.Exit(err, exitAttach)
	}

	minLog, minEnforce := cfg.Severities()
	eng := engine.New(catalog, procinfo.StringReader{}, engine.Config{
		ProcessTableCap: cfg.ProcessTableCap,
	})
	pipeline := verdict.NewPipeline(verdict.Config{
		Enforce:            cfg.Enforce,
		MinLogSeverity:     minLog,
		MinEnforceSeverity: minEnforce,
		GlobalWhitelist:    cfg.GlobalProcessWhitelist,
	}, writer, procinfo.NewResolver(), eng)
	loop := consumer.New(orc, eng, pipeline, consumer.Config{})

	ctx, stop := signal.NotifyContext(cliContext.Context, unix.SIGINT, unix.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return loop.Run(ctx)
	})
	if cfg.MetricsAddress != "" {
		srv := healthServer(cfg.MetricsAddress, loop)
		g.Go(srv.ListenAndServe)
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if _, err := sddaemon.SdNotify(false, sddaemon.SdNotifyReady); err != nil {
		log.G(ctx).WithError(err).Debug("sd_notify ready failed")
	}
	log.G(ctx).WithFields(log.Fields{
		"enforce":   cfg.Enforce,
		"patterns":  catalog.Len(),
		"monitored": len(catalog.MonitoredSet()),
	}).Info("grimoired running")

	err = g.Wait()
	if _, nerr := sddaemon.SdNotify(false, sddaemon.SdNotifyStopping); nerr != nil {
		log.G(ctx).WithError(nerr).Debug("sd_notify stopping failed")
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, context.Canceled) {
		return cli.Exit(err, 1)
	}
	return nil
}

func healthServer(addr string, loop *consumer.Loop) *http.Server {
	ns := metrics.NewNamespace("grimoire", "", nil)
	consumer.RegisterMetrics(ns, loop)
	metrics.Register(ns)

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/v1/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(loop.Health()); err != nil {
			log.L.WithError(err).Debug("health encode failed")
		}
	})
	return &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
}

var healthCommand = &cli.Command{
	Name:  "health",
	Usage: "Print the running daemon's health surface",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "address",
			Usage: "Metrics listener address of the running daemon",
			Value: defaults.DefaultMetricsAddress,
		},
	},
	Action: func(cliContext *cli.Context) error {
		url := "http://" + cliContext.String("address") + "/v1/health"
		client := &http.Client{Timeout: 3 * time.Second}
		resp, err := client.Get(url)
		if err != nil {
			return cli.Exit(err, 1)
		}
		defer resp.Body.Close()
		var health consumer.Health
		if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
			return cli.Exit(err, 1)
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(health)
	},
}
