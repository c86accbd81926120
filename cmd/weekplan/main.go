package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"weekplan/internal/config"
	appLog "weekplan/internal/log"
	"weekplan/internal/web"
)

type flagConfig struct {
	configPath string
	listen     string
	envFile    string
	once       bool
}

func main() {
	appLog.Info("weekplan starting", "version", "0.3.0")

	flags := parseFlags()

	// The env file only carries secrets (the git token); a missing file is
	// normal in deployments that inject the environment.
	if err := godotenv.Load(flags.envFile); err != nil {
		appLog.Debug("no env file loaded", "path", flags.envFile)
	}

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}
	if flags.listen != "" {
		conf.Listen = flags.listen
	}
	if conf.Sync.TokenEnv != "" {
		conf.Sync.Token = os.Getenv(conf.Sync.TokenEnv)
	}
	appLog.SetLevel(appLog.ParseLevel(conf.LogLevel))

	appLog.Info("effective config",
		"listen", conf.Listen,
		"timezone", conf.Timezone,
		"date_format", conf.DateFormat,
		"datasets", len(conf.Datasets),
		"staging", conf.Staging.Enabled,
		"sync", conf.Sync.Enabled,
		"push_delay", conf.PushDelayDuration().String(),
		"once", flags.once,
	)

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		appLog.Info("signal received, shutting down", "signal", sig.String())
		cancel()
	}()

	a, err := newApp(ctx, conf)
	if err != nil {
		appLog.Error("failed to initialize", err)
		os.Exit(1)
	}

	if flags.once {
		if err := a.runOnce(ctx); err != nil {
			appLog.Error("single run failed", err)
			a.deferred.Stop()
			os.Exit(1)
		}
		a.deferred.Stop()
		appLog.Info("weekplan exiting")
		return
	}

	server := web.NewServer(conf, a.engine)

	c := cron.New(
		cron.WithLocation(conf.Location()),
		cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)),
	)
	if err := a.schedule(c, server); err != nil {
		appLog.Error("failed to schedule jobs", err)
		os.Exit(1)
	}
	c.Start()

	httpServer := &http.Server{
		Addr:              conf.Listen,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+conf.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLog.Error("HTTP server failed", err)
			cancel()
		}
	}()

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		appLog.Warn("HTTP shutdown incomplete", err)
	}
	<-c.Stop().Done()

	// Pending deferred pushes are dropped; the files are already durable
	// and the next sync picks them up.
	server.Close()
	a.deferred.Stop()
	appLog.Info("weekplan exiting")
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "config.yaml", "Path to config file")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.StringVar(&cfg.envFile, "env", ".env", "Env file with secrets such as the git token")
	flag.BoolVar(&cfg.once, "once", false, "Compact (and sync) every dataset once and exit")

	flag.Parse()

	return cfg
}
