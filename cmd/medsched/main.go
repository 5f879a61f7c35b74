package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	_ "time/tzdata"

	"medsched/internal/config"
	"medsched/internal/engine"
	"medsched/internal/jobs"
	appLog "medsched/internal/log"
	"medsched/internal/model"
	"medsched/internal/schedule"
	"medsched/internal/store"
	"medsched/internal/web"
)

var version = "0.1.0"

type flagConfig struct {
	configPath string
	listen     string
	once       bool
}

func main() {
	appLog.Info("medsched starting", "version", version)

	flags := parseFlags()

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}
	appLog.SetLevel(appLog.ParseLevel(conf.LogLevel))

	// CLI --listen overrides config file listen if provided.
	if flags.listen != "" {
		conf.Listen = flags.listen
	}

	appLog.Info("effective config",
		"listen", conf.Listen,
		"timezone", conf.Timezone,
		"database", conf.Database,
		"materialize", conf.MaterializeCron,
		"refresh", conf.RefreshCron,
		"users", len(conf.Users),
		"once", flags.once,
	)

	st, err := store.Open(conf.Database)
	if err != nil {
		appLog.Error("failed to open database", err, "path", conf.Database)
		os.Exit(1)
	}
	defer st.Close()

	svc := schedule.NewService(st, engine.New(engineOptions(conf)))

	runner, err := jobs.NewRunner(jobs.Config{
		MaterializeSpec: conf.MaterializeCron,
		RefreshSpec:     conf.RefreshCron,
		Users:           conf.Users,
		Location:        conf.Location(),
	}, svc)
	if err != nil {
		appLog.Error("failed to set up jobs", err)
		os.Exit(1)
	}

	if flags.once {
		runner.RunOnce()
		for user, n := range runner.PendingCounts() {
			appLog.Info("pending doses", "user", user, "pending", n)
		}
		appLog.Info("medsched exiting")
		return
	}

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := runner.Start(); err != nil {
		appLog.Error("failed to start jobs", err)
		os.Exit(1)
	}
	defer runner.Stop()

	if err := web.NewServer(conf, svc).Run(ctx); err != nil {
		appLog.Error("http server failed", err, "listen", conf.Listen)
		return
	}
	appLog.Info("medsched exiting")
}

func engineOptions(conf *config.Config) engine.Options {
	opts := engine.Options{
		Location:             conf.Location(),
		BaseHour:             conf.Engine.BaseHour,
		WeeklyDefaultDays:    conf.Engine.WeeklyDefaultDays,
		DailyHorizonDays:     conf.Engine.DailyHorizonDays,
		WeeklyHorizonWeeks:   conf.Engine.WeeklyHorizonWeeks,
		MonthlyHorizonMonths: conf.Engine.MonthlyHorizonMonths,
		MaxOccurrences:       conf.Engine.MaxOccurrences,
	}
	if c, err := model.ParseClock(conf.Engine.DefaultTime); err == nil {
		opts.DefaultTime = &c
	}
	return opts
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "/etc/medsched/config.yaml", "Path to config file")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.BoolVar(&cfg.once, "once", false, "Materialize and refresh every configured user once, then exit")

	flag.Parse()

	return cfg
}
