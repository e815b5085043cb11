package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/drover-io/drover/cluster"
	"github.com/drover-io/drover/cluster/aws"
	"github.com/drover-io/drover/cluster/docker"
	"github.com/drover-io/drover/config"
	"github.com/drover-io/drover/coord"
	"github.com/drover-io/drover/internal/poll"
	"github.com/drover-io/drover/notify"
	"github.com/drover-io/drover/status"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func buildLogger(level string) (*zap.SugaredLogger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parsing log level %q: %w", level, err)
	}
	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(lvl)
	l, err := zapCfg.Build()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return l.Sugar(), nil
}

func buildBackend(logger *zap.SugaredLogger, cfg *config.Config) (cluster.Backend, []cluster.Service, error) {
	switch cfg.Backend {
	case "aws":
		backend := aws.NewBackend(cfg.Region).WithLogger(logger)
		sess, err := backend.Session()
		if err != nil {
			return nil, nil, fmt.Errorf("building AWS session: %w", err)
		}
		refresher := aws.NewCredentialsRefresher(logger, sess, 0)
		return backend, []cluster.Service{refresher}, nil
	case "docker":
		backend, err := docker.NewBackend()
		if err != nil {
			return nil, nil, fmt.Errorf("building Docker backend: %w", err)
		}
		return backend.WithLogger(logger), nil, nil
	default:
		return nil, nil, fmt.Errorf("unsupported backend %q", cfg.Backend)
	}
}

func run(ctx *cli.Context) error {
	logger, err := buildLogger(ctx.String("log-level"))
	if err != nil {
		return err
	}
	defer logger.Sync()

	cfg, err := config.Load(ctx.String("config"))
	if err != nil {
		return err
	}

	backend, auxiliaries, err := buildBackend(logger, cfg)
	if err != nil {
		return err
	}

	coordClient := coord.NewClient(logger, cfg.Coordination.Endpoint, cfg.ClusterName)

	seq := cluster.NewSequencer(backend, cfg.ClusterName).WithLogger(logger)
	seq.NFSParentDir = cfg.NFSParentDir
	seq.LogRootDir = cfg.LogRootDir

	launcher := cluster.NewLauncher(cfg.ClusterName, backend, coordClient, seq, cfg.Master.ToPlan(), cfg.Worker.ToPlan()).
		WithLogger(logger).
		WithWorkDirRoot(cfg.WorkDirRoot).
		WithReadiness(poll.Config{Interval: cfg.Readiness.Interval.Std(), Timeout: cfg.Readiness.Timeout.Std()}).
		WithHaltTimeout(cfg.HaltTimeout.Std())

	auxiliaries = append(auxiliaries, status.NewServer(logger, launcher, cfg.Status.ListenAddr))
	launcher.WithAuxiliaryServices(auxiliaries...)

	var mailer *notify.Mailer
	if cfg.Email.Enabled {
		mailer = notify.NewMailer(logger, cfg.Email.Host, cfg.Email.Port, cfg.Email.From, cfg.Email.To).
			WithCredentials(cfg.Email.Username, cfg.Email.Password)
	}

	stop := func(reason string) {
		logger.Infow("shutting down", "reason", reason)
		stopCtx := context.Background()
		err := launcher.Stop(stopCtx)
		if err != nil {
			logger.Errorw("shutdown completed with failures", "error", err)
		}
		if mailer != nil {
			report := ""
			if err != nil {
				report = err.Error()
			}
			if mailErr := mailer.SendShutdownNotice(cfg.ClusterName, report); mailErr != nil {
				logger.Errorw("failed to send shutdown notification", "error", mailErr)
			}
		}
	}

	// The handler must be in place before Launch; provisioning can block for
	// the full readiness timeout and a signal during that window still has to
	// run the shutdown steps.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	launchCtx, cancelLaunch := context.WithCancel(ctx.Context)
	defer cancelLaunch()

	launchErr := make(chan error, 1)
	go func() {
		_, err := launcher.Launch(launchCtx)
		launchErr <- err
	}()

	select {
	case sig := <-sigCh:
		cancelLaunch()
		<-launchErr
		stop(fmt.Sprintf("received %s during launch", sig))
		return nil
	case err := <-launchErr:
		if err != nil {
			logger.Errorw("launch failed", "error", err)
			stop("launch failure")
			return fmt.Errorf("launching cluster: %w", err)
		}
	}

	ident := launcher.Identity()
	logger.Infow("cluster is up", "cluster", ident.Name, "clusterId", ident.ID,
		"master", launcher.MasterAddress())

	sig := <-sigCh
	stop(fmt.Sprintf("received %s", sig))
	return nil
}

func main() {
	app := &cli.App{
		Name:  "drover",
		Usage: "launches and supervises a master/worker compute cluster",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "config",
				Usage:    "Path to the YAML config file.",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level. One of [debug,info,warn,error].",
				Value: "info",
			},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
