package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/guardian-angel/synccore/pkg/config"
	"github.com/guardian-angel/synccore/pkg/core"
	"github.com/guardian-angel/synccore/pkg/logging"
	"github.com/guardian-angel/synccore/pkg/repair"
	syncpkg "github.com/guardian-angel/synccore/pkg/sync"
	"github.com/guardian-angel/synccore/pkg/types"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func main() {
	app := &cli.App{
		Name:  "synccore-agent",
		Usage: "local-first persistence & sync core daemon and admin CLI",
		Description: `Runs the synccore dispatcher loop as a long-lived local daemon, and
drives one-shot administrative operations against the same on-disk store.

The mobile application embeds the synccore library directly; this binary
exists for operators, CI and local development, the same way a KMS node's
own server binary exposes its library for standalone operation.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "data-dir",
				Aliases: []string{"d"},
				Usage:   "override SYNCCORE_DATA_DIR",
				EnvVars: []string{"SYNCCORE_DATA_DIR"},
			},
			&cli.BoolFlag{
				Name:    "debug",
				Usage:   "enable debug logging",
				EnvVars: []string{"SYNCCORE_DEBUG"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the pending-queue dispatcher, stall detector and emergency loop",
				Action: runServe,
			},
			{
				Name:   "health",
				Usage:  "print the current HealthAggregator report and exit",
				Action: runHealth,
			},
			{
				Name:  "repair",
				Usage: "issue a confirmation token for, then run, a repair action",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "action",
						Usage:    "rebuild_index | retry_failed_ops | verify_encryption | compact_boxes",
						Required: true,
					},
				},
				Action: runRepair,
			},
		},
		Action: func(c *cli.Context) error {
			return cli.ShowAppHelp(c)
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "synccore-agent: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if dir := c.String("data-dir"); dir != "" {
		cfg.DataDir = dir
	}
	if c.Bool("debug") {
		cfg.Debug = true
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.New(&logging.Config{Debug: cfg.Debug})
}

func runServe(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync()

	consumer := &loggingConsumer{logger: logger}
	svc, err := core.Open(context.Background(), cfg, core.NewProcessID(), core.Collaborators{
		Consumer: consumer,
	}, logger)
	if err != nil {
		return fmt.Errorf("open core: %w", err)
	}
	defer svc.Close()

	svc.RunTicker()
	defer svc.StopTicker()

	logger.Sugar().Infow("synccore-agent: serving", "data_dir", cfg.DataDir)

	stallTicker := time.NewTicker(cfg.StallCheckInterval)
	defer stallTicker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-sigCh:
			logger.Sugar().Infow("synccore-agent: shutting down")
			return nil
		case <-stallTicker.C:
			if err := svc.SampleStall(); err != nil {
				logger.Sugar().Errorw("synccore-agent: stall sample failed", "error", err)
			}
			if _, err := svc.ProcessEmergencyOnce(); err != nil {
				logger.Sugar().Errorw("synccore-agent: emergency processing failed", "error", err)
			}
		}
	}
}

func runHealth(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync()

	svc, err := core.Open(context.Background(), cfg, core.NewProcessID(), core.Collaborators{
		Consumer: &loggingConsumer{logger: logger},
	}, logger)
	if err != nil {
		return fmt.Errorf("open core: %w", err)
	}
	defer svc.Close()

	report, err := svc.Health()
	if err != nil {
		return fmt.Errorf("health: %w", err)
	}
	enc, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(enc))
	return nil
}

func runRepair(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync()

	action := repair.Action(c.String("action"))
	switch action {
	case repair.ActionRebuildIndex, repair.ActionRetryFailedOps, repair.ActionVerifyEncryption, repair.ActionCompactBoxes:
	default:
		return fmt.Errorf("unknown repair action: %s", action)
	}

	svc, err := core.Open(context.Background(), cfg, core.NewProcessID(), core.Collaborators{
		Consumer: &loggingConsumer{logger: logger},
	}, logger)
	if err != nil {
		return fmt.Errorf("open core: %w", err)
	}
	defer svc.Close()

	if err := svc.RunRepair(action); err != nil {
		return fmt.Errorf("repair %s: %w", action, err)
	}
	fmt.Printf("repair action %s completed\n", action)
	return nil
}

// loggingConsumer is the default Consumer when synccore-agent runs
// standalone: it logs delivery attempts and reports success, since the
// real domain delivery logic is supplied by the mobile app that embeds
// the library directly.
type loggingConsumer struct {
	logger *zap.Logger
}

func (l *loggingConsumer) OnQueueStart() {}
func (l *loggingConsumer) OnQueueEnd()   {}

func (l *loggingConsumer) Process(op *types.Operation) syncpkg.Result {
	l.logger.Sugar().Infow("synccore-agent: delivering operation", "op_id", op.ID, "entity_key", op.EntityKey, "priority", op.Priority)
	return syncpkg.Result{Kind: syncpkg.ResultSuccess}
}
