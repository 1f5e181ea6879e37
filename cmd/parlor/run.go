package main

import (
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/zulandar/parlor/internal/completion"
	"github.com/zulandar/parlor/internal/config"
	"github.com/zulandar/parlor/internal/db"
	"github.com/zulandar/parlor/internal/gateway"
	"github.com/zulandar/parlor/internal/gateway/discord"
	"github.com/zulandar/parlor/internal/lobby"
	"github.com/zulandar/parlor/internal/logging"
	"github.com/zulandar/parlor/internal/persona"
	"github.com/zulandar/parlor/internal/session"
	"github.com/zulandar/parlor/internal/status"
)

// newGateway builds the chat gateway. Allows test override.
var newGateway = func(token string, logger *slog.Logger) (gateway.Gateway, error) {
	return discord.New(discord.AdapterOpts{BotToken: token, Logger: logger})
}

type runOptions struct {
	configPath string
	envFile    string
	personas   []string
}

func newRunCmd() *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the bot",
		Long: "Connects to Discord and serves every configured persona until interrupted.\n" +
			"Use --persona to serve only a subset; SIGINT or SIGTERM closes all open sessions and exits.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runParlor(cmd, opts)
		},
	}

	addConfigFlags(cmd, &opts.configPath, &opts.envFile)
	cmd.Flags().StringSliceVarP(&opts.personas, "persona", "p", nil, "only serve these persona IDs (repeatable)")
	return cmd
}

func addConfigFlags(cmd *cobra.Command, configPath, envFile *string) {
	cmd.Flags().StringVarP(configPath, "config", "c", "parlor.yaml", "path to Parlor config file")
	if envFile != nil {
		cmd.Flags().StringVar(envFile, "env-file", ".env", "optional .env file holding secrets")
	}
}

func runParlor(cmd *cobra.Command, opts runOptions) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.LoadSecrets(opts.envFile); err != nil {
		return err
	}

	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	logger := logging.New(cmd.ErrOrStderr(), level)
	discordgo.Logger = logging.DiscordgoLogger(logger)

	personas, err := cfg.BuildPersonas(opts.personas)
	if err != nil {
		return err
	}
	registry, err := persona.NewRegistry(personas)
	if err != nil {
		return err
	}

	client, err := newCompletionClient(cfg, logger)
	if err != nil {
		return err
	}
	if err := client.ValidateKey(cmd.Context()); err != nil {
		return fmt.Errorf("check API key: %w", err)
	}
	fmt.Fprintf(out, "API key OK\n")

	gormDB, err := openLedger(cfg)
	if err != nil {
		return err
	}
	if n, err := db.CloseDangling(gormDB, string(lobby.ReasonRestart)); err != nil {
		logger.Warn("close dangling session records", "err", tint.Err(err))
	} else if n > 0 {
		logger.Warn("closed session records left open by a previous run", "count", n)
	}
	ledger, err := lobby.NewGormLedger(gormDB)
	if err != nil {
		return err
	}

	gw, err := newGateway(cfg.DiscordToken, logger)
	if err != nil {
		return err
	}

	store := session.NewStore()
	controller, err := lobby.NewController(lobby.ControllerOpts{
		Gateway:      gw,
		Personas:     registry,
		Store:        store,
		Completer:    client,
		Ledger:       ledger,
		Logger:       logger,
		CloseCommand: cfg.Sessions.CloseCommand,
		CloseDelay:   cfg.CloseDelay(),
		ThinkingTTL:  cfg.ThinkingTTL(),
	})
	if err != nil {
		return err
	}
	reaper, err := lobby.NewReaper(lobby.ReaperOpts{
		Closer:      controller,
		Store:       store,
		IdleTimeout: cfg.IdleTimeout(),
		Schedule:    cfg.Sessions.ReaperSchedule,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	daemon, err := lobby.NewDaemon(lobby.DaemonOpts{
		Gateway:    gw,
		Controller: controller,
		Reaper:     reaper,
		Out:        out,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	statusDone := make(chan struct{})
	if cfg.Status.Addr != "" {
		go func() {
			defer close(statusDone)
			if err := status.Start(ctx, status.StartOpts{
				Addr:    cfg.Status.Addr,
				Store:   store,
				Records: ledger,
				Out:     out,
				Logger:  logger,
			}); err != nil {
				logger.Error("status server", "err", tint.Err(err))
			}
		}()
	} else {
		close(statusDone)
	}

	err = daemon.Run(ctx)
	stop()
	<-statusDone
	return err
}

func newCompletionClient(cfg *config.Config, logger *slog.Logger) (*completion.Client, error) {
	return completion.NewClient(completion.ClientOpts{
		BaseURL:           cfg.Completion.BaseURL,
		APIKey:            cfg.APIKey,
		Model:             cfg.Completion.Model,
		Temperature:       cfg.Completion.Temperature,
		ReadTimeout:       cfg.CompletionTimeout(),
		Referer:           cfg.Completion.Referer,
		Title:             cfg.Completion.Title,
		RequestsPerSecond: cfg.Completion.RequestsPerSecond,
		Logger:            logger,
	})
}

// openLedger connects to the configured database and migrates its schema.
func openLedger(cfg *config.Config) (*gorm.DB, error) {
	gormDB, err := db.Connect(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return nil, err
	}
	return gormDB, nil
}
