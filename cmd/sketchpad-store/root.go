package main

import (
	"strings"

	"github.com/MarcoPoloResearchLab/sketchpad/backend/internal/codec"
	"github.com/MarcoPoloResearchLab/sketchpad/backend/internal/config"
	"github.com/MarcoPoloResearchLab/sketchpad/backend/internal/database"
	"github.com/MarcoPoloResearchLab/sketchpad/backend/internal/engine"
	"github.com/MarcoPoloResearchLab/sketchpad/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/sketchpad/backend/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// cli carries the configuration shared by every subcommand.
type cli struct {
	viper   *viper.Viper
	cfgFile string
}

func newRootCommand() *cobra.Command {
	app := &cli{viper: config.NewViper()}
	rootCmd := &cobra.Command{
		Use:           "sketchpad-store",
		Short:         "Event-sourced drawing document store",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return app.initConfig()
		},
	}
	app.setupFlags(rootCmd)

	rootCmd.AddCommand(
		app.serveCommand(),
		app.loadCommand(),
		app.inspectCommand(),
		app.replayCommand(),
		app.compactCommand(),
		app.checkpointCommand(),
		app.seedCommand(),
	)
	return rootCmd
}

func (a *cli) setupFlags(cmd *cobra.Command) {
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&a.cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", "console", "Log format (json, console)")

	a.bindFlag(cmd, "database.path", "database-path")
	a.bindFlag(cmd, "log.level", "log-level")
	a.bindFlag(cmd, "log.format", "log-format")
}

func (a *cli) bindFlag(cmd *cobra.Command, key, flag string) {
	if err := a.viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func (a *cli) initConfig() error {
	if strings.TrimSpace(a.cfgFile) == "" {
		return nil
	}
	a.viper.SetConfigFile(a.cfgFile)
	return a.viper.ReadInConfig()
}

// runtime is an opened store.
type runtime struct {
	config   config.AppConfig
	logger   *zap.Logger
	db       *gorm.DB
	engine   *engine.Engine
	registry *prometheus.Registry
}

func (a *cli) open() (*runtime, error) {
	appConfig, err := config.Load(a.viper)
	if err != nil {
		return nil, err
	}
	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return nil, err
	}
	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}

	registry := prometheus.NewRegistry()
	collector := telemetry.Multi(
		telemetry.NewLogCollector(logger, appConfig.SlowThreshold),
		telemetry.NewPrometheusCollector(registry),
	)
	documentEngine, err := engine.New(engine.Config{
		Database:          db,
		SnapshotFrequency: appConfig.SnapshotFrequency,
		Codec: codec.Options{
			Compress: appConfig.SnapshotCompression,
			Level:    appConfig.SnapshotCompressionLevel,
		},
		Collector: collector,
		Logger:    logger,
	})
	if err != nil {
		_ = database.Close(db)
		_ = logger.Sync()
		return nil, err
	}
	return &runtime{config: appConfig, logger: logger, db: db, engine: documentEngine, registry: registry}, nil
}

func (r *runtime) close() {
	if err := database.Close(r.db); err != nil {
		r.logger.Warn("database close failed", zap.Error(err))
	}
	_ = r.logger.Sync()
}
