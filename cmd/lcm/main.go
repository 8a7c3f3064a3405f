// Package main provides the lcm CLI: database management, integrity
// scanning, and ad-hoc retrieval against the context store.
package main

import (
	"context"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/openclaw/lcm/pkg/db"
	"github.com/openclaw/lcm/pkg/db/migrations"
	"github.com/openclaw/lcm/pkg/expansion"
	"github.com/openclaw/lcm/pkg/expansionauth"
	"github.com/openclaw/lcm/pkg/logger"
	"github.com/openclaw/lcm/pkg/metrics"
	"github.com/openclaw/lcm/pkg/retrieval"
	"github.com/openclaw/lcm/pkg/store"
	"github.com/openclaw/lcm/pkg/telemetry"
	"github.com/openclaw/lcm/pkg/tokens"
	"github.com/openclaw/lcm/pkg/types/lcm"
	"github.com/openclaw/lcm/pkg/version"
)

func init() {
	defaults := lcm.DefaultConfig()
	viper.SetDefault("enabled", defaults.Enabled)
	viper.SetDefault("context_threshold", defaults.ContextThreshold)
	viper.SetDefault("fresh_tail_count", defaults.FreshTailCount)
	viper.SetDefault("leaf_chunk_tokens", defaults.LeafChunkTokens)
	viper.SetDefault("leaf_target_tokens", defaults.LeafTargetTokens)
	viper.SetDefault("condensed_target_tokens", defaults.CondensedTargetTokens)
	viper.SetDefault("leaf_batch_size", defaults.LeafBatchSize)
	viper.SetDefault("max_active_messages", defaults.MaxActiveMessages)
	viper.SetDefault("max_expand_tokens", defaults.MaxExpandTokens)
	viper.SetDefault("large_file_token_threshold", defaults.LargeFileTokenThreshold)
	viper.SetDefault("ingest_token_threshold", defaults.IngestTokenThreshold)
	viper.SetDefault("compaction_token_threshold", defaults.CompactionTokenThreshold)
	viper.SetDefault("target_tokens", defaults.TargetTokens)
	viper.SetDefault("retrieval_k", defaults.RetrievalK)

	viper.SetDefault("tracing.enabled", false)
	viper.SetDefault("tracing.sampler", "ratio")
	viper.SetDefault("tracing.ratio", 1)

	viper.SetDefault("log_level", "info")
	viper.SetDefault("log_format", "fmt")

	viper.SetEnvPrefix("OPENCLAW")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("$HOME/.openclaw")
	viper.AddConfigPath(".")

	if err := viper.ReadInConfig(); err == nil {
		logger.G(context.TODO()).WithField("config_file", viper.ConfigFileUsed()).Debug("using config file")
	}
}

var rootCmd = &cobra.Command{
	Use:   "lcm",
	Short: "lcm manages the lossless context store",
	Long:  `lcm is the admin CLI for the lossless context management engine: migrations, integrity scanning, and ad-hoc retrieval over the conversation store.`,
	Run: func(cmd *cobra.Command, _ []string) {
		cmd.Help()
		os.Exit(1)
	},
}

// loadConfig builds the engine configuration from the viper layers,
// rejecting out-of-range fields. Keys that match no Config field are
// ignored, not rejected.
func loadConfig() (lcm.Config, error) {
	cfg := lcm.DefaultConfig()
	if err := viper.Unmarshal(&cfg); err != nil {
		return lcm.Config{}, err
	}
	if cfg.DatabasePath == "" {
		path, err := lcm.DefaultDatabasePath()
		if err != nil {
			return lcm.Config{}, err
		}
		cfg.DatabasePath = path
	}
	if err := cfg.Validate(); err != nil {
		return lcm.Config{}, err
	}
	return cfg, nil
}

// runtime bundles the handles the CLI commands share.
type runtime struct {
	cfg       lcm.Config
	db        *db.DB
	store     *store.Store
	retrieval *retrieval.Engine
	orch      *expansion.Orchestrator
	recorder  *metrics.Recorder
}

func openRuntime(ctx context.Context) (*runtime, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}

	database, err := db.Open(ctx, cfg.DatabasePath)
	if err != nil {
		return nil, nil, err
	}

	set := migrations.All()
	if !database.FTSAvailable() {
		set = migrations.AllWithoutFTS()
	}
	if err := db.NewMigrationRunner(database.DB).Run(ctx, set); err != nil {
		database.Close()
		return nil, nil, err
	}

	st := store.New(database)
	est := tokens.NewTiktokenEstimator()
	rec := metrics.NewRecorder()
	auth := expansionauth.NewRegistry()
	ret := retrieval.New(st, est, auth, rec)

	rt := &runtime{
		cfg:       cfg,
		db:        database,
		store:     st,
		retrieval: ret,
		orch:      expansion.New(ret, auth),
		recorder:  rec,
	}
	return rt, func() { database.Close() }, nil
}

func main() {
	ctx := context.Background()

	cobra.OnInitialize(func() {
		if logLevel := viper.GetString("log_level"); logLevel != "" {
			if err := logger.SetLogLevel(logLevel); err != nil {
				logger.G(context.TODO()).WithError(err).Warn("invalid log level, using default")
			}
		}
		if logFormat := viper.GetString("log_format"); logFormat != "" {
			logger.SetLogFormat(logFormat)
		}
	})

	rootCmd.PersistentFlags().String("db-path", "", "Path to the lcm database (overrides config)")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (panic, fatal, error, warn, info, debug, trace)")
	rootCmd.PersistentFlags().String("log-format", "fmt", "Log format (json, fmt)")
	viper.BindPFlag("database_path", rootCmd.PersistentFlags().Lookup("db-path"))
	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("log_format", rootCmd.PersistentFlags().Lookup("log-format"))

	rootCmd.AddCommand(dbCmd)
	rootCmd.AddCommand(integrityCmd)
	rootCmd.AddCommand(grepCmd)
	rootCmd.AddCommand(describeCmd)
	rootCmd.AddCommand(expandCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(versionCmd)

	tracingShutdown, err := telemetry.InitTracer(ctx, telemetry.Config{
		Enabled:        viper.GetBool("tracing.enabled"),
		ServiceName:    "lcm",
		ServiceVersion: version.Get().Version,
		SamplerType:    viper.GetString("tracing.sampler"),
		SamplerRatio:   viper.GetFloat64("tracing.ratio"),
	})
	if err != nil {
		logger.G(ctx).WithError(err).Warn("failed to initialize tracing")
	} else {
		defer tracingShutdown(ctx)
	}

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		logger.G(ctx).WithError(err).Error("command failed")
		os.Exit(1)
	}
}
