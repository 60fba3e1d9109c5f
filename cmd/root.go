package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	_ "github.com/marcboeker/go-duckdb"
	"github.com/spf13/cobra"

	"github.com/Living-with-machines/alto2txt2fixture/internal/config"
	"github.com/Living-with-machines/alto2txt2fixture/internal/state"
)

var (
	// Config flags, bound in init()
	cfgFile     string
	mountpoint  string
	outputDir   string
	reportDir   string
	dbPath      string
	collections []string
	maxElements int
	workers     int
	logFormat   string
	logLevel    string
	logOutput   string

	// Global instances populated in PersistentPreRunE
	rootLogger *slog.Logger
	dbConn     *sql.DB
	appConfig  config.Config
)

var rootCmd = &cobra.Command{
	Use:   "alto2txt2fixture",
	Short: "Convert alto2txt metadata archives into chunked JSON fixtures.",
	Long: `alto2txt2fixture reads zip archives of newspaper metadata XML and emits
normalized fixture records as bounded JSON chunk files, one report per
archive, with identifiers that stay stable across runs.

The primary command is 'run', which processes every archive found under the
mountpoint. 'fetch' downloads archives from HTTP index pages, 'export'
converts item fixtures to Parquet, and 'state' inspects the event log.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var level slog.Level
		switch strings.ToLower(logLevel) {
		case "debug":
			level = slog.LevelDebug
		case "info":
			level = slog.LevelInfo
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		default:
			level = slog.LevelInfo
		}

		var logWriter io.Writer = os.Stderr
		switch strings.ToLower(logOutput) {
		case "", "stderr":
		case "stdout":
			logWriter = os.Stdout
		default:
			f, err := os.OpenFile(logOutput, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
			if err != nil {
				return fmt.Errorf("failed to open log file %s: %w", logOutput, err)
			}
			logWriter = f
		}

		opts := &slog.HandlerOptions{Level: level}
		var handler slog.Handler
		if logFormat == "json" {
			handler = slog.NewJSONHandler(logWriter, opts)
		} else {
			handler = slog.NewTextHandler(logWriter, opts)
		}
		rootLogger = slog.New(handler)
		slog.SetDefault(rootLogger)

		var err error
		appConfig, err = buildConfig(cmd)
		if err != nil {
			return err
		}
		rootLogger.Debug("Configuration loaded.", slog.Any("config", appConfig))

		if dbDir := filepath.Dir(appConfig.DbPath); appConfig.DbPath != ":memory:" && dbDir != "." {
			if err := os.MkdirAll(dbDir, 0o755); err != nil {
				return fmt.Errorf("failed to create database directory %s: %w", dbDir, err)
			}
		}

		rootLogger.Info("Opening DuckDB database.", slog.String("path", appConfig.DbPath))
		dbConn, err = sql.Open("duckdb", appConfig.DbPath)
		if err != nil {
			return fmt.Errorf("failed to open duckdb database (%s): %w", appConfig.DbPath, err)
		}
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err = dbConn.PingContext(pingCtx); err != nil {
			dbConn.Close()
			return fmt.Errorf("failed to ping duckdb database (%s): %w", appConfig.DbPath, err)
		}

		if err := state.InitializeSchema(dbConn); err != nil {
			dbConn.Close()
			return fmt.Errorf("failed to initialize database schema: %w", err)
		}
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if dbConn != nil {
			if err := dbConn.Close(); err != nil {
				rootLogger.Error("Failed to close DuckDB connection cleanly.", "error", err)
			}
		}
		return nil
	},
}

// buildConfig merges defaults, the optional YAML config file, and flags, in
// that order. A flag only overrides the file when it was set on the command
// line.
func buildConfig(cmd *cobra.Command) (config.Config, error) {
	cfg := config.Default()

	if cfgFile != "" {
		if err := config.LoadFile(cfgFile, &cfg); err != nil {
			return cfg, err
		}
	}

	flags := cmd.Flags()
	if flags.Changed("mountpoint") || cfg.Mountpoint == "" {
		cfg.Mountpoint = mountpoint
	}
	if flags.Changed("output") || cfg.OutputDir == "" {
		cfg.OutputDir = outputDir
	}
	if flags.Changed("report-dir") || cfg.ReportDir == "" {
		cfg.ReportDir = reportDir
	}
	if flags.Changed("db-path") || cfg.DbPath == "" {
		cfg.DbPath = dbPath
	}
	if flags.Changed("collections") || len(cfg.Collections) == 0 {
		cfg.Collections = collections
	}
	if flags.Changed("max-elements") || cfg.MaxElementsPerFile == 0 {
		cfg.MaxElementsPerFile = maxElements
	}
	if flags.Changed("workers") || cfg.NumWorkers == 0 {
		cfg.NumWorkers = workers
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Execute adds all child commands to the root command and runs it. Called
// once from main.
func Execute() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(fetchCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(stateCmd)

	if err := rootCmd.Execute(); err != nil {
		if rootLogger != nil {
			rootLogger.Error("Command execution failed.", "error", err)
		} else {
			fmt.Fprintf(os.Stderr, "Command execution failed: %v\n", err)
		}
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "YAML config file (flags override its values)")
	rootCmd.PersistentFlags().StringVarP(&mountpoint, "mountpoint", "m", config.DefaultMountpoint, "Directory holding <collection>-alto2txt/metadata/*.zip archives")
	rootCmd.PersistentFlags().StringVarP(&outputDir, "output", "o", config.DefaultOutputDir, "Directory for fixture chunk files")
	rootCmd.PersistentFlags().StringVar(&reportDir, "report-dir", config.DefaultReportDir, "Directory for per-archive JSON reports")
	rootCmd.PersistentFlags().StringVarP(&dbPath, "db-path", "d", config.DefaultDbPath, "Path to DuckDB state database file (:memory: for in-memory)")
	rootCmd.PersistentFlags().StringSliceVarP(&collections, "collections", "c", config.DefaultCollections, "Collections to process (can specify multiple)")
	rootCmd.PersistentFlags().IntVar(&maxElements, "max-elements", config.DefaultMaxElementsPerFile, "Maximum records per fixture chunk file")
	rootCmd.PersistentFlags().IntVarP(&workers, "workers", "w", runtime.NumCPU(), "Number of concurrent archive workers")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Log output format (text or json)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logOutput, "log-output", "stderr", "Log output destination (stderr, stdout, or file path)")

	rootCmd.Version = "0.1.0"
}

func getLogger() *slog.Logger {
	if rootLogger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return rootLogger
}

func getDB() *sql.DB {
	return dbConn
}

func getConfig() config.Config {
	return appConfig
}
