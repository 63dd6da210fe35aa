package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/ssellini/EMT/internal/common/config"
	"github.com/ssellini/EMT/internal/common/logger"
	"github.com/ssellini/EMT/internal/display"
)

const version = "1.0.0"

type options struct {
	configPath      string
	stopID          string
	watch           bool
	asJSON          bool
	lines           string
	filter          display.Filter
	toggleFavorite  string
	listFavorites   bool
	listHistory     bool
	clearHistory    bool
	exportFavorites string
	importFavorites string
}

func parseFlags(args []string) (options, error) {
	var opts options
	fset := flag.NewFlagSet("emt-tracker", flag.ContinueOnError)
	fset.StringVar(&opts.configPath, "config", "", "path to a YAML config file")
	fset.StringVar(&opts.stopID, "stop", "", "stop number to look up")
	fset.BoolVar(&opts.watch, "watch", false, "keep the board open and refresh it periodically")
	fset.BoolVar(&opts.asJSON, "json", false, "print boards as JSON")
	fset.StringVar(&opts.lines, "lines", "", "comma separated lines to show")
	fset.DurationVar(&opts.filter.MaxWait, "max-wait", 0, "hide lines whose next bus is further away than this")
	fset.StringVar(&opts.filter.Destination, "dest", "", "only show destinations containing this text")
	fset.StringVar(&opts.toggleFavorite, "fav", "", "add or remove a stop from favorites")
	fset.BoolVar(&opts.listFavorites, "favorites", false, "list favorite stops")
	fset.BoolVar(&opts.listHistory, "history", false, "list recently viewed stops")
	fset.BoolVar(&opts.clearHistory, "clear-history", false, "forget recently viewed stops")
	fset.StringVar(&opts.exportFavorites, "export-favorites", "", "write favorites to a JSON file")
	fset.StringVar(&opts.importFavorites, "import-favorites", "", "merge favorites from a JSON file")

	if err := fset.Parse(args); err != nil {
		return opts, err
	}

	if opts.stopID == "" && fset.NArg() > 0 {
		opts.stopID = fset.Arg(0)
	}
	for _, line := range strings.Split(opts.lines, ",") {
		if line = strings.TrimSpace(line); line != "" {
			opts.filter.Lines = append(opts.filter.Lines, line)
		}
	}
	return opts, nil
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		os.Exit(2)
	}

	// .env is optional
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintln(os.Stderr, "Failed to load .env file:", err)
		os.Exit(1)
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed to load configuration:", err)
		os.Exit(1)
	}

	loggerConfig := logger.DefaultLoggerConfig()
	loggerConfig.Level = logger.ParseLogLevel(cfg.Logging.Level)
	if cfg.Logging.FilePath != "" {
		loggerConfig.File = true
		loggerConfig.FilePath = cfg.Logging.FilePath
	}
	log := logger.FromConfig(loggerConfig)

	log.Info("EMT tracker starting",
		"version", version,
		"log_level", cfg.Logging.Level,
		"api_enabled", cfg.API.Enabled(),
		"proxies", len(cfg.Visor.Proxies),
		"database", cfg.Database.Enabled,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	out := newTerminalRenderer(opts.asJSON, opts.filter)

	a, err := newApp(ctx, cfg, log, out)
	if err != nil {
		log.Error("Failed to start", "error", err)
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	err = a.run(ctx, opts, os.Stdin)
	a.close()

	if err != nil {
		log.Debug("Command failed", "error", err)
		fmt.Fprintln(os.Stderr, describe(err))
		os.Exit(1)
	}
	log.Info("EMT tracker stopped")
}
