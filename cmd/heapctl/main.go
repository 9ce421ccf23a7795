package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"

	"github.com/orizon-lang/heapcore/internal/cli"
	"github.com/orizon-lang/heapcore/internal/config"
	"github.com/orizon-lang/heapcore/internal/errors"
)

var commands = []cli.CommandInfo{
	{
		Name:        "replay",
		Description: "Replay a region allocator trace",
		Examples:    []string{"heapctl replay -seed 42 ops.trace", "heapctl replay -watch ops.trace"},
	},
	{
		Name:        "simulate",
		Description: "Drive a heap through allocation and collection cycles",
		Examples:    []string{"heapctl simulate -objects 5000 -cycles 4 -concurrent"},
	},
	{
		Name:        "config",
		Description: "Write, show or validate a configuration file",
		Examples:    []string{"heapctl config -init heap.json", "heapctl config -show heap.json"},
	},
	{
		Name:        "version",
		Description: "Show version information",
	},
}

func main() {
	if len(os.Args) < 2 {
		cli.PrintUsage(os.Stderr, "heapctl", "heap allocator tools", commands)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var err error
	switch cmd, args := os.Args[1], os.Args[2:]; cmd {
	case "replay":
		err = runReplay(ctx, args, os.Stdout)
	case "simulate":
		err = runSimulate(ctx, args, os.Stdout)
	case "config":
		err = runConfig(args, os.Stdout)
	case "version", "-version", "--version":
		fs := flag.NewFlagSet("version", flag.ExitOnError)
		jsonOutput := fs.Bool("json", false, "output in JSON format")
		_ = fs.Parse(args)
		err = cli.PrintVersion(os.Stdout, "heapctl", *jsonOutput)
	case "help", "-h", "-help", "--help":
		cli.PrintUsage(os.Stdout, "heapctl", "heap allocator tools", commands)
	default:
		cli.PrintUsage(os.Stderr, "heapctl", "heap allocator tools", commands)
		os.Exit(2)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		cli.ExitWithError("%v", err)
	}
}

// commonFlags are shared by the subcommands that build allocator state.
type commonFlags struct {
	configFile string
	verbose    bool
	jsonLogs   bool
}

func (c *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.configFile, "config", "", "configuration file (defaults apply when empty)")
	fs.BoolVar(&c.verbose, "v", false, "enable debug logging")
	fs.BoolVar(&c.jsonLogs, "log-json", false, "emit logs as JSON")
}

// load reads the configuration, applies environment overrides and builds the
// logger.
func (c *commonFlags) load() (*config.Config, *slog.Logger, error) {
	cfg := config.Default()
	if c.configFile != "" {
		loaded, err := config.Load(c.configFile)
		if err != nil {
			return nil, nil, err
		}
		cfg = loaded
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	level, _ := cfg.Level()
	if c.verbose {
		level = slog.LevelDebug
	}
	return cfg, cli.NewLogger(os.Stderr, level, c.jsonLogs), nil
}

func runConfig(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("config", flag.ExitOnError)
	var (
		initPath     string
		showPath     string
		validatePath string
	)
	fs.StringVar(&initPath, "init", "", "write the default configuration to this path")
	fs.StringVar(&showPath, "show", "", "print the effective configuration loaded from this path")
	fs.StringVar(&validatePath, "validate", "", "validate the configuration at this path")
	if err := fs.Parse(args); err != nil {
		return err
	}

	switch {
	case initPath != "":
		if _, err := os.Stat(initPath); err == nil {
			return fmt.Errorf("configuration file already exists: %s", initPath)
		}
		if err := config.Default().Save(initPath); err != nil {
			return err
		}
		fmt.Fprintf(out, "Configuration initialized: %s\n", initPath)
	case showPath != "":
		cfg, err := config.Load(showPath)
		if err != nil {
			return err
		}
		if err := cfg.ApplyEnv(os.Getenv); err != nil {
			return err
		}
		fmt.Fprintf(out, "%+v\n", *cfg)
	case validatePath != "":
		cfg, err := config.Load(validatePath)
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("configuration validation failed: %w", err)
		}
		fmt.Fprintf(out, "Configuration is valid: %s\n", validatePath)
	default:
		fs.Usage()
	}
	return nil
}
