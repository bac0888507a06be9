// Package main is the entry point for modelgate.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/relayr/modelgate/internal/config"
	"github.com/relayr/modelgate/internal/gateway"
	"github.com/relayr/modelgate/internal/tui"
)

// loadEnvFiles loads .env from standard locations.
func loadEnvFiles() {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		_ = godotenv.Load()
		return
	}

	// Try loading from ~/.config/modelgate/.env first
	configEnv := filepath.Join(homeDir, ".config", "modelgate", ".env")
	if _, err := os.Stat(configEnv); err == nil {
		_ = godotenv.Load(configEnv)
	}

	// Also load local .env (can override)
	_ = godotenv.Load()
}

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "serve", "start":
			runServer(os.Args[2:])
			return
		case "init":
			runInit(os.Args[2:])
			return
		case "check-config":
			runCheckConfig(os.Args[2:])
			return
		case "version", "-v", "--version":
			PrintVersion()
			return
		case "help", "-h", "--help":
			printHelp()
			return
		}
	}

	runServer(os.Args[1:])
}

// resolveConfigPath resolves the config file for the serve command.
// Checks: user flag -> filesystem locations.
func resolveConfigPath(userConfig string) (string, error) {
	if userConfig != "" {
		if _, err := os.Stat(userConfig); err != nil {
			return "", fmt.Errorf("config file not found: %s", userConfig)
		}
		return userConfig, nil
	}

	homeDir, _ := os.UserHomeDir()

	searchPaths := []string{}
	if homeDir != "" {
		searchPaths = append(searchPaths,
			filepath.Join(homeDir, ".config", "modelgate", "config.yaml"),
		)
	}
	searchPaths = append(searchPaths,
		"configs/config.yaml",
		"config.yaml",
	)

	for _, path := range searchPaths {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("no config file found, specify --config path")
}

// runServer starts the gateway server.
func runServer(args []string) {
	loadEnvFiles()

	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	debug := fs.Bool("debug", false, "enable debug logging")
	_ = fs.Parse(args) // ExitOnError handles errors

	resolved, err := resolveConfigPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load(resolved)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *debug {
		cfg.Monitoring.LogLevel = "debug"
	}
	setupLogging(cfg)

	log.Info().
		Str("version", Version).
		Str("config", resolved).
		Msg("modelgate starting")

	log.Info().
		Int("port", cfg.Server.Port).
		Int("routes", len(cfg.Routes.Table)).
		Str("directory", cfg.Routes.DirectoryPath).
		Bool("metrics", cfg.Monitoring.MetricsEnabled).
		Msg("configuration loaded")

	gw, err := gateway.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build gateway")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := gw.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("gateway error")
	}

	log.Info().Msg("modelgate stopped")
}

// runInit walks through the interactive setup wizard.
func runInit(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	configPath := fs.String("config", "configs/config.yaml", "config file to create")
	directoryPath := fs.String("directory", "configs/directory.yaml", "instance directory file to create")
	_ = fs.Parse(args)

	if err := tui.RunInitWizard(*configPath, *directoryPath); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

// runCheckConfig validates a config file and exits.
func runCheckConfig(args []string) {
	fs := flag.NewFlagSet("check-config", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	_ = fs.Parse(args)

	resolved, err := resolveConfigPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	if _, err := config.Load(resolved); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("%s: ok\n", resolved)
}

// setupLogging configures the global zerolog logger from the monitoring
// section. Gateway components share the same settings through their own
// logger instance.
func setupLogging(cfg *config.Config) {
	level, err := zerolog.ParseLevel(cfg.Monitoring.LogLevel)
	if err != nil || cfg.Monitoring.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

// printHelp prints usage information.
func printHelp() {
	fmt.Println("modelgate - streaming gateway for AI model providers")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  modelgate [command] [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  (none)        Start the gateway server (same as serve)")
	fmt.Println("  serve         Start the gateway server")
	fmt.Println("  init          Create a starter configuration interactively")
	fmt.Println("  check-config  Validate the configuration and exit")
	fmt.Println("  version       Print version information")
	fmt.Println("  help          Show this help message")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  --config FILE   Config file (default: configs/config.yaml)")
	fmt.Println("  --debug         Enable debug logging")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  modelgate init")
	fmt.Println("  modelgate serve --config configs/config.yaml")
	fmt.Println("  modelgate check-config --config configs/config.yaml")
}
