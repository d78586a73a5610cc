package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/codefionn/pacbridge/pacbridge-srv/config"
	"github.com/codefionn/pacbridge/pacbridge-srv/logger"
	"github.com/codefionn/pacbridge/pacbridge-srv/proxy"
)

var version string

func main() {
	cfg, configPath := parseFlagsAndConfig()
	runBridge(cfg, configPath)
}

// parseFlagsAndConfig handles CLI flags, environment, logging, and config loading.
func parseFlagsAndConfig() (cfg *config.Config, configPath string) {
	versionFlag := flag.Bool("version", false, "Print version and exit")
	versionShortFlag := flag.Bool("v", false, "Print version and exit (shorthand)")
	configPathPtr := flag.String("config", "config.json", "Path to configuration file (supports .json and .hcl formats)")
	envfile := flag.String("envfile", "", "Path to env file to load environment variables")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if version == "" {
		version = "dev"
	}
	proxy.Version = version

	if *versionFlag || *versionShortFlag {
		fmt.Println("pacbridge version:", version)
		os.Exit(0)
	}

	if *envfile != "" {
		if err := loadEnvFile(*envfile); err != nil {
			logger.Fatal("Failed to load envfile: %v", err)
		}
		logger.Info("Loaded environment variables from %s", *envfile)
	}

	logger.Debug("Using configuration file: %s", *configPathPtr)

	cfg, err := config.LoadConfig(*configPathPtr)
	if err != nil {
		logger.Warn("Could not load config file: %v. Using environment variables.", err)
		cfg, err = config.LoadConfig("")
		if err != nil {
			logger.Fatal("Failed to load configuration: %v", err)
		}
	}

	logger.SetLevel(logger.GetLevelFromString(cfg.LogLevel))
	if *debugMode {
		logger.SetLevel(logger.DEBUG)
		logger.Debug("Debug logging enabled")
	}

	logger.Info("Starting pacbridge %s", version)
	logger.Debug("Listen address: %s", cfg.ListenAddress)
	logger.Debug("Resolver sources: %v, failure policy: %s", cfg.Resolver.Sources, cfg.Resolver.FailurePolicy)
	logger.Debug("Auth enabled: %t, mechanism: %s", cfg.Auth.Enabled, cfg.Auth.Mechanism)
	logger.Debug("Max connections: %d", cfg.MaxConcurrentConnections)
	if cfg.Portal.Enabled {
		logger.Debug("Portal on %s", cfg.Portal.ListenAddress)
	}

	return cfg, *configPathPtr
}

func newBridge(cfg *config.Config) *proxy.Proxy {
	p, err := proxy.NewProxy(cfg)
	if err != nil {
		logger.Fatal("Failed to create bridge: %v", err)
	}
	return p
}

// runBridge starts the bridge and handles shutdown and reload signals.
// SIGHUP reloads the config file; when it is unchanged only the cached
// proxy settings are dropped so the next session re-reads the system.
func runBridge(cfg *config.Config, configPath string) {
	bridge := newBridge(cfg)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	start := func(p *proxy.Proxy) {
		go func() {
			if err := p.Start(); err != nil && !errors.Is(err, proxy.ErrServerClosed) {
				logger.Fatal("Bridge error: %v", err)
			}
		}()
	}

	start(bridge)
	currentCfg := cfg

	for sig := range sigChan {
		switch sig {
		case syscall.SIGHUP:
			logger.Info("Received SIGHUP: reloading configuration...")
			newCfg, err := config.LoadConfig(configPath)
			if err != nil {
				logger.Error("Failed to reload config: %v (keeping current config)", err)
				bridge.Invalidate()
				continue
			}
			if !config.HasChanged(currentCfg, newCfg) {
				logger.Info("Config unchanged after reload; refreshing proxy settings only.")
				bridge.Invalidate()
				continue
			}
			logger.Info("Config changed. Restarting bridge...")
			if err := bridge.Stop(); err != nil {
				logger.Error("Error stopping bridge for reload: %v", err)
			}
			bridge = newBridge(newCfg)
			start(bridge)
			currentCfg = newCfg
			logger.Info("Bridge restarted with new configuration.")
		case syscall.SIGINT, syscall.SIGTERM:
			logger.Info("Received signal %v, draining sessions...", sig)
			if err := bridge.Stop(); err != nil {
				logger.Error("Error during shutdown: %v", err)
			}
			logger.Info("Bridge shutdown complete")
			return
		}
	}
}

// loadEnvFile reads a .env-style file and sets environment variables
func loadEnvFile(path string) error {
	cleanPath := filepath.Clean(path)
	if !filepath.IsAbs(cleanPath) {
		absPath, err := filepath.Abs(cleanPath)
		if err != nil {
			return fmt.Errorf("invalid file path: %w", err)
		}
		cleanPath = absPath
	}
	f, err := os.Open(cleanPath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil {
			logger.Error("Error closing env file: %v", closeErr)
		}
	}()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.Trim(strings.TrimSpace(parts[1]), `"'`)
		if setErr := os.Setenv(key, val); setErr != nil {
			logger.Error("Error setting environment variable %s: %v", key, setErr)
		}
	}
	return scanner.Err()
}
