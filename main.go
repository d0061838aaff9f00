package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/kwv/viscomesh/telemetry"
)

// Version is set at build time via -ldflags
var Version = "dev"

func main() {
	os.Exit(run(os.Args[1:], os.Stderr))
}

// run parses args, executes one registration and returns the exit code
func run(args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("viscomesh", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		configFile  = fs.String("config", "config.yaml", "Path to configuration file (defaults are used when it does not exist)")
		envFile     = fs.String("env", ".env", "Path to an optional .env file")
		floating    = fs.String("floating", "", "Floating point cloud (JSON)")
		target      = fs.String("target", "", "Target point cloud (JSON)")
		output      = fs.String("output", "registered.json", "Output file for the registered floating cloud")
		rigidOnly   = fs.Bool("rigid-only", false, "Run the rigid passes only")
		skipRigid   = fs.Bool("skip-rigid", false, "Skip the rigid passes")
		iterations  = fs.Int("iterations", 0, "Override the number of non-rigid iterations")
		logLevel    = fs.String("log-level", "", "Log level (trace, debug, info, warn, error)")
		writeConfig = fs.Bool("write-config", false, "Write the effective configuration to -config and exit")
		showVersion = fs.Bool("version", false, "Print the version and exit")
	)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	if *showVersion {
		fmt.Fprintf(stderr, "viscomesh version: %s\n", Version)
		return 0
	}

	if err := loadEnv(*envFile); err != nil {
		fmt.Fprintf(stderr, "loading %s: %v\n", *envFile, err)
		return 1
	}

	config, err := resolveConfig(*configFile)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	if *logLevel != "" {
		config.Log.Level = *logLevel
	}
	log := newLogger(config.Log, stderr)

	if *writeConfig {
		if err := SaveConfig(*configFile, config); err != nil {
			log.Error().Err(err).Msg("saving config")
			return 1
		}
		log.Info().Str("path", *configFile).Msg("wrote configuration")
		return 0
	}

	if *floating == "" || *target == "" {
		fmt.Fprintln(stderr, "both -floating and -target are required")
		fs.Usage()
		return 2
	}

	client, err := telemetry.Connect(config.MQTT, log)
	if err != nil {
		log.Warn().Err(err).Msg("telemetry disabled")
		client = nil
	}
	defer telemetry.Disconnect(client)

	mqttCfg := config.MQTT.WithEnv()
	publisher := telemetry.NewPublisher(client, mqttCfg.PublishPrefix, log)
	if client != nil {
		if err := publisher.ListenControl(); err != nil {
			log.Warn().Err(err).Msg("control topic unavailable")
		}
	}

	app := NewApp(config, log, publisher)
	app.ApplyOptions(AppOptions{
		FloatingPath: *floating,
		TargetPath:   *target,
		OutputPath:   *output,
		RigidOnly:    *rigidOnly,
		SkipRigid:    *skipRigid,
		Iterations:   *iterations,
	})
	if _, err := app.Run(); err != nil {
		log.Error().Stack().Err(err).Msg("registration failed")
		return 1
	}
	return 0
}

// resolveConfig loads path, falling back to defaults when it does not exist
func resolveConfig(path string) (*FileConfig, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultFileConfig(), nil
	}
	return LoadConfig(path)
}
