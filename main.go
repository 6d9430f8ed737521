package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kardianos/service"
	"go.uber.org/zap"

	"thumbgen/core"
	"thumbgen/core/validation"
	"thumbgen/logging"
	"thumbgen/shutdown"
	"thumbgen/webui"
)

const envFile = ".env"

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "service":
			os.Exit(runServiceCommand(os.Args[2:]))
		case "token":
			os.Exit(runTokenCommand(os.Args[2:]))
		case "version":
			fmt.Printf("thumbgen %s (commit %s, built %s)\n",
				core.GetVersion(), core.GetGitCommit(), core.GetBuildTime())
			return
		}
	}

	if !service.Interactive() {
		if err := runAsService(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(core.ExitCodeError)
		}
		return
	}
	os.Exit(run(nil))
}

// run loads configuration, validates the environment, wires the service and
// blocks until a signal arrives or stop is closed. It returns the exit code.
func run(stop <-chan struct{}) int {
	// Missing .env is reported by the validation suite.
	_ = godotenv.Load(envFile)

	logger, err := logging.NewLogger(core.ParseBoolEnv("DEV_MODE", false), core.GetEnvOrDefault("LOG_FILE", "thumbgen.log"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		return core.ExitCodeError
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "Failed to sync logger: %v\n", syncErr)
		}
	}()

	cfg, err := core.LoadConfig()
	if err != nil {
		logger.Error("failed to load configuration", zap.Error(err))
		var cfgErr *core.ConfigError
		if errors.As(err, &cfgErr) {
			return core.ExitCodeConfig
		}
		return core.ExitCodeError
	}
	logger.Info("configuration loaded",
		zap.String("addr", cfg.ListenAddr()),
		zap.String("database", cfg.DatabasePath),
		zap.String("cache_backend", cfg.CacheBackend),
		zap.Int("cache_max_entries", cfg.CacheMaxEntries),
		zap.String("image_model", cfg.ImageModel),
		zap.Duration("generation_timeout", cfg.GenerationTimeout),
		zap.Bool("dev_mode", cfg.DevMode))

	if code := runStartupValidation(cfg, logger); code != core.ExitCodeSuccess {
		return code
	}

	manager := shutdown.NewManager(logger)
	manager.Start()
	if stop != nil {
		go func() {
			select {
			case <-stop:
				manager.Trigger()
			case <-manager.Context().Done():
			}
		}()
	}

	app, err := newApplication(cfg, logger, manager)
	if err != nil {
		logger.Error("failed to start", zap.Error(err))
		// Release whatever was opened before the failure.
		if shutdownErr := manager.Shutdown(); shutdownErr != nil {
			logger.Warn("cleanup after failed start", zap.Error(shutdownErr))
		}
		return core.ExitCodeError
	}
	if err := app.serve(); err != nil {
		logger.Error("thumbgen stopped with errors", zap.Error(err))
		return core.ExitCodeError
	}
	code := manager.ExitCode()
	logger.Info("goodbye", zap.Int("exit_code", code), zap.String("exit", core.ExitCodeName(code)))
	return code
}

// runStartupValidation runs the validation suite and logs each failure.
func runStartupValidation(cfg *core.Config, logger *logging.Logger) int {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	result := validation.NewValidationSuite(cfg, envFile).
		WithShowProgress(service.Interactive()).
		Validate(ctx)

	if !result.Success {
		for _, step := range result.Steps {
			if step.Status == validation.StepFailed {
				logger.Error("validation step failed",
					zap.String("step", step.Name),
					zap.String("message", step.Message),
					zap.Error(step.Error))
			}
		}
		logger.Error("startup validation failed", zap.String("summary", result.Summary()))
		return core.ExitCodeConfig
	}
	logger.Info("startup validation passed", zap.String("summary", result.Summary()))
	return core.ExitCodeSuccess
}

// runTokenCommand prints a bearer token for local testing:
// "thumbgen token <user-id> [role]".
func runTokenCommand(args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "Usage: thumbgen token <user-id> [role]")
		return 2
	}
	_ = godotenv.Load(envFile)

	secret := os.Getenv("AUTH_JWT_SECRET")
	if secret == "" && core.ParseBoolEnv("DEV_MODE", false) {
		secret = core.DevJWTSecret
	}
	auth, err := webui.NewAuthenticator(secret, core.GetEnvOrDefault("AUTH_JWT_ISSUER", "thumbgen"), nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return core.ExitCodeConfig
	}
	role := ""
	if len(args) > 1 {
		role = args[1]
	}
	token, err := auth.Issue(args[0], role, 24*time.Hour)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return core.ExitCodeError
	}
	fmt.Println(token)
	return core.ExitCodeSuccess
}
