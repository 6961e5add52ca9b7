package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/siamtech/querygate/agent"
	"github.com/siamtech/querygate/agent/fallback"
	"github.com/siamtech/querygate/agent/kb"
	"github.com/siamtech/querygate/agent/postgres"
	"github.com/siamtech/querygate/gateway"
	"github.com/siamtech/querygate/internal/profile"
	"github.com/siamtech/querygate/internal/version"
	"github.com/siamtech/querygate/llm"
	"github.com/siamtech/querygate/metrics"
	"github.com/siamtech/querygate/tenant"
)

// sysexits-style codes so operators can tell startup failures apart.
const (
	exitBadConfig      = 64
	exitDBUnreachable  = 65
	exitLLMUnreachable = 69
)

var rootCmd = &cobra.Command{
	Use:   "querygate",
	Short: `Multi-tenant AI query gateway. One OpenAI-compatible endpoint in front of per-tenant SQL, knowledge-base, and generative agents.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Only load .env for direct binary execution (not when running as systemd service)
		// Systemd service uses /etc/querygate/config for environment variables
		if !isRunningAsSystemdService() {
			// Try to load .env file from current directory (ignore error if file doesn't exist)
			_ = godotenv.Load()
		}
		return nil
	},
	Run: func(_ *cobra.Command, _ []string) {
		instanceProfile := &profile.Profile{
			Mode:        viper.GetString("mode"),
			Addr:        viper.GetString("addr"),
			Port:        viper.GetInt("port"),
			TenantsFile: viper.GetString("tenants-file"),
			StrictStart: viper.GetBool("strict"),
			Version:     version.String(),
		}
		instanceProfile.FromEnv()
		if err := instanceProfile.Validate(); err != nil {
			slog.Error("invalid configuration", "error", err)
			os.Exit(exitBadConfig)
		}

		registry, err := tenant.NewRegistry(instanceProfile.TenantsFile)
		if err != nil {
			printConfigError(err, instanceProfile)
			slog.Error("failed to load tenants document", "error", err)
			os.Exit(exitBadConfig)
		}
		configureLogging(registry)

		exporter := metrics.NewExporter(metrics.DefaultConfig())

		llmService, err := llm.NewService(&llm.Config{
			Provider: instanceProfile.LLMProvider,
			Model:    instanceProfile.LLMModel,
			APIKey:   instanceProfile.LLMAPIKey,
			BaseURL:  instanceProfile.LLMBaseURL,
			Timeout:  instanceProfile.LLMTimeout,
			Recorder: &tokenRecorder{exporter: exporter},
		})
		if err != nil {
			registry.Close()
			slog.Error("failed to create llm service", "error", err)
			os.Exit(exitBadConfig)
		}
		if !instanceProfile.IsLLMConfigured() {
			slog.Warn("llm.unconfigured",
				"provider", instanceProfile.LLMProvider,
				"note", "completions will fail until QUERYGATE_LLM_API_KEY is set",
			)
		}

		ctx := context.Background()
		if instanceProfile.StrictStart {
			smokeCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			err := registry.SmokeTest(smokeCtx)
			cancel()
			if err != nil {
				printDatabaseError(err)
				slog.Error("strict start: tenant database unreachable", "error", err)
				registry.Close()
				os.Exit(exitDBUnreachable)
			}

			pingCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
			err = llm.Ping(pingCtx, llmService)
			cancel()
			if err != nil {
				slog.Error("strict start: llm provider unreachable",
					"provider", instanceProfile.LLMProvider,
					"error", err,
				)
				registry.Close()
				os.Exit(exitLLMUnreachable)
			}
		} else {
			// Warmup asynchronously to cut first-request latency; failures
			// only cost that latency.
			go func() {
				warmupCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				llmService.Warmup(warmupCtx)
			}()
		}

		snapshots := postgres.NewSnapshots(exporter)
		dispatcher := agent.NewDispatcher(
			agent.NewRouter(routerService(instanceProfile, llmService, exporter)),
			exporter,
			postgres.New(llmService, snapshots, exporter),
			kb.New(llmService, kb.NewClient()),
			fallback.New(llmService),
		)
		srv := gateway.NewServer(instanceProfile, registry, dispatcher, exporter)

		reload := make(chan os.Signal, 1)
		if len(reloadSignals) > 0 {
			signal.Notify(reload, reloadSignals...)
		}
		go func() {
			for range reload {
				diff, err := registry.Reload()
				if err != nil {
					slog.Error("tenants.reload.failed", "error", err)
					continue
				}
				srv.ForgetTenants(diff.Removed)
				for _, id := range diff.Removed {
					exporter.DropTenant(id)
				}
				slog.Info("tenants.reload.applied",
					"generation", registry.Generation(),
					"added", len(diff.Added),
					"removed", len(diff.Removed),
					"unchanged", len(diff.Unchanged),
				)
			}
		}()

		c := make(chan os.Signal, 1)
		// Trigger graceful shutdown on SIGINT or SIGTERM.
		// The default signal sent by the `kill` command is SIGTERM,
		// which is taken as the graceful shutdown signal for many systems, eg., Kubernetes, Gunicorn.
		signal.Notify(c, terminationSignals...)

		startErr := make(chan error, 1)
		go func() { startErr <- srv.Start() }()

		printGreetings(instanceProfile, registry)

		select {
		case err := <-startErr:
			if err != nil {
				slog.Error("failed to start server", "error", err)
				registry.Close()
				os.Exit(1)
			}
		case <-c:
			slog.Info("shutdown.begin")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := srv.Shutdown(shutdownCtx); err != nil {
				slog.Error("server shutdown failed", "error", err)
			}
			cancel()
		}
		registry.Close()
	},
}

func init() {
	viper.SetDefault("mode", "dev")
	viper.SetDefault("port", 8080)
	viper.SetDefault("tenants-file", "tenants.yaml")

	rootCmd.PersistentFlags().String("mode", "dev", `mode of server, can be "prod" or "dev"`)
	rootCmd.PersistentFlags().String("addr", "", "address of server")
	rootCmd.PersistentFlags().Int("port", 8080, "port of server")
	rootCmd.PersistentFlags().String("tenants-file", "tenants.yaml", "path to the tenants YAML document")
	rootCmd.PersistentFlags().Bool("strict", false, "fail startup when a tenant database or the LLM provider is unreachable")

	if err := viper.BindPFlag("mode", rootCmd.PersistentFlags().Lookup("mode")); err != nil {
		panic(err)
	}
	if err := viper.BindPFlag("addr", rootCmd.PersistentFlags().Lookup("addr")); err != nil {
		panic(err)
	}
	if err := viper.BindPFlag("port", rootCmd.PersistentFlags().Lookup("port")); err != nil {
		panic(err)
	}
	if err := viper.BindPFlag("tenants-file", rootCmd.PersistentFlags().Lookup("tenants-file")); err != nil {
		panic(err)
	}
	if err := viper.BindPFlag("strict", rootCmd.PersistentFlags().Lookup("strict")); err != nil {
		panic(err)
	}

	viper.SetEnvPrefix("querygate")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
}

// routerService builds the intent classification model client. Unset
// router fields inherit the main LLM configuration; a small cheap model
// is the usual choice.
func routerService(p *profile.Profile, main llm.Service, exporter *metrics.Exporter) llm.Service {
	if p.RouterProvider == "" && p.RouterModel == "" {
		return main
	}
	svc, err := llm.NewService(&llm.Config{
		Provider: firstNonEmpty(p.RouterProvider, p.LLMProvider),
		Model:    firstNonEmpty(p.RouterModel, p.LLMModel),
		APIKey:   firstNonEmpty(p.RouterAPIKey, p.LLMAPIKey),
		BaseURL:  p.RouterBaseURL,
		Timeout:  p.LLMTimeout,
		Recorder: &tokenRecorder{exporter: exporter},
	})
	if err != nil {
		slog.Warn("router llm init failed, classification uses the main model", "error", err)
		return main
	}
	slog.Info("router llm initialized",
		"provider", firstNonEmpty(p.RouterProvider, p.LLMProvider),
		"model", firstNonEmpty(p.RouterModel, p.LLMModel),
	)
	return svc
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// tokenRecorder feeds per-tenant LLM token usage into the exporter.
type tokenRecorder struct {
	exporter *metrics.Exporter
}

func (r *tokenRecorder) RecordUsage(tenantID string, usage llm.Usage) {
	r.exporter.RecordLLMTokens(tenantID, "prompt", usage.PromptTokens)
	r.exporter.RecordLLMTokens(tenantID, "completion", usage.CompletionTokens)
}

// configureLogging applies the document's log level to the default
// slog logger.
func configureLogging(reg *tenant.Registry) {
	level := slog.LevelInfo
	switch strings.ToLower(reg.Policy().Logging.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	slog.SetLogLoggerLevel(level)
}

func printGreetings(profile *profile.Profile, registry *tenant.Registry) {
	fmt.Printf("QueryGate %s started successfully!\n", version.String())

	if profile.IsDev() {
		fmt.Fprint(os.Stderr, "Development mode is enabled\n")
	}

	fmt.Printf("Mode: %s\n", profile.Mode)
	fmt.Printf("Tenants file: %s\n", profile.TenantsFile)
	fmt.Printf("Tenants loaded: %d\n", len(registry.TenantIDs()))
	fmt.Printf("LLM provider: %s\n", profile.LLMProvider)

	if len(profile.Addr) == 0 {
		fmt.Printf("Server running on port %d\n", profile.Port)
		fmt.Printf("Chat endpoint: http://localhost:%d/v1/chat/completions\n", profile.Port)
	} else {
		fmt.Printf("Server running on %s:%d\n", profile.Addr, profile.Port)
		fmt.Printf("Chat endpoint: http://%s:%d/v1/chat/completions\n", profile.Addr, profile.Port)
	}
}

// isRunningAsSystemdService detects if the process is running under systemd
func isRunningAsSystemdService() bool {
	// Check if invoked by systemd (environment variables set by systemd)
	return os.Getenv("INVOCATION_ID") != "" || os.Getenv("WATCHDOG_USEC") != ""
}

// printConfigError provides user-friendly messages for tenants document problems
func printConfigError(err error, profile *profile.Profile) {
	fmt.Fprintln(os.Stderr, "\nTenants Configuration Invalid")
	fmt.Fprintln(os.Stderr, "----------------------------------------")

	var cfgErr *tenant.ConfigError
	switch {
	case errors.As(err, &cfgErr):
		fmt.Fprintf(os.Stderr, "\n  Field:  %s\n", cfgErr.Field)
		fmt.Fprintf(os.Stderr, "  Reason: %s\n", cfgErr.Reason)
	case errors.Is(err, tenant.ErrTenantDuplicate):
		fmt.Fprintf(os.Stderr, "\n  %s\n", err.Error())
		fmt.Fprintf(os.Stderr, "  Every tenant id in the document must be unique.\n")
	case errors.Is(err, tenant.ErrCredentialMissing):
		fmt.Fprintf(os.Stderr, "\n  %s\n", err.Error())
		fmt.Fprintf(os.Stderr, "  A ${NAME} placeholder expanded to an empty value.\n")
		fmt.Fprintf(os.Stderr, "  Export the variable or add it to your .env file.\n")
	default:
		fmt.Fprintf(os.Stderr, "\n  %s\n", err.Error())
	}

	fmt.Fprintf(os.Stderr, "\n  Document: %s\n", profile.TenantsFile)
	fmt.Fprintln(os.Stderr, "----------------------------------------")
}

// printDatabaseError provides user-friendly error messages for smoke test failures
func printDatabaseError(err error) {
	fmt.Fprintln(os.Stderr, "\nTenant Database Connection Failed")
	fmt.Fprintln(os.Stderr, "----------------------------------------")

	errMsg := err.Error()
	switch {
	case strings.Contains(errMsg, "connection refused") || strings.Contains(errMsg, "no such host"):
		fmt.Fprintln(os.Stderr, "\n  PostgreSQL is not reachable.")
		fmt.Fprintf(os.Stderr, "\n  Check the host/port in the tenant's database block, then:\n")
		fmt.Fprintf(os.Stderr, "    docker compose up -d postgres\n")
		fmt.Fprintf(os.Stderr, "    sudo systemctl start postgresql\n")

	case strings.Contains(errMsg, "password authentication failed"):
		fmt.Fprintln(os.Stderr, "\n  PostgreSQL authentication failed.")
		fmt.Fprintf(os.Stderr, "\n  Check the tenant's user/password (and any ${NAME} expansion).\n")

	case strings.Contains(errMsg, "does not exist"):
		fmt.Fprintln(os.Stderr, "\n  Database does not exist.")
		fmt.Fprintf(os.Stderr, "\n  Create it with:\n")
		fmt.Fprintf(os.Stderr, "    psql -U postgres -c \"CREATE DATABASE <name>;\"\n")

	case strings.Contains(errMsg, "SSL is not enabled") || strings.Contains(errMsg, "sslmode"):
		fmt.Fprintln(os.Stderr, "\n  PostgreSQL SSL configuration mismatch.")
		fmt.Fprintf(os.Stderr, "\n  Set sslmode: disable in the tenant's database block.\n")

	default:
		fmt.Fprintln(os.Stderr, "\n  Error:", errMsg)
	}

	fmt.Fprintf(os.Stderr, "\n  Strict start is enabled; start without --strict to open pools lazily.\n")
	fmt.Fprintln(os.Stderr, "----------------------------------------")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		panic(err)
	}
}
