package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/skillet-dev/skillet/pkg/llm"
	"github.com/skillet-dev/skillet/pkg/logger"
	"github.com/skillet-dev/skillet/pkg/orchestrator"
	"github.com/skillet-dev/skillet/pkg/presenter"
	"github.com/skillet-dev/skillet/pkg/sessions"
	"github.com/skillet-dev/skillet/pkg/skills"
	"github.com/skillet-dev/skillet/pkg/telemetry"
	"github.com/skillet-dev/skillet/pkg/tools"
	"github.com/skillet-dev/skillet/pkg/version"
)

func init() {
	// Environment variables
	viper.SetEnvPrefix("SKILLET")
	viper.AutomaticEnv()

	// Config file support
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("$HOME/.skillet")
	viper.AddConfigPath(".")

	// Load config file if it exists (ignore errors if it doesn't)
	_ = viper.ReadInConfig()
}

var rootCmd = &cobra.Command{
	Use:   "skillet",
	Short: "Skillet orchestrates LLM skills with resumable sessions",
	Long: `Skillet drives an LLM through modular skills: the model sees a menu of
skill names and descriptions, activates one to receive its full
instructions and tools, and works the task turn by turn. Every step is
appended to a resumable session event log.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := logger.SetLogLevel(viper.GetString("log_level")); err != nil {
			return err
		}
		logger.SetLogFormat(viper.GetString("log_format"))
		return nil
	},
	Run: func(cmd *cobra.Command, args []string) {
		if len(args) > 0 {
			// Arguments without a subcommand are forwarded to run
			runCmd.Run(cmd, args)
		} else {
			cmd.Help()
			os.Exit(1)
		}
	},
}

// initTracing initializes the tracer provider from config and returns
// its shutdown function.
func initTracing(ctx context.Context) func(context.Context) error {
	shutdown, err := telemetry.InitTracer(ctx, telemetry.Config{
		Enabled:        viper.GetBool("tracing.enabled"),
		ServiceName:    "skillet",
		ServiceVersion: version.Get().Version,
		SamplerType:    viper.GetString("tracing.sampler"),
		SamplerRatio:   viper.GetFloat64("tracing.ratio"),
	})
	if err != nil {
		logger.G(ctx).WithError(err).Warn("failed to initialize tracing")
		return func(context.Context) error { return nil }
	}
	return shutdown
}

// buildRegistry creates the skill registry from config and runs
// discovery. Discovery warnings are surfaced but do not block startup.
func buildRegistry(ctx context.Context) (*skills.Registry, error) {
	var opts []skills.Option
	if dirs := viper.GetStringSlice("skill_dirs"); len(dirs) > 0 {
		opts = append(opts, skills.WithSkillDirs(dirs...))
	} else {
		opts = append(opts, skills.WithDefaultDirs())
	}
	if allow := viper.GetStringSlice("allowed_skills"); len(allow) > 0 {
		opts = append(opts, skills.WithAllowlist(allow...))
	}

	registry, err := skills.NewRegistry(opts...)
	if err != nil {
		return nil, err
	}
	if err := registry.Discover(ctx); err != nil {
		return nil, err
	}
	if warn := registry.Warnings(); warn != nil {
		presenter.Warning("some skills were skipped during discovery:")
		presenter.Warning(warn.Error())
	}
	return registry, nil
}

// buildOrchestrator wires the registry, tool bridge, session store, and
// LLM client into an orchestrator.
func buildOrchestrator(ctx context.Context, store *sessions.Store) (*orchestrator.Orchestrator, *skills.Registry, error) {
	registry, err := buildRegistry(ctx)
	if err != nil {
		return nil, nil, err
	}

	runner := tools.NewScriptRunner(registry)
	var bridgeOpts []tools.BridgeOption
	if d := viper.GetDuration("tool_timeout"); d > 0 {
		bridgeOpts = append(bridgeOpts, tools.WithTimeout(d))
	}
	bridge := tools.NewBridge(runner, store, orchestrator.GlobalToolNames(), bridgeOpts...)

	chat, err := llm.NewChat(llm.Config{
		Model:     viper.GetString("model"),
		APIKey:    viper.GetString("api_key"),
		BaseURL:   viper.GetString("base_url"),
		MaxTokens: viper.GetInt("max_tokens"),
	})
	if err != nil {
		return nil, nil, err
	}

	cfg := orchestrator.DefaultConfig()
	if v := viper.GetInt("max_turns"); v > 0 {
		cfg.MaxTurns = v
	}
	if v := viper.GetString("answer_skill"); v != "" {
		cfg.AnswerSkill = v
	}
	if d := viper.GetDuration("model_timeout"); d > 0 {
		cfg.ModelTimeout = d
	}

	orch, err := orchestrator.New(registry, bridge, store, chat, cfg)
	if err != nil {
		return nil, nil, err
	}
	return orch, registry, nil
}

// newStore creates the session store from config.
func newStore() *sessions.Store {
	var opts []sessions.StoreOption
	if d := viper.GetDuration("session_timeout"); d > 0 {
		opts = append(opts, sessions.WithTimeout(d))
	}
	if n := viper.GetInt("max_subtasks"); n > 0 {
		opts = append(opts, sessions.WithMaxSubtasks(n))
	}
	return sessions.NewStore(opts...)
}

func main() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "fmt", "Log format (fmt, json)")
	rootCmd.PersistentFlags().String("model", "", "LLM model to use (overrides config)")
	rootCmd.PersistentFlags().Int("max-tokens", 0, "Maximum tokens for response (overrides config)")
	rootCmd.PersistentFlags().StringSlice("skill-dirs", nil, "Directories to scan for skills")
	rootCmd.PersistentFlags().StringSlice("allowed-skills", nil, "Glob patterns restricting which skills are loaded")

	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("log_format", rootCmd.PersistentFlags().Lookup("log-format"))
	viper.BindPFlag("model", rootCmd.PersistentFlags().Lookup("model"))
	viper.BindPFlag("max_tokens", rootCmd.PersistentFlags().Lookup("max-tokens"))
	viper.BindPFlag("skill_dirs", rootCmd.PersistentFlags().Lookup("skill-dirs"))
	viper.BindPFlag("allowed_skills", rootCmd.PersistentFlags().Lookup("allowed-skills"))

	viper.SetDefault("log_level", "info")
	viper.SetDefault("log_format", "fmt")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(skillsCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		presenter.Error(err, "")
		os.Exit(1)
	}
}
