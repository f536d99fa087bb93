package main

import (
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/skillet-dev/skillet/pkg/presenter"
)

var runCmd = &cobra.Command{
	Use:   "run [query]",
	Short: "Run a one-shot query through the skill orchestrator",
	Long: `Send a query through the orchestrator and print the final answer.
A fresh session is created unless --session names an existing one, in
which case the run resumes with that session's subtask state.`,
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		shutdown := initTracing(ctx)
		defer shutdown(ctx)

		sessionID, _ := cmd.Flags().GetString("session")
		if sessionID == "" {
			sessionID = uuid.New().String()
		}

		store := newStore()
		orch, _, err := buildOrchestrator(ctx, store)
		if err != nil {
			presenter.Error(err, "failed to initialize orchestrator")
			os.Exit(1)
		}

		query := strings.Join(args, " ")
		presenter.Info("session: " + sessionID)
		presenter.Separator()

		answer, err := orch.Run(ctx, sessionID, query)
		if err != nil {
			presenter.Error(err, "run failed")
			os.Exit(1)
		}

		presenter.Info(answer)
	},
}

func init() {
	runCmd.Flags().String("session", "", "Session id to resume (default: a fresh UUID)")
}
