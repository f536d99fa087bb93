package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/skillet-dev/skillet/pkg/presenter"
)

var skillsCmd = &cobra.Command{
	Use:   "skills",
	Short: "List discovered skills",
	Long: `List every skill the registry can discover, with the description
the model sees in its skill menu. Skill instruction bodies are not
loaded.`,
	Run: func(cmd *cobra.Command, args []string) {
		registry, err := buildRegistry(cmd.Context())
		if err != nil {
			presenter.Error(err, "skill discovery failed")
			os.Exit(1)
		}

		summaries := registry.List()
		if len(summaries) == 0 {
			presenter.Warning("no skills found")
			return
		}

		presenter.Section("Skills")
		for _, s := range summaries {
			presenter.Info(fmt.Sprintf("%s: %s", s.Name, s.Description))
		}
	},
}
