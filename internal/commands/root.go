package commands

import (
	"errors"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/dotcommander/orkiva/internal/app"
	"github.com/dotcommander/orkiva/internal/output"
)

// Execute runs the orkivactl CLI application.
func Execute(version string) error {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, nil)))

	root := &cobra.Command{
		Use:           "orkivactl",
		Short:         "Operator tooling for the orkiva supervisor (inspect and unblock threads, check store health)",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			showVersion, _ := cmd.Flags().GetBool("version")
			if showVersion {
				type resp struct {
					Version string `json:"version"`
				}
				return output.PrintSuccess(resp{Version: version})
			}
			return cmd.Help()
		},
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := app.EnsureConfigDir(); err != nil {
				return err
			}

			if dbPath, err := cmd.Flags().GetString("db-path"); err == nil && dbPath != "" {
				app.SetDBPathOverride(dbPath)
			}

			return nil
		},
	}

	root.PersistentFlags().String("db-path", "", "Override database path")
	root.PersistentFlags().String("actor-agent-id", "", "Agent ID attributed to audit events for this command (default: $ORKIVA_ACTOR_AGENT_ID, then human_operator)")
	root.PersistentFlags().Bool("json", true, "Print machine-readable JSON output (the only supported format)")
	root.Flags().BoolP("version", "v", false, "version for orkivactl")

	root.AddCommand(NewDBCmd())
	root.AddCommand(NewDoctorCmd())
	root.AddCommand(NewInspectThreadCmd())
	root.AddCommand(NewEscalateThreadCmd())
	root.AddCommand(NewUnblockThreadCmd())
	root.AddCommand(NewOverrideCloseThreadCmd())

	err := root.Execute()
	if err != nil {
		var pe printedError
		if !errors.As(err, &pe) {
			slog.Default().Error("command failed", "error", err.Error())
		}
	}
	return err
}

// IsUsageError reports whether err came from cobra's own argument/flag
// parsing (unknown command, unknown flag, unexpected positional argument)
// rather than from a command's RunE, which always wraps its errors in
// printedError via cmdErr. main uses this to choose exit code 2 vs 1.
func IsUsageError(err error) bool {
	if err == nil {
		return false
	}
	var pe printedError
	return !errors.As(err, &pe)
}
