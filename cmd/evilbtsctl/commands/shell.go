package commands

import (
	"fmt"
	"os"

	"github.com/reeflective/console"
	"github.com/spf13/cobra"
)

func shellCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Start an interactive evilbtsctl shell",
		Long:  "Launches a console that accepts evilbtsctl subcommands with completion and history. Type 'exit' or press Ctrl+D to leave.",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			app := console.New("evilbtsctl")

			menu := app.ActiveMenu()
			menu.Prompt().Primary = func() string { return "evilbtsctl> " }
			menu.SetCommands(shellCommands)

			fmt.Printf("evilbts interactive shell connected to %s. Type 'help' for available commands.\n\n", serverAddr)

			if err := app.Start(); err != nil {
				return fmt.Errorf("run shell: %w", err)
			}
			return nil
		},
	}
}

// shellCommands builds a fresh command tree for every shell line. The
// client created by the outer invocation is reused.
func shellCommands() *cobra.Command {
	root := &cobra.Command{
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&outputFormat, "format", outputFormat,
		"output format: table, json, yaml")

	addCommands(root)
	root.AddCommand(&cobra.Command{
		Use:     "exit",
		Aliases: []string{"quit"},
		Short:   "Leave the interactive shell",
		Args:    cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			os.Exit(0)
		},
	})

	return root
}
