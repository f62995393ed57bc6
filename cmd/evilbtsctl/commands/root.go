package commands

import (
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/security-geeks/evilbts/internal/server"
)

var (
	// client is the status service client, initialized in PersistentPreRunE.
	client *server.Client

	// outputFormat controls the output format for all commands.
	outputFormat string

	// serverAddr is the daemon API address (host:port).
	serverAddr string
)

// rootCmd is the top-level cobra command for evilbtsctl.
var rootCmd = &cobra.Command{
	Use:   "evilbtsctl",
	Short: "CLI client for the evilbts daemon",
	Long:  "evilbtsctl inspects the evilbts signaling link and its connections over ConnectRPC.",
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		client = server.NewClient(http.DefaultClient, "http://"+serverAddr)
		return nil
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverAddr, "addr", "localhost:50061",
		"evilbts daemon address (host:port)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", formatTable,
		"output format: table, json, yaml")

	addCommands(rootCmd)
	rootCmd.AddCommand(shellCmd())
}

// addCommands attaches every operational command to parent. The shell
// builds its own tree with it.
func addCommands(parent *cobra.Command) {
	parent.AddCommand(statusCmd())
	parent.AddCommand(connsCmd())
	parent.AddCommand(connCmd())
	parent.AddCommand(releaseCmd())
	parent.AddCommand(pageCmd())
	parent.AddCommand(unpageCmd())
	parent.AddCommand(resetCmd())
	parent.AddCommand(eventsCmd())
	parent.AddCommand(subscribersCmd())
	parent.AddCommand(monitorCmd())
	parent.AddCommand(versionCmd())
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
