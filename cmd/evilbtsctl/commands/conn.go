package commands

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

// --- conns ---

func connsCmd() *cobra.Command {
	var kind string

	cmd := &cobra.Command{
		Use:   "conns",
		Short: "List circuit and packet connections",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			resp, err := client.ListConnections(context.Background(), kind)
			if err != nil {
				return fmt.Errorf("list connections: %w", err)
			}

			out, err := formatConns(resp.Conns, outputFormat)
			if err != nil {
				return fmt.Errorf("format connections: %w", err)
			}

			fmt.Print(out)

			return nil
		},
	}

	cmd.Flags().StringVar(&kind, "kind", "", "only list one kind: circuit or gprs")

	return cmd
}

// --- conn ---

func connCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "conn <id>",
		Aliases: []string{"connection"},
		Short:   "Show details of a connection",
		Args:    cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			id, err := parseConnID(args[0])
			if err != nil {
				return err
			}

			resp, err := client.GetConnection(context.Background(), id)
			if err != nil {
				return fmt.Errorf("get connection: %w", err)
			}

			out, err := formatConn(&resp.Conn, outputFormat)
			if err != nil {
				return fmt.Errorf("format connection: %w", err)
			}

			fmt.Print(out)

			return nil
		},
	}
}

// --- release ---

func releaseCmd() *cobra.Command {
	var hard bool

	cmd := &cobra.Command{
		Use:   "release <id>",
		Short: "Release a circuit connection",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			id, err := parseConnID(args[0])
			if err != nil {
				return err
			}

			if err := client.ReleaseConnection(context.Background(), id, hard); err != nil {
				return fmt.Errorf("release connection: %w", err)
			}

			fmt.Printf("Connection %d released.\n", id)

			return nil
		},
	}

	cmd.Flags().BoolVar(&hard, "hard", false, "drop the radio channel without a graceful release")

	return cmd
}

func parseConnID(s string) (uint16, error) {
	id, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("parse connection id %q: %w", s, err)
	}
	return uint16(id), nil
}
