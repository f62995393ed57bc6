package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

var errNegativeLimit = errors.New("--limit must not be negative")

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the signaling link and radio-side process",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			resp, err := client.GetStatus(context.Background())
			if err != nil {
				return fmt.Errorf("get status: %w", err)
			}

			out, err := formatStatus(resp, outputFormat)
			if err != nil {
				return fmt.Errorf("format status: %w", err)
			}

			fmt.Print(out)

			return nil
		},
	}
}

func resetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Tear down the link and restart the radio side",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			if err := client.ResetLink(context.Background()); err != nil {
				return fmt.Errorf("reset link: %w", err)
			}

			fmt.Println("Link reset requested.")

			return nil
		},
	}
}

// --- paging ---

func pageCmd() *cobra.Command {
	var typ string

	cmd := &cobra.Command{
		Use:   "page <imsi>",
		Short: "Start paging a subscriber",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if err := client.StartPaging(context.Background(), args[0], typ); err != nil {
				return fmt.Errorf("start paging: %w", err)
			}

			fmt.Printf("Paging %s.\n", args[0])

			return nil
		},
	}

	cmd.Flags().StringVar(&typ, "type", "", "paging type passed to the radio side (e.g. voice, sms, ss)")

	return cmd
}

func unpageCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unpage <imsi>",
		Short: "Stop paging a subscriber",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if err := client.StopPaging(context.Background(), args[0]); err != nil {
				return fmt.Errorf("stop paging: %w", err)
			}

			fmt.Printf("Paging of %s stopped.\n", args[0])

			return nil
		},
	}
}

// --- store ---

func eventsCmd() *cobra.Command {
	var (
		subscriber string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show the newest connection journal entries",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			if limit < 0 {
				return errNegativeLimit
			}

			resp, err := client.ListEvents(context.Background(), subscriber, limit)
			if err != nil {
				return fmt.Errorf("list events: %w", err)
			}

			out, err := formatJournal(resp.Events, outputFormat)
			if err != nil {
				return fmt.Errorf("format events: %w", err)
			}

			fmt.Print(out)

			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&subscriber, "subscriber", "", "only show events of this subscriber")
	flags.IntVar(&limit, "limit", 0, "maximum number of events (0 uses the daemon default)")

	return cmd
}

func subscribersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "subscribers",
		Short: "List provisioned subscribers",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			resp, err := client.ListSubscribers(context.Background())
			if err != nil {
				return fmt.Errorf("list subscribers: %w", err)
			}

			out, err := formatSubscribers(resp.Subscribers, outputFormat)
			if err != nil {
				return fmt.Errorf("format subscribers: %w", err)
			}

			fmt.Print(out)

			return nil
		},
	}
}
