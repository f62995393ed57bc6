package commands

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/security-geeks/evilbts/internal/server"
)

func monitorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "monitor",
		Short: "Stream link and connection events",
		Long:  "Connects to the evilbts event feed and prints events until interrupted (Ctrl+C).",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			conn, _, err := websocket.DefaultDialer.DialContext(ctx, "ws://"+serverAddr+server.EventsPath, nil)
			if err != nil {
				return fmt.Errorf("connect to event feed: %w", err)
			}
			defer conn.Close()

			// Unblock the read loop on Ctrl+C.
			go func() {
				<-ctx.Done()
				_ = conn.Close()
			}()

			for {
				var ev server.Event
				if err := conn.ReadJSON(&ev); err != nil {
					if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
						return nil
					}
					return fmt.Errorf("read event: %w", err)
				}

				out, err := formatEvent(&ev, outputFormat)
				if err != nil {
					return fmt.Errorf("format event: %w", err)
				}

				fmt.Println(out)
			}
		},
	}
}
