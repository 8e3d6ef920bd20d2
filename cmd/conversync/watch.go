package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/lharris/conversync"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// tailPrinter renders the messages that sort after the last one already
// printed. Tracking the order key rather than a position count means a
// late historical insert (a gap-closing snapshot) shifts indexes without
// reprinting the tail.
type tailPrinter struct {
	out  io.Writer
	last conversync.Message
	seen bool
}

func (p *tailPrinter) advance(seq func(func(conversync.Message) bool)) {
	for m := range seq {
		if p.seen && !p.last.Before(m) {
			continue
		}
		fmt.Fprintf(p.out, "[%s] %s: %s\n", m.CreatedAt.Format(time.RFC3339), m.SenderID, m.Body)
		p.last = m
		p.seen = true
	}
}

var watchVerbose bool

func init() {
	watchCmd.Flags().BoolVarP(&watchVerbose, "verbose", "v", false, "Log connection lifecycle events")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch <chat-id>",
	Short: "Follow a conversation live",
	Long:  "Fetch the conversation history, then stream new messages as they arrive.\nReconnects automatically if the push connection drops. Press Ctrl-C to stop.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		chatID := args[0]
		client, cfg := getClient()

		logLevel := zerolog.Disabled
		if watchVerbose {
			logLevel = zerolog.DebugLevel
		}
		log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			Level(logLevel).
			With().Timestamp().Logger()

		manager := conversync.NewConnectionManager(
			client.BaseURL(), cfg.Auth.Token,
			conversync.WithManagerLogger(log),
		)
		coord := conversync.NewCoordinator(
			client, manager, cfg.Auth.UserID,
			conversync.WithLogger(log),
		)

		// The change callback fires on the coordinator's apply goroutine.
		var mu sync.Mutex
		printer := &tailPrinter{out: os.Stdout}

		coord.OnChange(func(conversationID string) {
			if conversationID != chatID {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			printer.advance(coord.Ordered(chatID))
		})

		// Closed is terminal: it means either Ctrl-C below or a fatal
		// auth failure, and in both cases the command should return.
		done := make(chan struct{})
		var once sync.Once
		coord.OnState(func(s conversync.ConnState) {
			switch s.Status {
			case conversync.StateLive:
				if s.RetryCount > 0 {
					fmt.Fprintln(os.Stderr, "-- reconnected --")
				}
			case conversync.StateReconnecting:
				if s.RetryCount == 1 {
					fmt.Fprintln(os.Stderr, "-- connection lost, retrying --")
				}
			case conversync.StateClosed:
				once.Do(func() { close(done) })
			}
		})

		if err := coord.Open(chatID); err != nil {
			return fmt.Errorf("cannot open conversation: %w", err)
		}
		fmt.Fprintf(os.Stderr, "Watching %s (Ctrl-C to stop)\n", chatID)

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

		select {
		case <-sig:
		case <-done:
			fmt.Fprintln(os.Stderr, "-- sync stopped --")
		}
		return coord.Close()
	},
}
