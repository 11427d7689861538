package main

import (
	"bufio"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ent0n29/avatarconsole/internal/livews"
	"github.com/ent0n29/avatarconsole/internal/protocol"
)

func newChatCmd(st *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "chat [id]",
		Short: "Send lines from stdin to a live session and print its replies",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := buildForCommand(cmd, st)
			if err != nil {
				return err
			}
			defer res.Cleanup()

			id, err := sessionID(cmd.Context(), res.Store, args)
			if err != nil {
				return err
			}
			live, err := livews.Dial(cmd.Context(), livews.Config{
				URL:               st.cfg.LiveWSURL,
				SessionID:         id,
				Token:             res.Client.Token(),
				HeartbeatInterval: st.cfg.LiveHeartbeatInterval,
				ReconnectAttempts: st.cfg.LiveReconnectAttempts,
				Logger:            st.log,
				Metrics:           res.Metrics,
			})
			if err != nil {
				return err
			}
			defer live.Close()

			out := cmd.OutOrStdout()
			go func() {
				for msg := range live.Messages() {
					switch m := msg.(type) {
					case protocol.TextOut:
						if m.Final {
							fmt.Fprintln(out, "avatar>", m.Text)
						} else {
							fmt.Fprint(out, m.Text)
						}
					case protocol.ErrorEvent:
						fmt.Fprintln(out, "error>", m.Error())
					}
				}
			}()

			scanner := bufio.NewScanner(cmd.InOrStdin())
			for scanner.Scan() {
				line := strings.TrimSpace(scanner.Text())
				if line == "" {
					continue
				}
				if err := sendWhenConnected(cmd.Context(), live, line, resendInterval, st.log); err != nil {
					return err
				}
			}
			if err := scanner.Err(); err != nil {
				return err
			}
			return live.Err()
		},
	}
}

const resendInterval = 500 * time.Millisecond

type textSender interface {
	SendText(text string) error
	Done() <-chan struct{}
	Err() error
}

// sendWhenConnected retries text while the socket is between reconnects and
// gives up only once the socket itself has given up.
func sendWhenConnected(ctx context.Context, live textSender, text string, every time.Duration, log zerolog.Logger) error {
	for {
		err := live.SendText(text)
		if err == nil {
			return nil
		}
		log.Warn().Err(err).Msg("live socket unavailable, retrying send")

		timer := time.NewTimer(every)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-live.Done():
			timer.Stop()
			if cause := live.Err(); cause != nil {
				return cause
			}
			return err
		case <-timer.C:
		}
	}
}
