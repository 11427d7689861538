package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/ent0n29/avatarconsole/internal/app"
	"github.com/ent0n29/avatarconsole/internal/kvstore"
	"github.com/ent0n29/avatarconsole/internal/livesession"
)

func buildForCommand(cmd *cobra.Command, st *cliState) (*app.BuildResult, error) {
	if err := st.cfg.RequireAPI(); err != nil {
		return nil, err
	}
	return app.Build(cmd.Context(), st.cfg, st.log)
}

func newLoginCmd(st *cliState) *cobra.Command {
	var token string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Persist an API token for later commands",
		RunE: func(cmd *cobra.Command, _ []string) error {
			res, err := app.Build(cmd.Context(), st.cfg, st.log)
			if err != nil {
				return err
			}
			defer res.Cleanup()
			if _, ok := res.Store.(*kvstore.InMemoryStore); ok {
				st.log.Warn().Msg("no DATABASE_URL or REDIS_URL configured, token will not outlive this process")
			}
			if err := res.Login(cmd.Context(), token); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "logged in")
			return nil
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "API token issued by the avatar platform")
	_ = cmd.MarkFlagRequired("token")
	return cmd
}

func newLogoutCmd(st *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the persisted API token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			res, err := app.Build(cmd.Context(), st.cfg, st.log)
			if err != nil {
				return err
			}
			defer res.Cleanup()
			if err := res.Logout(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "logged out")
			return nil
		},
	}
}

func newLaunchCmd(st *cliState) *cobra.Command {
	var (
		cfg     livesession.SessionConfig
		voiceID string
		model   string
		noWait  bool
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "launch",
		Short: "Start a live avatar session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if voiceID != "" {
				cfg.Voice = &livesession.VoiceConfig{ID: voiceID}
			}
			if model != "" {
				cfg.LLM = &livesession.LLMConfig{Model: model}
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			res, err := buildForCommand(cmd, st)
			if err != nil {
				return err
			}
			defer res.Cleanup()

			id, err := res.Controller.Launch(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "livestream %s created\n", id)
			if noWait {
				return nil
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			snap, err := waitSettled(ctx, res.Controller)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), snap)
		},
	}
	cmd.Flags().StringVar(&cfg.AvatarID, "avatar", "", "Avatar id to launch")
	cmd.Flags().StringVar(&cfg.EnvironmentID, "environment", "", "Environment id")
	cmd.Flags().StringVar(&cfg.Camera.Preset, "camera-preset", "", "Camera preset")
	cmd.Flags().StringVar(&voiceID, "voice", "", "Voice id")
	cmd.Flags().StringVar(&model, "llm-model", "", "LLM model")
	cmd.Flags().BoolVar(&noWait, "no-wait", false, "Return as soon as the session id is known")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "How long to wait for the session to become ready")
	return cmd
}

func newStatusCmd(st *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "status [id]",
		Short: "Show a live session, defaulting to the persisted one",
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
			session, err := res.Client.GetLiveSession(cmd.Context(), id, true)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"session":  session,
				"ready":    session.IsReady(),
				"terminal": session.IsTerminal(),
				"status":   session.JobStatus.String(),
			})
		},
	}
}

func newEndCmd(st *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "end",
		Short: "End the persisted live session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			res, err := buildForCommand(cmd, st)
			if err != nil {
				return err
			}
			defer res.Cleanup()

			if err := res.Controller.Restore(cmd.Context()); err != nil &&
				!errors.Is(err, livesession.ErrSessionNotFound) && !errors.Is(err, livesession.ErrSessionEnded) {
				return err
			}
			id := res.Controller.LivestreamID()
			if err := res.Controller.End(cmd.Context()); err != nil {
				return err
			}
			if id == "" {
				fmt.Fprintln(cmd.OutOrStdout(), "no active livestream")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "livestream %s ended\n", id)
			return nil
		},
	}
}

func sessionID(ctx context.Context, store kvstore.Store, args []string) (string, error) {
	if len(args) == 1 && args[0] != "" {
		return args[0], nil
	}
	id, err := store.Load(ctx, kvstore.KeyLiveSessionID)
	if errors.Is(err, kvstore.ErrNotFound) {
		return "", errors.New("no active livestream, pass an id")
	}
	return id, err
}

const settlePollInterval = 250 * time.Millisecond

// waitSettled blocks until the controller leaves the connecting state.
func waitSettled(ctx context.Context, c interface{ Snapshot() livesession.Snapshot }) (livesession.Snapshot, error) {
	ticker := time.NewTicker(settlePollInterval)
	defer ticker.Stop()
	for {
		snap := c.Snapshot()
		switch snap.State {
		case livesession.StateConnected:
			return snap, nil
		case livesession.StateError:
			msg := snap.StatusMessage
			if snap.LastError != nil {
				msg = snap.LastError.Context + ": " + snap.LastError.Message
			}
			return snap, errors.New(msg)
		}
		select {
		case <-ctx.Done():
			return snap, fmt.Errorf("waiting for livestream: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
