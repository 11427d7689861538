package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ent0n29/avatarconsole/internal/config"
	"github.com/ent0n29/avatarconsole/internal/logging"
)

type cliState struct {
	envFile   string
	logLevel  string
	logFormat string

	cfg config.Config
	log zerolog.Logger
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	st := &cliState{}
	root := &cobra.Command{
		Use:           "avatarconsole",
		Short:         "Operate live avatar sessions and browse console resources",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(st.envFile)
			if err != nil {
				return fmt.Errorf("config error: %w", err)
			}
			if st.logLevel != "" {
				cfg.LogLevel = st.logLevel
			}
			if st.logFormat != "" {
				cfg.LogFormat = st.logFormat
			}
			st.cfg = cfg
			st.log = logging.New(cfg.LogLevel, cfg.LogFormat)
			return nil
		},
	}
	root.PersistentFlags().StringVar(&st.envFile, "env-file", ".env", "Optional dotenv file loaded before the environment")
	root.PersistentFlags().StringVar(&st.logLevel, "log-level", "", "Log level: debug|info|warn|error (defaults APP_LOG_LEVEL)")
	root.PersistentFlags().StringVar(&st.logFormat, "log-format", "", "Log format: json|console (defaults APP_LOG_FORMAT)")

	root.AddCommand(
		newServeCmd(st),
		newLoginCmd(st),
		newLogoutCmd(st),
		newLaunchCmd(st),
		newStatusCmd(st),
		newEndCmd(st),
		newChatCmd(st),
	)
	return root
}
