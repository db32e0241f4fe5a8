// Command vazy runs the offline-first sync layer from a terminal: it pulls
// the account's data into the local cache, drains queued writes and
// inspects what is waiting.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/and161185/vazy-sync/internal/config"
	"github.com/and161185/vazy-sync/internal/logging"
	"github.com/and161185/vazy-sync/internal/session"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

var (
	cfgFile string
	cfg     config.Config
	logger  = zap.NewNop()
)

var rootCmd = &cobra.Command{
	Use:           "vazy",
	Short:         "Offline-first sync for the booking back office",
	Version:       fmt.Sprintf("%s (%s)", version, buildDate),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		v := viper.New()
		if err := v.BindPFlag("log.level", cmd.Flags().Lookup("log-level")); err != nil {
			return err
		}
		var err error
		if cfg, err = config.Load(v, cfgFile); err != nil {
			return err
		}
		if logger, err = logging.New(cfg.Log); err != nil {
			return err
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml, toml or json)")
	rootCmd.PersistentFlags().String("log-level", "info", "debug, info, warn or error")
	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "data", Title: "Data:"},
		&cobra.Group{ID: "admin", Title: "Admin:"},
	)
}

// openSession resolves the access token (config first, then the saved login)
// and opens the session.
func openSession(ctx context.Context) (*session.Session, error) {
	c := cfg
	if c.Token == "" {
		tok, err := loadToken()
		if err != nil {
			return nil, err
		}
		c.Token = tok
	}
	return session.Open(ctx, c, logger)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
