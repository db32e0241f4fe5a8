package main

import (
	"bytes"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/and161185/vazy-sync/internal/local"
	"github.com/and161185/vazy-sync/internal/migrate"
	"github.com/and161185/vazy-sync/internal/retry"
	"github.com/and161185/vazy-sync/internal/session"
)

var loginCmd = &cobra.Command{
	Use:     "login <token|->",
	GroupID: "admin",
	Short:   "Verify an access token and save it for later commands",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tok := args[0]
		if tok == "-" {
			raw, err := readAll(tok)
			if err != nil {
				return err
			}
			tok = string(raw)
		}
		tok = strings.TrimSpace(tok)

		account, err := session.AccountID(tok, []byte(cfg.JWTKey))
		if err != nil {
			return err
		}
		if err := saveToken(tok, tokenExpiry(tok)); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), account)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:     "logout",
	GroupID: "admin",
	Short:   "Forget the saved access token",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := os.Remove(tokenPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return nil
	},
}

var migrateRemoteCmd = &cobra.Command{
	Use:     "migrate-remote",
	GroupID: "admin",
	Short:   "Apply the remote Postgres schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.RemoteDSN == "" {
			return errors.New("remote_dsn is not configured")
		}
		ctx := cmd.Context()
		if err := migrate.Up(ctx, cfg.RemoteDSN); err != nil {
			return err
		}
		v, err := migrate.Version(ctx, cfg.RemoteDSN)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "remote schema at version %d\n", v)
		return nil
	},
}

var generationCmd = &cobra.Command{
	Use:     "generation",
	GroupID: "admin",
	Short:   "Open the local cache, upgrading it if needed, and print its generation",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := local.Open(cmd.Context(), cfg.LocalPath, logger)
		if err != nil {
			return err
		}
		defer db.Close()
		g, err := db.Generation(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: generation %d (latest %d)\n", db.Path(), g, local.LatestGeneration)
		return nil
	},
}

var pullDays int

var pullCmd = &cobra.Command{
	Use:     "pull",
	GroupID: "sync",
	Short:   "Refresh the local cache from the remote service",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		warn(s, s.Load(ctx))
		from := time.Now().Truncate(24 * time.Hour)
		events, err := s.Calendar.Load(ctx, from, from.AddDate(0, 0, pullDays))
		warn(s, err)

		printJSON(map[string]int{
			"services":   len(s.Services.List()),
			"categories": len(s.Categories.List()),
			"events":     len(events),
		})
		return nil
	},
}

var drainCmd = &cobra.Command{
	Use:     "drain",
	GroupID: "sync",
	Short:   "Replay queued writes once",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		out := s.Engine.Drain(cmd.Context())
		printJSON(out)
		if out.Err != nil {
			return out.Err
		}
		if out.Failed > 0 {
			return fmt.Errorf("%d write(s) still pending", out.Failed)
		}
		return nil
	},
}

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Drain queued writes on the configured schedule until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		sched, err := s.Scheduler()
		if err != nil {
			return err
		}
		next := sched.OnDrain
		sched.OnDrain = func(out retry.Outcome) {
			next(out)
			for _, n := range s.Notices.List() {
				logger.Info(n.Message, zap.String("kind", string(n.Kind)))
				s.Notices.Remove(n.ID)
			}
		}
		sched.Run(ctx)
		return nil
	},
}

var queueLimit int

var queueCmd = &cobra.Command{
	Use:     "queue",
	GroupID: "sync",
	Short:   "Show writes waiting in the local retry queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		db, err := local.Open(ctx, cfg.LocalPath, logger)
		if err != nil {
			return err
		}
		defer db.Close()
		conn, err := db.SQL()
		if err != nil {
			return err
		}
		// every account sharing the file
		q := retry.New(conn, "", logger)

		stats, err := q.Stats(ctx)
		if err != nil {
			return err
		}
		entries, err := q.List(ctx, queueLimit)
		if err != nil {
			return err
		}
		printJSON(struct {
			Stats   retry.Stats
			Entries []retry.Entry
		}{stats, entries})
		return nil
	},
}

var servicesCmd = &cobra.Command{
	Use:     "services",
	GroupID: "data",
	Short:   "List services, from the remote when reachable",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		list, err := s.Services.Load(cmd.Context())
		warn(s, err)
		printJSON(list)
		return nil
	},
}

var agendaDays int

var agendaCmd = &cobra.Command{
	Use:     "agenda",
	GroupID: "data",
	Short:   "Print appointments for the coming days in the profile timezone",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		_, err = s.Profile.Load(ctx)
		warn(s, err)
		from := time.Now().In(s.Profile.Location())
		from = time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, from.Location())
		_, err = s.Calendar.Load(ctx, from, from.AddDate(0, 0, agendaDays))
		warn(s, err)
		printJSON(s.Calendar.Appointments())
		return nil
	},
}

var photoCmd = &cobra.Command{
	Use:     "photo-add <file|->",
	GroupID: "data",
	Short:   "Upload an image and attach it to the public page gallery",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		data, err := readAll(args[0])
		if err != nil {
			return err
		}
		ctype := mime.TypeByExtension(filepath.Ext(args[0]))
		if ctype == "" {
			ctype = http.DetectContentType(data)
		}

		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.Close()
		if s.Photos == nil {
			return errors.New("blob.dir is not configured")
		}
		_, err = s.Page.Load(ctx)
		warn(s, err)
		link, err := s.Photos.Upload(ctx, filepath.Base(args[0]), ctype, bytes.NewReader(data))
		if link != "" {
			fmt.Fprintln(cmd.OutOrStdout(), link)
		}
		if err != nil {
			return errors.New(s.Text.Error(err))
		}
		return nil
	},
}

// warn prints a load failure that was answered from the cache.
func warn(s *session.Session, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %s\n", s.Text.Error(err))
	}
}

func init() {
	pullCmd.Flags().IntVar(&pullDays, "days", 30, "calendar window to pull, in days")
	queueCmd.Flags().IntVar(&queueLimit, "limit", 50, "entries to show")
	agendaCmd.Flags().IntVar(&agendaDays, "days", 7, "days to show")

	rootCmd.AddCommand(loginCmd, logoutCmd, migrateRemoteCmd, generationCmd)
	rootCmd.AddCommand(pullCmd, drainCmd, daemonCmd, queueCmd)
	rootCmd.AddCommand(servicesCmd, agendaCmd, photoCmd)
}
