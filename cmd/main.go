package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"keeper/internal/caldav"
	"keeper/internal/config"
	"keeper/internal/google"
	"keeper/internal/logging"
	"keeper/internal/models"
	"keeper/internal/server"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
	"golang.org/x/oauth2"
)

func main() {
	// Load .env file first, but don't error if it doesn't exist.
	_ = godotenv.Load()

	app := &cli.App{
		Name:  "keeper",
		Usage: "Mirror calendar events into Google, Outlook and CalDAV calendars.",
		Commands: []*cli.Command{
			authCommand(),
			linkCalDAVCommand(),
			syncCommand(),
			serveCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		slog.Error("Application failed", "error", err)
		os.Exit(1)
	}
}

func authCommand() *cli.Command {
	return &cli.Command{
		Name:  "auth",
		Usage: "Authenticate a Google account and link it as a destination.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "user", Required: true, Usage: "Keeper user that owns the destination."},
			&cli.StringFlag{Name: "calendar", Usage: "Calendar ID to write to. Defaults to the primary calendar."},
		},
		Action: func(c *cli.Context) error {
			rt, err := newDeps(c.Context)
			if err != nil {
				return err
			}
			defer rt.Close()
			rt.logger.Info("Starting Google authentication flow.")

			oauthConfig, err := google.OAuthConfig(rt.cfg.GoogleClientID, rt.cfg.GoogleClientSecret)
			if err != nil {
				return fmt.Errorf("failed to get google oauth config: %w", err)
			}

			authURL := oauthConfig.AuthCodeURL("state-token", oauth2.AccessTypeOffline)
			fmt.Printf("Go to the following link in your browser then type the "+
				"authorization code: \n%v\n", authURL)

			fmt.Print("Enter Authorization Code: ")
			reader := bufio.NewReader(os.Stdin)
			authCode, _ := reader.ReadString('\n')
			authCode = strings.TrimSpace(authCode)

			token, err := google.TokenFromWeb(c.Context, oauthConfig, authCode)
			if err != nil {
				return fmt.Errorf("unable to retrieve token from web: %w", err)
			}
			email, err := google.AccountEmail(c.Context, oauthConfig, token)
			if err != nil {
				return fmt.Errorf("unable to identify google account: %w", err)
			}

			dest, err := rt.store.SaveDestination(c.Context, models.Destination{
				UserID:               c.String("user"),
				Provider:             models.ProviderGoogle,
				AccountID:            email,
				Email:                email,
				AccessToken:          token.AccessToken,
				RefreshToken:         token.RefreshToken,
				AccessTokenExpiresAt: token.Expiry,
				CalendarID:           c.String("calendar"),
			})
			if err != nil {
				return fmt.Errorf("failed to save destination: %w", err)
			}

			rt.logger.Info("Successfully authenticated and linked destination.", "destinationId", dest.ID, "email", email)
			return nil
		},
	}
}

func linkCalDAVCommand() *cli.Command {
	return &cli.Command{
		Name:  "link-caldav",
		Usage: "Link a CalDAV, FastMail or iCloud calendar as a destination.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "user", Required: true, Usage: "Keeper user that owns the destination."},
			&cli.StringFlag{Name: "provider", Value: models.ProviderCalDAV, Usage: "One of caldav, fastmail or icloud."},
			&cli.StringFlag{Name: "server", Usage: "CalDAV server URL. Required for the caldav provider."},
			&cli.StringFlag{Name: "username", Required: true},
			&cli.StringFlag{Name: "password", Required: true, EnvVars: []string{"CALDAV_PASSWORD"}, Usage: "Password or app-specific password."},
			&cli.StringFlag{Name: "calendar", Usage: "Calendar name, path or URL. Defaults to the first calendar found."},
		},
		Action: func(c *cli.Context) error {
			rt, err := newDeps(c.Context)
			if err != nil {
				return err
			}
			defer rt.Close()

			kind := c.String("provider")
			switch kind {
			case models.ProviderCalDAV, models.ProviderFastMail, models.ProviderICloud:
			default:
				return fmt.Errorf("unsupported provider %q", kind)
			}
			dest := models.Destination{
				UserID:     c.String("user"),
				Provider:   kind,
				ServerURL:  c.String("server"),
				Username:   c.String("username"),
				Password:   c.String("password"),
				CalendarID: c.String("calendar"),
				Email:      c.String("username"),
			}
			dest.AccountID = caldav.AccountID(dest)

			// Resolve the calendar now so bad credentials fail here instead of on every sync.
			factory := caldav.FactoryFor(kind, rt.cfg.Location, rt.logger)
			if _, err := factory.New(c.Context, dest); err != nil {
				return fmt.Errorf("failed to connect to calendar: %w", err)
			}

			dest, err = rt.store.SaveDestination(c.Context, dest)
			if err != nil {
				return fmt.Errorf("failed to save destination: %w", err)
			}
			rt.logger.Info("Linked calendar destination.", "destinationId", dest.ID, "provider", kind)
			return nil
		},
	}
}

func syncCommand() *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "Run the calendar synchronization process.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "user", Usage: "Only sync this user. Defaults to every user."},
			&cli.BoolFlag{Name: "once", Usage: "Run the sync cycle once and exit, even when --watch is set."},
			&cli.IntFlag{Name: "watch", Value: 300, Usage: "Run sync every N seconds."},
		},
		Action: func(c *cli.Context) error {
			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := newDeps(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			runOnce := func() error {
				var result models.SyncResult
				var err error
				if user := c.String("user"); user != "" {
					result, err = rt.orchestrator.SyncUser(ctx, user)
				} else {
					result, err = rt.orchestrator.SyncAll(ctx)
				}
				rt.logger.Info("Sync cycle finished.", "added", result.Added, "removed", result.Removed)
				return err
			}

			if interval, watch := syncSchedule(c.Bool("once"), c.IsSet("watch"), c.Int("watch")); watch {
				rt.logger.Info("Starting watcher.", "interval", interval)
				ticker := time.NewTicker(interval)
				defer ticker.Stop()
				for {
					if err := runOnce(); err != nil {
						rt.logger.Error("Sync cycle failed", "error", err)
					}
					select {
					case <-ctx.Done():
						return nil
					case <-ticker.C:
					}
				}
			}

			rt.logger.Info("Running a single sync cycle.")
			if err := runOnce(); err != nil {
				return fmt.Errorf("single sync cycle failed: %w", err)
			}
			return nil
		},
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the sync API and live status socket.",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{Name: "origin", Usage: "Additional websocket origin patterns to accept."},
		},
		Action: func(c *cli.Context) error {
			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := newDeps(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			if err := rt.broadcasts.StartSubscriber(ctx); err != nil {
				return fmt.Errorf("failed to start broadcast subscriber: %w", err)
			}

			router := server.NewRouter(server.Options{
				Statuses:       rt.store,
				Syncs:          rt.orchestrator,
				Sockets:        rt.sockets,
				AuthToken:      rt.cfg.AuthToken,
				OriginPatterns: c.StringSlice("origin"),
				Logger:         rt.logger,
			})
			srv := &http.Server{Addr: rt.cfg.Addr, Handler: router, ReadHeaderTimeout: 10 * time.Second}

			if rt.cfg.SyncInterval > 0 {
				go rt.periodicSync(ctx, rt.cfg.SyncInterval)
			}

			errCh := make(chan error, 1)
			go func() {
				rt.logger.Info("HTTP server listening.", "addr", rt.cfg.Addr)
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("http server failed: %w", err)
				}
			case <-ctx.Done():
				rt.logger.Info("Shutting down.")
				shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
				defer cancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					rt.logger.Error("HTTP server shutdown failed", "error", err)
				}
			}
			rt.orchestrator.Wait()
			return nil
		},
	}
}

// syncSchedule decides between a single run and a watch loop. A single run is the
// default, --once wins over --watch and a non-positive interval never loops.
func syncSchedule(once, watchSet bool, watchSeconds int) (time.Duration, bool) {
	if once || !watchSet || watchSeconds <= 0 {
		return 0, false
	}
	return time.Duration(watchSeconds) * time.Second, true
}

// periodicSync syncs every user every interval until ctx is done.
func (rt *deps) periodicSync(ctx context.Context, interval time.Duration) {
	rt.logger.Info("Starting periodic sync.", "interval", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if _, err := rt.orchestrator.SyncAll(ctx); err != nil {
			rt.logger.Error("Periodic sync failed", "error", err)
		}
	}
}

func loadConfig() (config.Config, *slog.Logger, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, nil, err
	}
	logger, closer := logging.New(logging.Options{
		Level:      cfg.LogLevel,
		File:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxAgeDays: cfg.LogMaxAgeDays,
		MaxBackups: cfg.LogMaxBackups,
	})
	return cfg, logger, func() { _ = closer.Close() }, nil
}
