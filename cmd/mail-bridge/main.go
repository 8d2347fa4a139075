// Package main is the entry point for the email to Matrix bridge.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/shineum/smtp-matrix-bridge/internal/compose"
	"github.com/shineum/smtp-matrix-bridge/internal/config"
	"github.com/shineum/smtp-matrix-bridge/internal/logging"
	"github.com/shineum/smtp-matrix-bridge/internal/notify"
	"github.com/shineum/smtp-matrix-bridge/internal/notify/graph"
	"github.com/shineum/smtp-matrix-bridge/internal/notify/ses"
	"github.com/shineum/smtp-matrix-bridge/internal/roompolicy"
	"github.com/shineum/smtp-matrix-bridge/internal/routing"
	"github.com/shineum/smtp-matrix-bridge/internal/smtp"
	"github.com/shineum/smtp-matrix-bridge/internal/store"
	smtptls "github.com/shineum/smtp-matrix-bridge/internal/tls"
	"github.com/shineum/smtp-matrix-bridge/internal/transport"
	"github.com/shineum/smtp-matrix-bridge/internal/transport/matrix"
	"github.com/shineum/smtp-matrix-bridge/internal/transport/stdout"
	"github.com/shineum/smtp-matrix-bridge/internal/web"
)

func main() {
	if err := run(); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		slog.Error("mail-bridge failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath, logLevel string

	flagSet := pflag.NewFlagSet("mail-bridge", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "path to a YAML or JSONC configuration file (optional)")
	flagSet.StringVar(&logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		return err
	}

	cfg, err := loadConfig(configPath, logLevel)
	if err != nil {
		return err
	}

	setupLogger(cfg.Logging.Level)
	logging.SetRedactAddresses(cfg.Logging.RedactAddresses)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.Open(store.Config{
		DatabasePath:    cfg.Storage.DatabasePath,
		AttachmentsPath: cfg.Storage.AttachmentsPath,
	})
	if err != nil {
		return err
	}
	defer st.Close()

	resolver := roompolicy.NewResolver(roomSettings(cfg))
	composer := compose.New()

	tr, runTransport, err := selectTransport(cfg)
	if err != nil {
		return err
	}

	notifier, err := selectNotifier(ctx, cfg)
	if err != nil {
		return err
	}

	engine := routing.New(routing.Config{
		Resolver:  resolver,
		Store:     st,
		Transport: tr,
		Composer:  composer,
		Notifier:  notifier,
	})

	var services []func(context.Context) error
	if runTransport != nil {
		services = append(services, runTransport)
	}

	services = append(services, web.New(web.Config{
		ListenAddr:         cfg.Web.Listen,
		Secret:             cfg.Web.Secret,
		MaxBodyBytes:       int64(cfg.SMTP.MaxMessageSize),
		TrustedAuthServIDs: cfg.Mail.TrustedAuthServIDs,
		Handler:            engine,
		Store:              st,
		Sanitizer:          composer,
	}).ListenAndServe)

	if cfg.Mail.Enabled {
		tlsConfig, err := smtptls.LoadOrGenerateTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.SMTP.Hostname)
		if err != nil {
			return fmt.Errorf("failed to setup TLS: %w", err)
		}
		services = append(services, smtp.New(smtp.ServerConfig{
			ListenAddr:         cfg.SMTP.Listen,
			Hostname:           cfg.SMTP.Hostname,
			Handler:            engine,
			AcceptRecipient:    resolver.IsRoutable,
			TLSConfig:          tlsConfig,
			AuthUsername:       cfg.SMTP.Username,
			AuthPassword:       cfg.SMTP.Password,
			MaxMessageBytes:    int64(cfg.SMTP.MaxMessageSize),
			MaxRecipients:      cfg.SMTP.MaxRecipients,
			VerifySPF:          cfg.SMTP.VerifySPF,
			VerifyDKIM:         cfg.SMTP.VerifyDKIM,
			TrustedAuthServIDs: cfg.Mail.TrustedAuthServIDs,
		}).ListenAndServe)
	}

	slog.Info("starting mail-bridge",
		"transport", tr.Name(),
		"mail_enabled", cfg.Mail.Enabled,
		"domain", cfg.Mail.Domain,
		"rooms", len(cfg.RoomConfigs),
		"notifier", notifierName(notifier),
		"auth_enabled", cfg.AuthEnabled(),
	)

	go handleSignals(ctx, cancel, configPath, logLevel, resolver)

	return runServices(ctx, cancel, services)
}

// runServices runs every service until ctx is cancelled. The first service
// to fail cancels the others; its error is returned.
func runServices(ctx context.Context, cancel context.CancelFunc, services []func(context.Context) error) error {
	var (
		wg       sync.WaitGroup
		once     sync.Once
		firstErr error
	)
	for _, svc := range services {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := svc(ctx); err != nil {
				once.Do(func() { firstErr = err })
				cancel()
			}
		}()
	}
	wg.Wait()

	if firstErr == nil {
		slog.Info("mail-bridge stopped")
	}
	return firstErr
}

// handleSignals cancels ctx on SIGINT or SIGTERM and reloads the room
// configuration on SIGHUP.
func handleSignals(ctx context.Context, cancel context.CancelFunc, configPath, logLevel string, resolver *roompolicy.Resolver) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigCh:
			if sig != syscall.SIGHUP {
				slog.Info("received signal, initiating shutdown", "signal", sig)
				cancel()
				return
			}

			cfg, err := loadConfig(configPath, logLevel)
			if err != nil {
				slog.Error("failed to reload configuration, keeping current", "error", err)
				continue
			}
			resolver.SetSettings(roomSettings(cfg))
			logging.SetRedactAddresses(cfg.Logging.RedactAddresses)
			slog.Info("configuration reloaded", "rooms", len(cfg.RoomConfigs))
		}
	}
}

// loadConfig loads configuration from the specified path (file + env override)
// or from environment variables only if no path is given, then validates it.
func loadConfig(path, logLevel string) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path != "" {
		cfg, err = config.LoadFromFile(path)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func roomSettings(cfg *config.Config) roompolicy.Settings {
	return roompolicy.Settings{
		Domain:        cfg.Mail.Domain,
		CustomTargets: cfg.CustomMailTargets,
		Defaults:      cfg.DefaultRoomConfig,
		Rooms:         cfg.RoomConfigs,
	}
}

// setupLogger configures the global slog logger with JSON output and the
// specified log level.
func setupLogger(level string) {
	var logLevel slog.Level

	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}

// selectTransport builds the delivery transport. The returned run func, when
// not nil, must run for the transport to work.
func selectTransport(cfg *config.Config) (transport.Transport, func(context.Context) error, error) {
	switch cfg.Transport {
	case "stdout":
		slog.Info("using stdout transport")
		return stdout.New(), nil, nil
	default:
		t, err := matrix.New(matrix.Config{
			HomeserverURL: cfg.Matrix.HomeserverURL,
			UserID:        cfg.Matrix.UserID,
			AccessToken:   cfg.Matrix.AccessToken,
			AutoJoin:      cfg.Matrix.AutoJoin,
			LogLevel:      cfg.Logging.Level,
		})
		if err != nil {
			return nil, nil, err
		}
		slog.Info("using matrix transport",
			"homeserver", cfg.Matrix.HomeserverURL,
			"user_id", cfg.Matrix.UserID,
		)
		return t, t.Run, nil
	}
}

// selectNotifier builds the rejection notice backend, or nil when notices
// are disabled.
func selectNotifier(ctx context.Context, cfg *config.Config) (notify.Notifier, error) {
	switch cfg.Notify.Provider {
	case "ses":
		slog.Info("using AWS SES notifier",
			"region", cfg.Notify.SES.Region,
			"sender", cfg.Notify.Sender,
		)
		n, err := ses.New(ctx, ses.Config{
			Region:          cfg.Notify.SES.Region,
			AccessKeyID:     cfg.Notify.SES.AccessKeyID,
			SecretAccessKey: cfg.Notify.SES.SecretAccessKey,
			Sender:          cfg.Notify.Sender,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create SES notifier: %w", err)
		}
		return n, nil
	case "graph":
		slog.Info("using Microsoft Graph notifier", "sender", cfg.Notify.Sender)
		return graph.New(graph.Config{
			TenantID:     cfg.Notify.Graph.TenantID,
			ClientID:     cfg.Notify.Graph.ClientID,
			ClientSecret: cfg.Notify.Graph.ClientSecret,
			Sender:       cfg.Notify.Sender,
		}), nil
	default:
		return nil, nil
	}
}

func notifierName(n notify.Notifier) string {
	if n == nil {
		return "none"
	}
	return n.Name()
}
