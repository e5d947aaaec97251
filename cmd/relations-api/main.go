package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/relations/internal/activity"
	"github.com/MarcoPoloResearchLab/relations/internal/auth"
	"github.com/MarcoPoloResearchLab/relations/internal/config"
	"github.com/MarcoPoloResearchLab/relations/internal/crm/actions"
	"github.com/MarcoPoloResearchLab/relations/internal/database"
	"github.com/MarcoPoloResearchLab/relations/internal/logging"
	"github.com/MarcoPoloResearchLab/relations/internal/realtime"
	"github.com/MarcoPoloResearchLab/relations/internal/server"
	"github.com/MarcoPoloResearchLab/relations/internal/stream"
	"github.com/MarcoPoloResearchLab/relations/internal/timeline"
	"github.com/MarcoPoloResearchLab/relations/internal/users"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "relations-api",
		Short: "Relations activity feed service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API (default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(serveCmd, newTokenCommand(), newTailCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("allowed-origins", defaults.GetString("http.allowed_origins"), "Comma separated CORS origins")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("database-dsn", defaults.GetString("database.dsn"), "Postgres connection string")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().Int("keepalive-seconds", defaults.GetInt("stream.keepalive_seconds"), "Stream keepalive interval in seconds")
	cmd.PersistentFlags().Int("backlog-limit", defaults.GetInt("stream.backlog_limit"), "Maximum events replayed on connect")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "http.allowed_origins", "allowed-origins")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "stream.keepalive_seconds", "keepalive-seconds")
	bindFlag(cmd, "stream.backlog_limit", "backlog-limit")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

// notifier pairs the publisher and subscriber halves of the configured
// notification transport.
type notifier struct {
	publisher  realtime.Publisher
	subscriber realtime.Subscriber
	close      func()
}

func newNotifier(ctx context.Context, appConfig config.AppConfig, logger *zap.Logger) (notifier, error) {
	if appConfig.DatabaseDriver != config.DatabaseDriverPostgres {
		hub := realtime.NewHub()
		return notifier{publisher: hub, subscriber: hub, close: hub.Close}, nil
	}
	publisher, err := realtime.NewPostgresPublisher(ctx, appConfig.DatabaseDSN)
	if err != nil {
		return notifier{}, err
	}
	subscriber, err := realtime.NewPostgresSubscriber(appConfig.DatabaseDSN, logger)
	if err != nil {
		publisher.Close()
		return notifier{}, err
	}
	return notifier{publisher: publisher, subscriber: subscriber, close: publisher.Close}, nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.Open(database.Options{
		Driver: appConfig.DatabaseDriver,
		Path:   appConfig.DatabasePath,
		DSN:    appConfig.DatabaseDSN,
	}, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	notifications, err := newNotifier(ctx, appConfig, logger)
	if err != nil {
		return err
	}
	defer notifications.close()

	recorder, err := activity.NewRecorder(activity.RecorderConfig{
		Database:  db,
		Publisher: notifications.publisher,
		Channel:   appConfig.NotifyChannel,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	enricher, err := activity.NewEnricher(activity.EnricherConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}
	feed, err := activity.NewFeed(activity.FeedConfig{Database: db, Enricher: enricher, Logger: logger})
	if err != nil {
		return err
	}
	timelineService, err := timeline.NewService(timeline.ServiceConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}
	gateway, err := stream.NewGateway(stream.Config{
		Source:       feed,
		Subscriber:   notifications.subscriber,
		Channel:      appConfig.NotifyChannel,
		BacklogLimit: appConfig.BacklogLimit,
		Keepalive:    appConfig.Keepalive,
		Logger:       logger,
	})
	if err != nil {
		return err
	}
	actionService, err := actions.NewService(actions.ServiceConfig{Database: db, Recorder: recorder, Logger: logger})
	if err != nil {
		return err
	}
	userService, err := users.NewService(users.ServiceConfig{Database: db, Clock: time.Now})
	if err != nil {
		return err
	}
	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.SessionIssuer,
		CookieName:    appConfig.CookieName,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		SessionValidator: sessionValidator,
		Users:            userService,
		Feed:             feed,
		Timeline:         timelineService,
		Gateway:          gateway,
		Actions:          actionService,
		AllowedOrigins:   appConfig.AllowedOrigins,
		Logger:           logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("database_driver", appConfig.DatabaseDriver))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
