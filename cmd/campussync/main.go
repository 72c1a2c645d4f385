package main

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/campussync/internal/auth"
	"github.com/MarcoPoloResearchLab/campussync/internal/config"
	"github.com/MarcoPoloResearchLab/campussync/internal/database"
	"github.com/MarcoPoloResearchLab/campussync/internal/ecs"
	"github.com/MarcoPoloResearchLab/campussync/internal/logging"
	"github.com/MarcoPoloResearchLab/campussync/internal/metadata"
	"github.com/MarcoPoloResearchLab/campussync/internal/server"
	"github.com/MarcoPoloResearchLab/campussync/internal/syncer"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const (
	tokenIssuer   = "campussync-auth"
	tokenAudience = "campussync-api"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "campussync",
		Short: "Synchronizes an LMS with CampusConnect brokers",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	cycleCmd := &cobra.Command{
		Use:   "cycle",
		Short: "Run one synchronization cycle for every enabled connection and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			brokerID, err := cmd.Flags().GetInt64("broker-id")
			if err != nil {
				return err
			}
			return runCycle(cmd.Context(), brokerID)
		},
	}
	cycleCmd.Flags().Int64("broker-id", 0, "Limit the cycle to one connection")
	rootCmd.AddCommand(cycleCmd)

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().Duration("cycle-interval", defaults.GetDuration("cycle.interval"), "Interval between synchronization cycles")
	cmd.PersistentFlags().String("lms-base-url", defaults.GetString("lms.base_url"), "Public base URL of the LMS")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("auth.token_ttl_minutes"), "Operator token TTL in minutes")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().String("metadata-mapping", "", "Path to the metadata mapping YAML file")
	cmd.PersistentFlags().String("signing-secret", "", "Operator token signing secret (overrides env)")
	cmd.PersistentFlags().String("admin-secret", "", "Shared operator secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "cycle.interval", "cycle-interval")
	bindFlag(cmd, "lms.base_url", "lms-base-url")
	bindFlag(cmd, "auth.token_ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "metadata.mapping_file", "metadata-mapping")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "auth.admin_secret", "admin-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("campussync")
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/campussync")
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

// application holds what both the server and the one-shot cycle need.
type application struct {
	config   config.AppConfig
	logger   *zap.Logger
	db       *gorm.DB
	services *syncer.Services
	runner   *syncer.Runner
}

func newApplication() (*application, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return nil, err
	}

	mapping, err := metadata.Load(appConfig.MetadataMappingFile)
	if err != nil {
		return nil, err
	}

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger, syncer.Models()...)
	if err != nil {
		return nil, err
	}

	services, err := syncer.NewServices(syncer.ServicesConfig{
		Database:     db,
		Mapping:      mapping,
		LMSBaseURL:   appConfig.LMSBaseURL,
		RoleMap:      appConfig.RoleMap,
		PersonFields: appConfig.PersonFields,
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}

	connections, err := buildConnections(appConfig.EnabledConnections(), logger)
	if err != nil {
		return nil, err
	}

	runner, err := services.Runner(connections, syncer.Config{
		Interval: appConfig.CycleInterval,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	return &application{config: appConfig, logger: logger, db: db, services: services, runner: runner}, nil
}

func (a *application) close() {
	if sqlDB, err := a.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	_ = a.logger.Sync()
}

func buildConnections(configured []config.Connection, logger *zap.Logger) ([]ecs.Connection, error) {
	connections := make([]ecs.Connection, 0, len(configured))
	for _, connection := range configured {
		client, err := ecs.NewClient(ecs.ClientConfig{
			BrokerID: connection.ID,
			BaseURL:  connection.URL,
			Username: connection.Username,
			Password: connection.Password,
			Timeout:  connection.Timeout,
			Logger:   logging.ForConnection(logger, "ecs", connection.ID),
		})
		if err != nil {
			return nil, err
		}
		connections = append(connections, ecs.Connection{
			Client:            client,
			Name:              connection.Name,
			CMSParticipantID:  connection.CMSParticipantID,
			ImportCategoryID:  connection.ImportCategoryID,
			ImportCourses:     connection.ImportCourses,
			ImportMemberships: connection.ImportMemberships,
			ImportDirectories: connection.ImportDirectories,
			ExportCourses:     connection.ExportCourses,
		})
	}
	return connections, nil
}

func runCycle(ctx context.Context, brokerID int64) error {
	app, err := newApplication()
	if err != nil {
		return err
	}
	defer app.close()

	var reports []syncer.Report
	if brokerID != 0 {
		report, runErr := app.runner.RunConnection(ctx, brokerID)
		reports, err = []syncer.Report{report}, runErr
	} else {
		reports, err = app.runner.RunCycle(ctx)
	}
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if encodeErr := encoder.Encode(reports); encodeErr != nil {
		return encodeErr
	}
	return err
}

func runServer(ctx context.Context) error {
	app, err := newApplication()
	if err != nil {
		return err
	}
	defer app.close()
	logger := app.logger

	tokenManager, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(app.config.SigningSecret),
		Issuer:        tokenIssuer,
		Audience:      tokenAudience,
		TokenTTL:      app.config.TokenTTL,
	})
	if err != nil {
		return err
	}

	verifier, err := auth.NewAdminVerifier(app.config.AdminSecret)
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Verifier:      verifier,
		TokenManager:  tokenManager,
		Runner:        app.runner,
		Directories:   app.services.Directories,
		Courses:       app.services.Courses,
		Exports:       app.services.Exports,
		Events:        app.services.Queue,
		Notifications: app.services.Notifier,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(signalCtx)
	httpServer := &http.Server{
		Addr:              app.config.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		// Notification streams end with the process instead of holding Shutdown open.
		BaseContext: func(net.Listener) context.Context { return groupCtx },
	}
	group.Go(func() error {
		logger.Info("server starting", zap.String("address", app.config.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		logger.Info("sync scheduler starting",
			zap.Duration("interval", app.config.CycleInterval),
			zap.Int("connections", len(app.runner.Connections())))
		err := app.runner.Run(groupCtx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return group.Wait()
}
