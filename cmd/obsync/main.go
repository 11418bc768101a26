package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xcnick/ob-sync/internal/auth"
	"github.com/xcnick/ob-sync/internal/config"
	"github.com/xcnick/ob-sync/internal/database"
	"github.com/xcnick/ob-sync/internal/files"
	"github.com/xcnick/ob-sync/internal/logging"
	"github.com/xcnick/ob-sync/internal/server"
	"github.com/xcnick/ob-sync/internal/vault"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "obsync",
		Short: "Self-hosted encrypted vault sync server",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
	rootCmd.AddCommand(serveCmd)

	signupCmd := &cobra.Command{
		Use:   "signup",
		Short: "Register an account",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			email, _ := cmd.Flags().GetString("email")
			password, _ := cmd.Flags().GetString("password")
			return runSignup(cmd.Context(), name, email, password)
		},
	}
	signupCmd.Flags().StringP("name", "n", "", "Account display name")
	signupCmd.Flags().StringP("email", "e", "", "Account email")
	signupCmd.Flags().StringP("password", "p", "", "Account password")
	for _, flag := range []string{"name", "email", "password"} {
		if err := signupCmd.MarkFlagRequired(flag); err != nil {
			panic(err)
		}
	}
	rootCmd.AddCommand(signupCmd)

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
	cmd.PersistentFlags().String("host-name", defaults.GetString("host.name"), "Host name advertised to sync clients")
	cmd.PersistentFlags().Int("max-storage-gb", defaults.GetInt("storage.max_gb"), "Per-vault storage ceiling in gigabytes")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Bearer token signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "host.name", "host-name")
	bindFlag(cmd, "storage.max_gb", "max-storage-gb")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
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

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	tokenManager := auth.NewTokenManager(auth.TokenManagerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
	})

	vaultService, err := vault.NewService(vault.ServiceConfig{
		Database: db,
		Clock:    time.Now,
		Host:     appConfig.HostName,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	fileStore, err := files.NewStore(files.StoreConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: files.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	rooms := server.NewRoomRegistry(logger)

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Vaults:       vaultService,
		Files:        fileStore,
		Tokens:       tokenManager,
		Rooms:        rooms,
		StorageLimit: appConfig.MaxStorageBytes,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
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

func runSignup(ctx context.Context, name, email, password string) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	vaultService, err := vault.NewService(vault.ServiceConfig{
		Database: db,
		Host:     appConfig.HostName,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	account, err := vaultService.Signup(ctx, name, email, password)
	if err != nil {
		return err
	}

	logger.Info("account ready", zap.String("email", account.Email))
	return nil
}
