package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/seolmap/seolauth/internal/authcore"
	"github.com/seolmap/seolauth/internal/authpg"
	"github.com/seolmap/seolauth/internal/web"
)

var serveHTTP = func(server *http.Server) error {
	return server.ListenAndServe()
}

var buildGoogleTokenValidator = func(ctx context.Context) (authcore.GoogleTokenValidator, error) {
	return authcore.NewGoogleTokenValidator(ctx)
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "seolauth",
		Short:   "Auth service with OAuth2 login, JWT access tokens, and rotating refresh sessions",
		PreRunE: prepareServerConfig,
		RunE:    runServer,
	}

	rootCmd.Flags().String("listen_addr", ":8080", "HTTP listen address")
	rootCmd.Flags().String("jwt_signing_key", "", "HS256 signing secret for issued tokens")
	rootCmd.Flags().StringSlice("jwt_verify_keys", []string{}, "Additional HS256 keys accepted during key rotation")
	rootCmd.Flags().Duration("access_ttl", 15*time.Minute, "Access token TTL")
	rootCmd.Flags().Duration("refresh_ttl", 14*24*time.Hour, "Refresh session TTL")
	rootCmd.Flags().Duration("pending_ttl", 5*time.Minute, "OAuth2 pending exchange lifetime")
	rootCmd.Flags().Duration("clock_skew", 0, "Clock-skew allowance for token expiry (0-30s)")
	rootCmd.Flags().String("database_url", "", "Database URL for sessions and principals (postgres:// or sqlite://; leave empty for in-memory stores)")
	rootCmd.Flags().Bool("pgx_native", false, "Use the pgx-native store for sessions and pending exchanges (postgres only)")
	rootCmd.Flags().String("oauth_redirect_base", "", "Public base URL for OAuth2 callbacks, e.g. https://auth.example.com")
	rootCmd.Flags().String("kakao_client_id", "", "Kakao OAuth2 client ID")
	rootCmd.Flags().String("kakao_client_secret", "", "Kakao OAuth2 client secret")
	rootCmd.Flags().String("google_client_id", "", "Google OAuth2 client ID")
	rootCmd.Flags().String("google_client_secret", "", "Google OAuth2 client secret")
	rootCmd.Flags().String("google_web_client_id", "", "Audience for direct Google ID-token sign-in (empty disables /auth/google)")
	rootCmd.Flags().Bool("enable_cors", false, "Enable CORS for cross-origin clients")
	rootCmd.Flags().StringSlice("cors_allowed_origins", []string{}, "Allowed origins when CORS is enabled")

	for _, flagName := range []string{
		"listen_addr", "jwt_signing_key", "jwt_verify_keys", "access_ttl", "refresh_ttl",
		"pending_ttl", "clock_skew", "database_url", "pgx_native", "oauth_redirect_base",
		"kakao_client_id", "kakao_client_secret", "google_client_id", "google_client_secret",
		"google_web_client_id", "enable_cors", "cors_allowed_origins",
	} {
		_ = viper.BindPFlag(flagName, rootCmd.Flags().Lookup(flagName))
	}

	viper.SetEnvPrefix("APP")
	viper.AutomaticEnv()

	return rootCmd
}

const tokenIssuer = "seolauth"

const (
	configCodeMissingJWTSigningKey    = "config.missing_jwt_signing_key"
	configCodeInvalidAccessTTL        = "config.invalid_access_ttl"
	configCodeInvalidRefreshTTL       = "config.invalid_refresh_ttl"
	configCodeInvalidClockSkew        = "config.invalid_clock_skew"
	configCodeMissingRedirectBase     = "config.missing_oauth_redirect_base"
	configCodeUninitializedServerConf = "config.uninitialized_server_config"
	configCodeGoogleValidatorInit     = "config.google_validator_init"
	configCodePgxRequiresPostgres     = "config.pgx_requires_postgres"
)

type serverConfig struct {
	SigningKey        []byte
	VerifyKeys        [][]byte
	AccessTTL         time.Duration
	RefreshTTL        time.Duration
	PendingTTL        time.Duration
	ClockSkew         time.Duration
	Providers         []authcore.OAuthProviderConfig
	GoogleWebClientID string
}

type contextKey string

const serverConfigContextKey contextKey = "serverConfig"

func prepareServerConfig(command *cobra.Command, arguments []string) error {
	configuration, loadErr := LoadServerConfig()
	if loadErr != nil {
		return loadErr
	}
	existingContext := command.Context()
	if existingContext == nil {
		existingContext = context.Background()
	}
	command.SetContext(context.WithValue(existingContext, serverConfigContextKey, configuration))
	return nil
}

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

// LoadServerConfig reads and validates the viper-bound configuration.
func LoadServerConfig() (serverConfig, error) {
	jwtSigningKey := viper.GetString("jwt_signing_key")
	if jwtSigningKey == "" {
		return serverConfig{}, configError(configCodeMissingJWTSigningKey, "jwt_signing_key must be provided")
	}

	accessTTL := viper.GetDuration("access_ttl")
	if accessTTL <= 0 {
		return serverConfig{}, configError(configCodeInvalidAccessTTL, "access_ttl must be greater than zero")
	}

	refreshTTL := viper.GetDuration("refresh_ttl")
	if refreshTTL <= 0 {
		return serverConfig{}, configError(configCodeInvalidRefreshTTL, "refresh_ttl must be greater than zero")
	}

	clockSkew := viper.GetDuration("clock_skew")
	if clockSkew < 0 || clockSkew > 30*time.Second {
		return serverConfig{}, configError(configCodeInvalidClockSkew, "clock_skew must be between 0 and 30s")
	}

	pendingTTL := 5 * time.Minute
	if configuredPendingTTL := viper.GetDuration("pending_ttl"); configuredPendingTTL > 0 {
		pendingTTL = configuredPendingTTL
	}

	var verifyKeys [][]byte
	for _, verifyKey := range viper.GetStringSlice("jwt_verify_keys") {
		if trimmed := strings.TrimSpace(verifyKey); trimmed != "" {
			verifyKeys = append(verifyKeys, []byte(trimmed))
		}
	}

	providers, providerErr := loadProviders()
	if providerErr != nil {
		return serverConfig{}, providerErr
	}

	return serverConfig{
		SigningKey:        []byte(jwtSigningKey),
		VerifyKeys:        verifyKeys,
		AccessTTL:         accessTTL,
		RefreshTTL:        refreshTTL,
		PendingTTL:        pendingTTL,
		ClockSkew:         clockSkew,
		Providers:         providers,
		GoogleWebClientID: viper.GetString("google_web_client_id"),
	}, nil
}

func loadProviders() ([]authcore.OAuthProviderConfig, error) {
	redirectBase := strings.TrimRight(viper.GetString("oauth_redirect_base"), "/")
	var providers []authcore.OAuthProviderConfig

	if kakaoClientID := viper.GetString("kakao_client_id"); kakaoClientID != "" {
		if redirectBase == "" {
			return nil, configError(configCodeMissingRedirectBase, "oauth_redirect_base must be provided when a provider is configured")
		}
		providers = append(providers, authcore.KakaoProvider(
			kakaoClientID,
			viper.GetString("kakao_client_secret"),
			redirectBase+"/auth/oauth2/kakao/callback",
		))
	}
	if googleClientID := viper.GetString("google_client_id"); googleClientID != "" {
		if redirectBase == "" {
			return nil, configError(configCodeMissingRedirectBase, "oauth_redirect_base must be provided when a provider is configured")
		}
		providers = append(providers, authcore.GoogleProvider(
			googleClientID,
			viper.GetString("google_client_secret"),
			redirectBase+"/auth/oauth2/google/callback",
		))
	}
	return providers, nil
}

func runServer(command *cobra.Command, arguments []string) error {
	logger, loggerErr := zap.NewProduction()
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	commandContext := command.Context()
	var contextValue any
	if commandContext != nil {
		contextValue = commandContext.Value(serverConfigContextKey)
	}
	configuration, ok := contextValue.(serverConfig)
	if !ok {
		return configError(configCodeUninitializedServerConf, "server configuration not prepared; PreRunE must execute before RunE")
	}

	listenAddr := viper.GetString("listen_addr")
	databaseURL := viper.GetString("database_url")
	pgxNative := viper.GetBool("pgx_native")
	enableCORS := viper.GetBool("enable_cors")
	corsAllowedOrigins := viper.GetStringSlice("cors_allowed_origins")

	codec, codecErr := authcore.NewTokenCodec(authcore.CodecConfig{
		SigningKey: configuration.SigningKey,
		VerifyKeys: configuration.VerifyKeys,
		Issuer:     tokenIssuer,
		AccessTTL:  configuration.AccessTTL,
		RefreshTTL: configuration.RefreshTTL,
		Leeway:     configuration.ClockSkew,
	})
	if codecErr != nil {
		return codecErr
	}

	sessions, pending, principals, storesErr := buildStores(commandContext, logger, databaseURL, pgxNative)
	if storesErr != nil {
		return storesErr
	}

	metricsRecorder := authcore.NewCounterMetrics()

	oauthClient := authcore.NewOAuthExchangeClient(authcore.OAuthClientConfig{
		Providers:  configuration.Providers,
		PendingTTL: configuration.PendingTTL,
		Logger:     logger,
	}, pending, principals)

	var googleValidator authcore.GoogleTokenValidator
	if configuration.GoogleWebClientID != "" {
		validator, validatorErr := buildGoogleTokenValidator(commandContext)
		if validatorErr != nil {
			return fmt.Errorf("%s: %w", configCodeGoogleValidatorInit, validatorErr)
		}
		googleValidator = validator
	}

	manager, managerErr := authcore.NewSessionManager(authcore.ManagerConfig{
		Codec:           codec,
		Sessions:        sessions,
		Principals:      principals,
		OAuth:           oauthClient,
		GoogleValidator: googleValidator,
		GoogleAudience:  configuration.GoogleWebClientID,
		Logger:          logger,
		Metrics:         metricsRecorder,
	})
	if managerErr != nil {
		return managerErr
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(zapLoggerMiddleware(logger))

	if enableCORS {
		corsMiddleware, corsErr := web.PermissiveCORS(corsAllowedOrigins)
		if corsErr != nil {
			return corsErr
		}
		router.Use(corsMiddleware)
	}

	authcore.MountAuthRoutes(router, authcore.RouteDeps{
		Manager:  manager,
		Codec:    codec,
		Versions: principals,
		Logger:   logger,
		Metrics:  metricsRecorder,
	})

	protected := router.Group("/api")
	protected.Use(authcore.RequireAuth(codec, principals, metricsRecorder))
	protected.GET("/me", web.HandleWhoAmI(logger, principals))

	server := &http.Server{
		Addr:              listenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	defer shutdownCancel()

	go func() {
		stopSignals := make(chan os.Signal, 1)
		signal.Notify(stopSignals, syscall.SIGINT, syscall.SIGTERM)
		<-stopSignals
		graceCtx, graceCancel := context.WithTimeout(shutdownCtx, 10*time.Second)
		defer graceCancel()
		if err := server.Shutdown(graceCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
		}
	}()

	logger.Info("listening", zap.String("addr", listenAddr))
	if err := serveHTTP(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen error: %w", err)
	}
	return nil
}

func buildStores(ctx context.Context, logger *zap.Logger, databaseURL string, pgxNative bool) (authcore.SessionStore, authcore.PendingExchangeStore, authcore.PrincipalStore, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if databaseURL == "" {
		logger.Info("using in-memory stores")
		return authcore.NewMemorySessionStore(), authcore.NewMemoryPendingExchangeStore(), web.NewInMemoryPrincipals(), nil
	}

	gormStore, storeErr := authcore.NewDatabaseSessionStore(ctx, databaseURL)
	if storeErr != nil {
		return nil, nil, nil, storeErr
	}
	principalStore, principalErr := authcore.NewDatabasePrincipalStore(ctx, gormStore.DB())
	if principalErr != nil {
		return nil, nil, nil, principalErr
	}

	if pgxNative {
		parsed, parseErr := url.Parse(databaseURL)
		if parseErr != nil || (parsed.Scheme != "postgres" && parsed.Scheme != "postgresql") {
			return nil, nil, nil, configError(configCodePgxRequiresPostgres, "pgx_native requires a postgres database_url")
		}
		pool, poolErr := authpg.Connect(ctx, databaseURL)
		if poolErr != nil {
			return nil, nil, nil, poolErr
		}
		if schemaErr := authpg.EnsureSchema(ctx, pool); schemaErr != nil {
			return nil, nil, nil, schemaErr
		}
		logger.Info("using pgx-native session and pending stores")
		return authpg.NewPostgresSessionStore(pool), authpg.NewPostgresPendingExchangeStore(pool), principalStore, nil
	}

	logger.Info("using persistent stores", zap.String("driver", gormStore.Driver()))
	return gormStore, authcore.NewMemoryPendingExchangeStore(), principalStore, nil
}

func zapLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		startTime := time.Now()
		contextGin.Next()
		duration := time.Since(startTime)
		logger.Info("http",
			zap.String("method", contextGin.Request.Method),
			zap.String("path", contextGin.Request.URL.Path),
			zap.Int("status", contextGin.Writer.Status()),
			zap.String("ip", contextGin.ClientIP()),
			zap.Duration("elapsed", duration),
		)
	}
}
