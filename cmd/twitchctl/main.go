package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/pflag"

	"github.com/rickgao/twitchkit/internal/api"
	"github.com/rickgao/twitchkit/internal/auth"
	"github.com/rickgao/twitchkit/internal/backoff"
	"github.com/rickgao/twitchkit/internal/chat"
	"github.com/rickgao/twitchkit/internal/config"
	"github.com/rickgao/twitchkit/internal/database"
	"github.com/rickgao/twitchkit/internal/poller"
	"github.com/rickgao/twitchkit/internal/pubsub"
	"github.com/rickgao/twitchkit/internal/router"
	"github.com/rickgao/twitchkit/internal/store"
	"github.com/rickgao/twitchkit/internal/version"
	"github.com/rickgao/twitchkit/internal/writer"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	flagSet := pflag.NewFlagSet("twitchctl", pflag.ContinueOnError)
	configPath := flagSet.StringP("config", "c", "configs/twitchctl.yaml", "path to config file")
	join := flagSet.StringSlice("join", nil, "chat channels to join in addition to the configured ones")
	listen := flagSet.StringSlice("listen", nil, "pub/sub topics to listen to in addition to the configured ones")
	streams := flagSet.StringSlice("streams", nil, "print live streams for these logins and exit")
	watch := flagSet.StringSlice("watch", nil, "logins to poll for live status in addition to the configured ones")
	logLevel := flagSet.String("log-level", "", "override log.level (debug, info, warn, error)")
	noColor := flagSet.Bool("no-color", false, "disable colored output")
	showVersion := flagSet.Bool("version", false, "print version and exit")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if *showVersion {
		fmt.Println("twitchctl", version.String())
		return nil
	}
	if *noColor {
		color.NoColor = true
	}

	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	// Set up structured logging
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLevel(cfg.Log.Level),
	}))
	slog.SetDefault(logger)

	logger.Info("starting twitchctl",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	credStore, pool, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		return err
	}
	var ping func(context.Context) error
	if pool != nil {
		defer pool.Close()
		ping = pool.Ping
	}

	user, app := newSources(cfg, credStore, logger)
	gate := auth.NewGate(user, app, logger)

	apiClient := api.NewClient(
		cfg.API.HelixURL,
		cfg.Client.ID,
		gate,
		api.WithLogger(logger),
		api.WithTimeout(cfg.API.Timeout),
	)

	if len(*streams) > 0 {
		return printStreams(ctx, apiClient, app != nil, *streams)
	}

	if user != nil {
		if me, err := apiClient.GetUsers(ctx, auth.ScopeUser); err != nil {
			logger.Warn("failed to look up authenticated user", "error", err)
		} else if len(me) > 0 {
			logger.Info("authenticated", "login", me[0].Login, "id", me[0].ID)
		}
	}

	out := newPrinter(os.Stdout)
	components := make(map[string]healthComponent)

	var archive *writer.EventWriter
	if cfg.Archive.Enabled && pool != nil {
		archive = writer.NewEventWriter(writer.WriterConfig{
			BatchSize:     cfg.Archive.BatchSize,
			FlushInterval: cfg.Archive.FlushInterval,
		}, pool, logger)
		if err := archive.EnsureSchema(ctx); err != nil {
			return err
		}
		if err := archive.Start(ctx); err != nil {
			return fmt.Errorf("start archive: %w", err)
		}
	}
	reconnect := backoff.Config{
		Unit:        cfg.Connection.ReconnectUnit,
		MaxDelay:    cfg.Connection.ReconnectMaxDelay,
		MaxAttempts: cfg.Connection.MaxAttempts,
	}

	var chatClient *chat.Client
	if channels := append(cfg.Chat.Channels, *join...); cfg.Chat.Enabled || len(*join) > 0 {
		queue := router.NewQueue(256, logger)
		defer queue.Close()

		chatClient = chat.New(chat.Config{
			Address:           cfg.Chat.Address,
			Nick:              cfg.Chat.Nick,
			Source:            user,
			RateLimit:         cfg.Chat.RateLimit,
			RateWindow:        cfg.Chat.RateWindow,
			RateBurst:         cfg.Chat.RateBurst,
			KeepaliveInterval: cfg.Connection.KeepaliveInterval,
			KeepaliveJitter:   cfg.Connection.KeepaliveJitter,
			KeepaliveTimeout:  cfg.Connection.KeepaliveTimeout,
			DialTimeout:       cfg.Connection.DialTimeout,
			WriteTimeout:      cfg.Connection.WriteTimeout,
			AutoReconnect:     cfg.Connection.AutoReconnectEnabled(),
			Backoff:           reconnect,
			Dispatcher:        queue,
			Logger:            logger,
		})
		chatClient.AddListener(out)
		if archive != nil {
			chatClient.AddListener(archive)
		}
		defer chatClient.Close()
		components["chat"] = healthComponent{client: chatClient, queue: queue}

		if len(channels) > 0 {
			err = chatClient.Join(ctx, channels...)
		} else {
			err = chatClient.Connect(ctx)
		}
		if err != nil {
			logger.Warn("chat not connected yet", "error", err)
		}
	}

	var psClient *pubsub.Client
	if topics := append(cfg.PubSub.Topics, *listen...); cfg.PubSub.Enabled || len(*listen) > 0 {
		queue := router.NewQueue(256, logger)
		defer queue.Close()

		psClient = pubsub.New(pubsub.Config{
			URL:               cfg.PubSub.URL,
			Gate:              gate,
			ResponseTimeout:   cfg.PubSub.ResponseTimeout,
			KeepaliveInterval: cfg.Connection.KeepaliveInterval,
			KeepaliveJitter:   cfg.Connection.KeepaliveJitter,
			KeepaliveTimeout:  cfg.Connection.KeepaliveTimeout,
			DialTimeout:       cfg.Connection.DialTimeout,
			WriteTimeout:      cfg.Connection.WriteTimeout,
			AutoReconnect:     cfg.Connection.AutoReconnectEnabled(),
			Backoff:           reconnect,
			Dispatcher:        queue,
			Logger:            logger,
		})
		psClient.AddListener(out)
		if archive != nil {
			psClient.AddListener(archive)
		}
		defer psClient.Close()
		components["pubsub"] = healthComponent{client: psClient, queue: queue}

		if len(topics) > 0 {
			err = psClient.Listen(ctx, topics...)
		} else {
			err = psClient.Connect(ctx)
		}
		if err != nil {
			logger.Warn("pubsub listen incomplete", "error", err)
		}
	}

	var watcher *poller.Poller
	if logins := append(cfg.Watch.Logins, *watch...); len(logins) > 0 {
		pcfg := poller.DefaultConfig()
		pcfg.Interval = cfg.Watch.Interval
		pcfg.Concurrency = cfg.Watch.Concurrency
		pcfg.Timeout = cfg.API.Timeout
		if app == nil {
			pcfg.Scope = auth.ScopeUser
		}
		watcher = poller.New(pcfg, apiClient, logins, out, logger)
		if err := watcher.Start(ctx); err != nil {
			return fmt.Errorf("start poller: %w", err)
		}
	}

	if len(components) == 0 && watcher == nil {
		return errors.New("nothing to do: enable chat, pubsub or watch, or pass --join, --listen, --watch or --streams")
	}

	var healthServer *http.Server
	if cfg.Health.Port > 0 {
		healthServer = &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Health.Port),
			Handler:           createHealthHandler(components, ping),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("starting health server", "port", cfg.Health.Port)
			if err := healthServer.ListenAndServe(); err != http.ErrServerClosed {
				logger.Error("health server error", "error", err)
			}
		}()
	}

	logger.Info("twitchctl running")

	// Wait for shutdown
	<-ctx.Done()

	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if healthServer != nil {
		healthServer.Shutdown(shutdownCtx)
	}
	if watcher != nil {
		if err := watcher.Stop(shutdownCtx); err != nil {
			logger.Warn("poller stop", "error", err)
		}
	}
	if chatClient != nil {
		chatClient.Disconnect()
	}
	if psClient != nil {
		psClient.Disconnect()
	}
	if archive != nil {
		if err := archive.Stop(shutdownCtx); err != nil {
			logger.Warn("archive stop", "error", err)
		}
	}

	logger.Info("twitchctl stopped")
	return nil
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// openStore opens the configured Credential Store. pool is nil unless the
// store is backed by Postgres.
func openStore(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (auth.Store, *pgxpool.Pool, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		logger.Info("connecting to database",
			"host", cfg.Postgres.Host,
			"port", cfg.Postgres.Port,
			"database", cfg.Postgres.Name,
		)
		pool, err := database.Connect(ctx, cfg.Postgres)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to database: %w", err)
		}
		pg := store.NewPostgres(pool)
		if err := pg.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		logger.Info("database connected")
		return pg, pool, nil

	case config.DriverSealed:
		identity, err := store.LoadIdentity(cfg.Sealed.IdentityFile)
		if err != nil {
			return nil, nil, fmt.Errorf("load store identity: %w", err)
		}
		return store.NewSealed(cfg.Sealed.Path, identity), nil, nil

	default:
		return store.NewMemory(), nil, nil
	}
}

// newSources builds the user Source for the configured flow and, when a
// client secret is present, the app Source. Either may be nil.
func newSources(cfg *config.Config, credStore auth.Store, logger *slog.Logger) (user, app auth.Source) {
	client := auth.ClientConfig{
		ClientID:     cfg.Client.ID,
		ClientSecret: cfg.Client.Secret,
		RedirectURL:  cfg.Client.RedirectURL,
		Scopes:       cfg.Client.Scopes,
		OAuthURL:     cfg.API.OAuthURL,
	}
	httpClient := &http.Client{Timeout: cfg.API.Timeout}
	sourceCfg := auth.SourceConfig{
		Store:      credStore,
		OwnerKey:   cfg.Client.OwnerKey,
		Validator:  auth.NewValidator(cfg.API.OAuthURL, httpClient),
		HTTPClient: httpClient,
		Logger:     logger,
	}

	switch cfg.Client.Flow {
	case config.FlowRefresh:
		user = auth.NewRefreshSource(client, cfg.Client.RefreshToken, sourceCfg)
	case config.FlowInteractive:
		user = auth.NewInteractiveSource(client, callbackAuthorizer(cfg.Client.RedirectURL, logger), sourceCfg)
	}

	if cfg.Client.Secret != "" {
		appCfg := sourceCfg
		appCfg.OwnerKey = cfg.Client.OwnerKey + ":app"
		app = auth.NewClientCredentialsSource(client, appCfg)
	}
	return user, app
}

func callbackAuthorizer(redirectURL string, logger *slog.Logger) *auth.CallbackAuthorizer {
	a := &auth.CallbackAuthorizer{
		Addr: "localhost:3000",
		Path: "/",
		Prompt: func(authURL string) {
			fmt.Fprintln(os.Stderr, color.CyanString("Open this URL to authorize twitchctl:"))
			fmt.Fprintln(os.Stderr, authURL)
		},
		Logger: logger,
	}
	if u, err := url.Parse(redirectURL); err == nil && u.Host != "" {
		a.Addr = u.Host
		if u.Path != "" {
			a.Path = u.Path
		}
	}
	return a
}

func printStreams(ctx context.Context, c *api.Client, haveApp bool, logins []string) error {
	scope := auth.ScopeUser
	if haveApp {
		scope = auth.ScopeApp
	}

	live, err := c.GetAllStreams(ctx, scope, api.GetStreamsOptions{UserLogins: logins})
	if err != nil {
		return err
	}

	byLogin := make(map[string]api.Stream, len(live))
	for _, s := range live {
		byLogin[strings.ToLower(s.UserLogin)] = s
	}
	for _, login := range logins {
		s, ok := byLogin[strings.ToLower(login)]
		if !ok {
			fmt.Printf("%-20s %s\n", login, color.HiBlackString("offline"))
			continue
		}
		fmt.Printf("%-20s %s %6d viewers  %s\n", login, color.GreenString("live   "), s.ViewerCount, s.Title)
	}
	return nil
}
