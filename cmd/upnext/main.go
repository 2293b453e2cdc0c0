package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/macjediwizard/upnext/internal/activity"
	"github.com/macjediwizard/upnext/internal/aggregator"
	"github.com/macjediwizard/upnext/internal/auth"
	"github.com/macjediwizard/upnext/internal/cache"
	"github.com/macjediwizard/upnext/internal/caldav"
	"github.com/macjediwizard/upnext/internal/config"
	"github.com/macjediwizard/upnext/internal/credstore"
	"github.com/macjediwizard/upnext/internal/crypto"
	"github.com/macjediwizard/upnext/internal/db"
	"github.com/macjediwizard/upnext/internal/model"
	"github.com/macjediwizard/upnext/internal/notify"
	"github.com/macjediwizard/upnext/internal/provider"
	"github.com/macjediwizard/upnext/internal/render"
	"github.com/macjediwizard/upnext/internal/scheduler"
	"github.com/macjediwizard/upnext/internal/web"
)

const (
	readTimeout     = 10 * time.Second
	writeTimeout    = 30 * time.Second
	idleTimeout     = 120 * time.Second
	shutdownTimeout = 30 * time.Second
)

func main() {
	once := flag.Bool("once", false, "refresh all calendars, print the agenda and exit")
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("Starting UpNext...")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	ctx := context.Background()
	if err := cfg.Validate(ctx); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	settings, err := config.NewSettingsStore(cfg.SettingsPath)
	if err != nil {
		log.Fatalf("Failed to load settings: %v", err)
	}

	// Set Gin mode
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	// Initialize database
	database, err := db.New(cfg.Database.Path)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer func() {
		if err := database.Close(); err != nil {
			log.Printf("Error closing database: %v", err)
		}
	}()

	// Initialize encryptor and credential store
	encryptor, err := crypto.NewEncryptor(cfg.Security.EncryptionKey)
	if err != nil {
		log.Fatalf("Failed to initialize encryptor: %v", err)
	}
	credentials := credstore.New(database, encryptor)

	httpClient := provider.NewHTTPClient()
	authService := auth.NewService(auth.Config{
		Google: auth.ProviderConfig{
			ClientID:     cfg.OAuth.Google.ClientID,
			ClientSecret: cfg.OAuth.Google.ClientSecret,
			RedirectURL:  cfg.OAuth.Google.RedirectURL,
		},
		Microsoft: auth.ProviderConfig{
			ClientID:     cfg.OAuth.Microsoft.ClientID,
			ClientSecret: cfg.OAuth.Microsoft.ClientSecret,
			RedirectURL:  cfg.OAuth.Microsoft.RedirectURL,
		},
		MicrosoftTenant: cfg.OAuth.MicrosoftTenant,
		HTTPClient:      httpClient,
	}, database, credentials)

	sessionManager := auth.NewSessionManager(cfg.Security.SessionSecret, cfg.IsProduction())

	diag := provider.LogDiagnostics{}
	eventCache, err := cache.New(cfg.Cache.Dir, cache.Options{Diagnostics: diag})
	if err != nil {
		log.Fatalf("Failed to initialize event cache: %v", err)
	}

	remoteOpts := provider.Options{HTTPClient: httpClient, Diagnostics: diag}
	factory := &provider.Factory{
		Credentials:   authService,
		GoogleOptions: remoteOpts,
		GraphOptions:  remoteOpts,
		LocalOptions:  provider.Options{Diagnostics: diag},
	}
	if cfg.CalDAV.URL != "" {
		client, err := caldav.NewClient(cfg.CalDAV.URL, cfg.CalDAV.Username, cfg.CalDAV.Password)
		if err != nil {
			log.Fatalf("Failed to initialize CalDAV client: %v", err)
		}
		factory.Store = client
	}

	tracker := activity.NewTracker()
	manager := aggregator.New(aggregator.Options{
		Cache:        eventCache,
		Diagnostics:  diag,
		Progress:     tracker,
		FetchTimeout: cfg.Refresh.FetchTimeout,
	})

	if err := registerProviders(ctx, manager, factory, authService, cfg.CalDAV.URL != ""); err != nil {
		log.Fatalf("Failed to load accounts: %v", err)
	}

	// Initialize notifier for re-auth alerts
	notifyCfg := &notify.Config{
		WebhookEnabled: cfg.Notify.WebhookEnabled,
		WebhookURL:     cfg.Notify.WebhookURL,
		EmailEnabled:   cfg.Notify.EmailEnabled,
		SMTPHost:       cfg.Notify.SMTPHost,
		SMTPPort:       cfg.Notify.SMTPPort,
		SMTPUsername:   cfg.Notify.SMTPUsername,
		SMTPPassword:   cfg.Notify.SMTPPassword,
		SMTPFrom:       cfg.Notify.SMTPFrom,
		SMTPTo:         cfg.Notify.SMTPTo,
		SMTPTLS:        cfg.Notify.SMTPTLS,
		CooldownPeriod: cfg.Notify.Cooldown,
	}
	if notifyCfg.WebhookEnabled || notifyCfg.EmailEnabled {
		if err := notify.ValidateConfig(notifyCfg); err != nil {
			log.Fatalf("Invalid alert configuration: %v", err)
		}
	}
	notifier := notify.New(notifyCfg)
	if notifier.IsEnabled() {
		log.Printf("Re-auth alerts enabled (webhook: %v, email: %v, cooldown: %s)",
			cfg.Notify.WebhookEnabled, cfg.Notify.EmailEnabled, cfg.Notify.Cooldown)
	}
	manager.Subscribe(notifier.Listener(ctx))

	sched := scheduler.New(manager, database, requestBuilder(settings), cfg.Refresh.Schedule)

	if *once {
		t := sched.RefreshNow(ctx, db.RefreshTriggerManual)
		fmt.Print(render.Agenda(t, render.OptionsFromSettings(settings.Get(), time.Now())))
		return
	}

	handlers := web.NewHandlers(
		cfg,
		settings,
		database,
		manager,
		sched,
		authService,
		sessionManager,
		tracker,
		notifier,
		factory,
	)

	// Setup Gin router
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(web.RequestLogger())
	router.Use(web.SecurityHeaders())

	web.SetupRoutes(router, handlers)

	// Create HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}

	// Start scheduler (runs the startup refresh)
	if err := sched.Start(); err != nil {
		log.Fatalf("Failed to start scheduler: %v", err)
	}

	// Start server in goroutine
	go func() {
		log.Printf("Server listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	// Graceful shutdown; handlers may trigger refreshes until it returns
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	sched.Stop()

	log.Println("Server stopped")
}

// registerProviders adds the local calendar, when configured, and every
// stored account to the manager.
func registerProviders(ctx context.Context, manager *aggregator.Manager, factory *provider.Factory, authService *auth.Service, local bool) error {
	if local {
		p, err := factory.New(model.LocalAccount())
		if err != nil {
			return err
		}
		if err := p.Authenticate(ctx, ""); err != nil {
			log.Printf("Local calendar unavailable, retrying on each refresh: %v", err)
		}
		manager.AddProvider(p)
	}

	accounts, err := authService.Accounts()
	if err != nil {
		return err
	}
	for _, account := range accounts {
		p, err := factory.New(account)
		if err != nil {
			log.Printf("Skipping account %s: %v", account.ID, err)
			continue
		}
		manager.AddProvider(p)
	}

	log.Printf("Registered %d calendar accounts", len(manager.Accounts()))
	return nil
}

// requestBuilder derives each cycle's window and calendar filter from the
// current settings.
func requestBuilder(settings *config.SettingsStore) scheduler.RequestFunc {
	return func(trigger db.RefreshTrigger) aggregator.Request {
		s := settings.Get()
		now := time.Now()
		return aggregator.Request{
			From:        now,
			To:          now.Add(s.Lookahead()),
			CalendarIDs: s.CalendarFilter(),
			Priority:    s.CalendarPriority,
			Trigger:     string(trigger),
		}
	}
}
