package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/carlmjohnson/versioninfo"
	"github.com/gorilla/sessions"
	"github.com/joho/godotenv"
	"github.com/labstack/echo-contrib/session"
	"github.com/labstack/echo/v4"
	slogecho "github.com/samber/slog-echo"
	"github.com/urfave/cli/v2"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	storeauth "github.com/arlobay/storefront-auth-go"
)

type config struct {
	Addr           string `env:"DEMO_ADDR" envDefault:":7070"`
	AuthBaseUrl    string `env:"AUTH_BASE_URL,required"`
	ClientId       string `env:"AUTH_CLIENT_ID,required"`
	RedirectUri    string `env:"AUTH_REDIRECT_URI" envDefault:"http://localhost:7070/callback"`
	DatabasePath   string `env:"DEMO_DB_PATH" envDefault:"demo.db"`
	StoreKeyPath   string `env:"STORE_KEY_PATH"`
	CookieSecret   string `env:"DEMO_COOKIE_SECRET" envDefault:"demo-cookie-secret"`
	SupportContact string `env:"SUPPORT_CONTACT" envDefault:"support@example.com"`
}

func main() {
	app := &cli.App{
		Name:    "storefront-demo",
		Usage:   "drives the storefront auth flows against a real identity provider",
		Version: versioninfo.Short(),
		Action:  run,
	}

	app.RunAndExitOnError()
}

func run(cmd *cli.Context) error {
	_ = godotenv.Load()

	cfg, err := env.ParseAs[config]()
	if err != nil {
		return fmt.Errorf("could not parse config: %w", err)
	}

	logger := slog.Default()

	db, err := gorm.Open(sqlite.Open(cfg.DatabasePath), &gorm.Config{})
	if err != nil {
		return fmt.Errorf("could not open database: %w", err)
	}

	if err := db.AutoMigrate(&StoredValue{}, &LoginAudit{}); err != nil {
		return fmt.Errorf("could not run migrations: %w", err)
	}

	store, err := buildTokenStore(cfg, db)
	if err != nil {
		return err
	}

	gw, err := storeauth.NewGateway(storeauth.GatewayArgs{
		BaseUrl:     cfg.AuthBaseUrl,
		ClientId:    cfg.ClientId,
		RedirectUri: cfg.RedirectUri,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("could not create gateway: %w", err)
	}

	sessionManager, err := storeauth.NewSessionManager(storeauth.SessionManagerArgs{
		Gateway:  gw,
		Store:    store,
		ClientId: cfg.ClientId,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("could not create session manager: %w", err)
	}

	if err := sessionManager.Restore(cmd.Context); err != nil {
		// fail-open: the demo still serves, read-only
		logger.Warn("session restore degraded", "error", err)
	}

	browser := NewLoopbackBrowser(logger)

	orch, err := storeauth.NewOrchestrator(storeauth.OrchestratorArgs{
		Gateway:        gw,
		Sessions:       sessionManager,
		Browser:        browser,
		SupportContact: cfg.SupportContact,
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("could not create orchestrator: %w", err)
	}

	s := &DemoServer{
		cfg:      cfg,
		db:       db,
		gw:       gw,
		sessions: sessionManager,
		orch:     orch,
		browser:  browser,
		logger:   logger,
		links:    make(chan string, 8),
	}

	linkHandler, err := storeauth.NewLinkHandler(storeauth.LinkHandlerArgs{
		Orchestrator: orch,
		Sessions:     sessionManager,
		Pending:      s.pendingToken,
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("could not create link handler: %w", err)
	}

	linkHandler.Listen(context.Background(), s.links)
	defer linkHandler.Close()

	e := echo.New()
	e.HideBanner = true
	e.Use(slogecho.New(logger))
	e.Use(session.Middleware(sessions.NewCookieStore([]byte(cfg.CookieSecret))))

	e.GET("/", s.handleIndex)
	e.POST("/login", s.handleLogin)
	e.POST("/browser-login", s.handleBrowserLogin)
	e.GET("/callback", s.handleCallback)
	e.POST("/logout", s.handleLogout)
	e.POST("/link", s.handleLink)

	httpd := http.Server{
		Addr:    cfg.Addr,
		Handler: e,
	}

	logger.Info("starting storefront demo", "addr", cfg.Addr)

	if err := httpd.ListenAndServe(); err != nil {
		return err
	}

	return nil
}

func buildTokenStore(cfg config, db *gorm.DB) (storeauth.TokenStore, error) {
	if cfg.StoreKeyPath == "" {
		return NewGormTokenStore(db), nil
	}

	raw, err := os.ReadFile(cfg.StoreKeyPath)
	if err != nil {
		return nil, fmt.Errorf("could not read store key: %w", err)
	}

	key, err := hex.DecodeString(string(raw))
	if err != nil {
		return nil, fmt.Errorf("could not decode store key: %w", err)
	}

	return storeauth.NewSealedFileStore(cfg.DatabasePath+".sealed", key)
}
