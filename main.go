package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/oauth"

	"github.com/cie-platform/expert-portal/app"
	"github.com/cie-platform/expert-portal/clock"
	"github.com/cie-platform/expert-portal/config"
	"github.com/cie-platform/expert-portal/database"
	"github.com/cie-platform/expert-portal/httpx"
	"github.com/cie-platform/expert-portal/log"
	"github.com/cie-platform/expert-portal/roster"
	"github.com/cie-platform/expert-portal/routes"
	"github.com/cie-platform/expert-portal/stats"
)

func main() {
	cfg, err := config.ParseFlags()
	if err != nil {
		log.Fatal("main.config:", err)
	}
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	}

	db, err := database.Open(cfg.DBUrl)
	if err != nil {
		log.Fatal("main.db.open:", err)
	}
	defer db.Close()

	if cfg.SeedFile != "" {
		if err := database.SeedReferences(context.Background(), db, cfg.SeedFile); err != nil {
			log.Fatal("main.db.seed:", err)
		}
	}
	if cfg.AdminUser != "" {
		if err := database.EnsureAdmin(context.Background(), db, cfg.AdminUser, cfg.AdminPass); err != nil {
			log.Fatal("main.db.admin:", err)
		}
	}

	bearerServer := oauth.NewBearerServer(
		cfg.TokenSecret,
		cfg.TokenTTL,
		httpx.CredentialsVerifier(db),
		nil,
	)

	st := stats.New(clock.System{})

	app := app.App{
		DB:           db,
		BearerServer: bearerServer,
		Config:       cfg,
		Stats:        st,
		Roster:       roster.New(st),
	}

	handler := routes.Wire(app)

	err = runServer(cfg, handler)
	if !errors.Is(err, http.ErrServerClosed) {
		log.Fatal("main.server:", err)
	}
}

func runServer(cfg config.Config, handler http.Handler) error {
	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		IdleTimeout:  time.Minute,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	log.Info("Listening on " + cfg.Url())
	return srv.ListenAndServe()
}
