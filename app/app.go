package app

import (
	"database/sql"

	"github.com/go-chi/oauth"

	"github.com/cie-platform/expert-portal/config"
	"github.com/cie-platform/expert-portal/roster"
	"github.com/cie-platform/expert-portal/stats"
)

type App struct {
	*sql.DB
	*oauth.BearerServer
	config.Config
	Stats  *stats.Stats
	Roster *roster.Roster
}
