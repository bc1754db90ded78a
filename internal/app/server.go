package app

import (
	"net/http"

	"metering-gateway/internal/handlers"
	"metering-gateway/internal/server"
)

// Handler builds the HTTP API on top of the app's components.
func (app *App) Handler() http.Handler {
	h := handlers.New(handlers.Deps{
		Auth:     app.Auth,
		Broker:   app.Broker,
		Limiter:  app.Quota,
		Gateway:  app.Gateway,
		Accounts: app.Storage,
		Queue:    app.Queue,
		Health: map[string]handlers.HealthCheck{
			"redis":    app.RedisClient.Health,
			"database": app.Storage.Health,
		},
		LicenseCacheTTL: app.Config.LicenseCacheTTL,
		Logger:          app.Logger,
	})
	return server.NewRouter(h, app.Registry, app.Logger)
}

// NewServer creates the HTTP server, with TLS when a certificate is configured.
func (app *App) NewServer() *server.Server {
	return server.New(app.Handler(), app.Config.Port, app.Config.TLSCertFile, app.Config.TLSKeyFile)
}
