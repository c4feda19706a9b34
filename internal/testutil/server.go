// A shared test server setup utility, which simplifies all API tests.

package testutil

import (
	"database/sql"
	"testing"

	"github.com/avelops/jobpulse/internal/api"
	"github.com/avelops/jobpulse/internal/config"
	"github.com/avelops/jobpulse/internal/core"
)

// testConfig returns a config with the production defaults the tests rely
// on, without touching the filesystem or environment.
func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Throttle.StepPercent = 5
	cfg.Throttle.MaxIntervalMS = 2000
	cfg.Gateway.AuthWindowSeconds = 10
	cfg.Gateway.HistoryPageSize = 200
	cfg.Gateway.InboundPerSecond = 100
	cfg.ViewGraceMinutes = 5
	return cfg
}

// SetupTestApp builds a core.App over an in-memory database.
func SetupTestApp(t *testing.T) *core.App {
	t.Helper()
	db := SetupTestDB(t)
	app := core.NewApp(testConfig(), db)
	t.Cleanup(app.Close)
	return app
}

// SetupTestServer initializes a full core.App and api.Server for integration testing.
func SetupTestServer(t *testing.T) (*api.Server, *sql.DB) {
	t.Helper()
	db := SetupTestDB(t)
	app := core.NewApp(testConfig(), db)
	t.Cleanup(app.Close)
	return api.NewServer(app), db
}
