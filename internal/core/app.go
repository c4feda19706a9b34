package core

import (
	"database/sql"
	"fmt"
	"log"

	"github.com/avelops/jobpulse/internal/bus"
	"github.com/avelops/jobpulse/internal/config"
	"github.com/avelops/jobpulse/internal/db"
	"github.com/avelops/jobpulse/internal/jobs"
	"github.com/avelops/jobpulse/internal/progress"
	"github.com/avelops/jobpulse/internal/store"
	"github.com/avelops/jobpulse/migrations"
)

// App holds the core components of the application that are shared between
// the server, the gateway and the job executors.
type App struct {
	cfg        *config.Config
	database   *sql.DB
	store      *store.Store
	bus        *bus.Bus
	views      *progress.ViewTracker
	publisher  *progress.Publisher
	jobManager *jobs.Manager
	version    string
}

// New sets up and returns a new App instance. It handles loading the
// configuration, initializing the database connection, and running migrations.
func New() (*App, error) {
	// Load configuration from config.yml
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	// Initialize the database connection
	database, err := db.InitDB(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	// Run database migrations
	if err := db.RunMigrations(database, migrations.FS); err != nil {
		// We can't proceed without a valid database schema.
		// Close the DB connection before failing.
		database.Close()
		return nil, fmt.Errorf("failed to run database migrations: %w", err)
	}

	log.Println("Core application setup complete.")
	return NewApp(cfg, database), nil
}

// NewApp wires an App over an already-migrated database. Tests use it with
// an in-memory database.
func NewApp(cfg *config.Config, database *sql.DB) *App {
	st := store.New(database)
	b := bus.New()
	views := progress.NewViewTracker(cfg.ViewGracePeriod())
	publisher := progress.NewPublisher(st, b, views, progress.Options{
		StepPercent: cfg.Throttle.StepPercent,
		MaxInterval: cfg.ThrottleMaxInterval(),
	})

	return &App{
		cfg:        cfg,
		database:   database,
		store:      st,
		bus:        b,
		views:      views,
		publisher:  publisher,
		jobManager: jobs.NewManager(),
		version:    "dev",
	}
}

func (a *App) Config() *config.Config          { return a.cfg }
func (a *App) DB() *sql.DB                     { return a.database }
func (a *App) Store() *store.Store             { return a.store }
func (a *App) Bus() *bus.Bus                   { return a.bus }
func (a *App) Views() *progress.ViewTracker    { return a.views }
func (a *App) Publisher() *progress.Publisher  { return a.publisher }
func (a *App) JobManager() *jobs.Manager       { return a.jobManager }
func (a *App) Version() string                 { return a.version }

// SetVersion records the build version reported by the API.
func (a *App) SetVersion(v string) { a.version = v }

// Close gracefully closes the application's resources: the broadcast bus
// first so gateway subscribers unblock, then the DB connection.
func (a *App) Close() {
	if a.bus != nil {
		a.bus.Close()
	}
	if a.database != nil {
		a.database.Close()
	}
}
