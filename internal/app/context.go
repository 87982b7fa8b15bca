package app

import (
	"database/sql"
	"fmt"

	"upkeep/internal/config"
	"upkeep/internal/db"
	"upkeep/internal/engine"
	"upkeep/internal/migrate"
)

// App bundles the open database, loaded config and engine for one workspace.
type App struct {
	DB     *sql.DB
	Config *config.Config
	Engine engine.Engine
}

// Open prepares a workspace: creates the data directory if needed, opens the
// database, applies pending migrations and loads upkeep.yml (falling back to
// defaults when the file is absent).
func Open(workspace string) (*App, error) {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("load config: %w", err)
	}
	return &App{
		DB:     conn,
		Config: cfg,
		Engine: engine.New(conn, cfg),
	}, nil
}

func (a *App) Close() error {
	if a == nil || a.DB == nil {
		return nil
	}
	return a.DB.Close()
}
