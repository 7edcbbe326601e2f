package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"golang.org/x/xerrors"

	"github.com/vincentbai/vitaltrace/internal/models"
	_ "modernc.org/sqlite" // CGO-free SQLite
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = xerrors.New("not found")

type Database struct {
	db *sql.DB
}

func NewDatabase(databasePath string) (*Database, error) {
	// WAL + busy timeout to avoid "database is locked"
	db, err := sql.Open("sqlite", databasePath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, xerrors.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite single-writer

	if err := createTables(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Database{db: db}, nil
}

func createTables(db *sql.DB) error {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS projects(
	  id              TEXT    PRIMARY KEY,
	  name            TEXT    NOT NULL,
	  allowed_origins TEXT    NOT NULL CHECK (json_valid(allowed_origins)),
	  created_at      INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS web_vitals(
	  id          INTEGER PRIMARY KEY,
	  project_id  TEXT    NOT NULL REFERENCES projects(id),
	  session_id  TEXT    NOT NULL,
	  route       TEXT    NOT NULL,
	  path        TEXT    NOT NULL,
	  metric      TEXT    NOT NULL CHECK (metric IN ('LCP','INP','CLS','FCP','TTFB')),
	  value       REAL    NOT NULL,
	  rating      TEXT    NOT NULL CHECK (rating IN ('good','needs-improvement','poor')),
	  recorded_at TEXT    NOT NULL,
	  received_at INTEGER NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_web_vitals_dedup ON web_vitals(session_id, metric, recorded_at);
	CREATE INDEX IF NOT EXISTS idx_web_vitals_project ON web_vitals(project_id, recorded_at);
	CREATE TABLE IF NOT EXISTS custom_events(
	  id          INTEGER PRIMARY KEY,
	  project_id  TEXT    NOT NULL REFERENCES projects(id),
	  name        TEXT    NOT NULL,
	  session_id  TEXT    NOT NULL,
	  route       TEXT    NOT NULL,
	  path        TEXT    NOT NULL,
	  recorded_at TEXT    NOT NULL,
	  received_at INTEGER NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_custom_events_dedup ON custom_events(session_id, name, recorded_at);
	CREATE INDEX IF NOT EXISTS idx_custom_events_project ON custom_events(project_id, recorded_at);
	`)
	if err != nil {
		return xerrors.Errorf("create database tables: %w", err)
	}
	return nil
}

func (d *Database) Close() error {
	return d.db.Close()
}

// InsertEvents stores web vital rows in one transaction. A row repeating the
// (session, metric, recordedAt) of a stored row is skipped, so a retried batch
// that already landed does not double count. Any other constraint violation
// rolls the whole batch back.
func (d *Database) InsertEvents(ctx context.Context, rows []models.WebVitalRow) error {
	if len(rows) == 0 {
		return nil
	}
	return d.inTx(ctx, `INSERT INTO web_vitals(project_id, session_id, route, path, metric, value, rating, recorded_at, received_at)
		VALUES(?,?,?,?,?,?,?,?,?)
		ON CONFLICT(session_id, metric, recorded_at) DO NOTHING`,
		func(statement *sql.Stmt) error {
			for _, row := range rows {
				if _, err := statement.ExecContext(ctx, row.ProjectID, row.SessionID, row.Route, row.Path,
					string(row.Metric), row.Value, string(row.Rating), row.RecordedAt, row.ReceivedAt.UnixMilli()); err != nil {
					return xerrors.Errorf("insert web vital: %w", err)
				}
			}
			return nil
		})
}

// InsertCustomEvents stores custom event rows in one transaction, skipping
// rows that repeat (session, name, recordedAt).
func (d *Database) InsertCustomEvents(ctx context.Context, rows []models.CustomEventRow) error {
	if len(rows) == 0 {
		return nil
	}
	return d.inTx(ctx, `INSERT INTO custom_events(project_id, name, session_id, route, path, recorded_at, received_at)
		VALUES(?,?,?,?,?,?,?)
		ON CONFLICT(session_id, name, recorded_at) DO NOTHING`,
		func(statement *sql.Stmt) error {
			for _, row := range rows {
				if _, err := statement.ExecContext(ctx, row.ProjectID, row.Name, row.SessionID, row.Route, row.Path,
					row.RecordedAt, row.ReceivedAt.UnixMilli()); err != nil {
					return xerrors.Errorf("insert custom event: %w", err)
				}
			}
			return nil
		})
}

func (d *Database) inTx(ctx context.Context, query string, exec func(*sql.Stmt) error) error {
	transaction, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Errorf("begin transaction: %w", err)
	}
	statement, err := transaction.PrepareContext(ctx, query)
	if err != nil {
		_ = transaction.Rollback()
		return xerrors.Errorf("prepare statement: %w", err)
	}
	defer statement.Close()

	if err := exec(statement); err != nil {
		_ = transaction.Rollback()
		return err
	}
	if err := transaction.Commit(); err != nil {
		return xerrors.Errorf("commit transaction: %w", err)
	}
	return nil
}

// CountEventsBySession returns the number of stored web vitals for a session.
func (d *Database) CountEventsBySession(ctx context.Context, sessionID string) (int, error) {
	var count int
	err := d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM web_vitals WHERE session_id = ?`, sessionID).Scan(&count)
	if err != nil {
		return 0, xerrors.Errorf("count web vitals: %w", err)
	}
	return count, nil
}

func (d *Database) CountCustomEventsBySession(ctx context.Context, sessionID string) (int, error) {
	var count int
	err := d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM custom_events WHERE session_id = ?`, sessionID).Scan(&count)
	if err != nil {
		return 0, xerrors.Errorf("count custom events: %w", err)
	}
	return count, nil
}

// CreateProject registers a project and returns it.
func (d *Database) CreateProject(ctx context.Context, project models.Project) (models.Project, error) {
	if project.AllowedOrigins == nil {
		project.AllowedOrigins = []string{}
	}
	origins, err := json.Marshal(project.AllowedOrigins)
	if err != nil {
		return models.Project{}, xerrors.Errorf("marshal allowed origins: %w", err)
	}
	_, err = d.db.ExecContext(ctx, `INSERT INTO projects(id, name, allowed_origins, created_at) VALUES(?,?,?,?)`,
		project.ID, project.Name, string(origins), time.Now().UnixMilli())
	if err != nil {
		return models.Project{}, xerrors.Errorf("insert project: %w", err)
	}
	return project, nil
}

// GetProjectByID returns ErrNotFound when no project has the id.
func (d *Database) GetProjectByID(ctx context.Context, id string) (models.Project, error) {
	var (
		project models.Project
		origins string
	)
	err := d.db.QueryRowContext(ctx, `SELECT id, name, allowed_origins FROM projects WHERE id = ?`, id).
		Scan(&project.ID, &project.Name, &origins)
	if xerrors.Is(err, sql.ErrNoRows) {
		return models.Project{}, ErrNotFound
	}
	if err != nil {
		return models.Project{}, xerrors.Errorf("query project: %w", err)
	}
	if err := json.Unmarshal([]byte(origins), &project.AllowedOrigins); err != nil {
		return models.Project{}, xerrors.Errorf("decode allowed origins: %w", err)
	}
	return project, nil
}

func (d *Database) ListProjects(ctx context.Context) ([]models.Project, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT id, name, allowed_origins FROM projects ORDER BY created_at, id`)
	if err != nil {
		return nil, xerrors.Errorf("query projects: %w", err)
	}
	defer rows.Close()

	var projects []models.Project
	for rows.Next() {
		var (
			project models.Project
			origins string
		)
		if err := rows.Scan(&project.ID, &project.Name, &origins); err != nil {
			return nil, xerrors.Errorf("scan project: %w", err)
		}
		if err := json.Unmarshal([]byte(origins), &project.AllowedOrigins); err != nil {
			return nil, xerrors.Errorf("decode allowed origins: %w", err)
		}
		projects = append(projects, project)
	}
	return projects, rows.Err()
}

// OriginAllowed reports whether a request Origin may submit to the project.
// A project without configured origins, or with a "*" entry, accepts all.
func (d *Database) OriginAllowed(project models.Project, origin string) bool {
	if len(project.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range project.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}
