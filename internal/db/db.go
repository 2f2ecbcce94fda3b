// Package db opens the workspace's override database. The CLI and a running
// server share one file, so connections use WAL and wait on locks instead of
// failing with SQLITE_BUSY.
package db

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const (
	stateDir = ".flagdeck"
	dbFile   = "flagdeck.db"

	busyTimeoutMS = 5000
)

type Config struct {
	// Workspace is the directory holding .flagdeck/. Empty means the
	// current directory.
	Workspace string
}

func (c Config) stateDir() string {
	ws := c.Workspace
	if ws == "" {
		ws = "."
	}
	return filepath.Join(ws, stateDir)
}

// EnsureWorkspace creates <workspace>/.flagdeck and returns its path.
func EnsureWorkspace(workspace string) (string, error) {
	dir := Config{Workspace: workspace}.stateDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create state dir: %w", err)
	}
	return dir, nil
}

func dsn(file string) string {
	q := url.Values{}
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busyTimeoutMS))
	q.Add("_pragma", "journal_mode(WAL)")
	return "file:" + file + "?" + q.Encode()
}

// Open creates the state directory if needed and opens the database.
func Open(cfg Config) (*sql.DB, error) {
	if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
		return nil, err
	}
	return sql.Open("sqlite", dsn(Path(cfg.Workspace)))
}

// Path is where the override database lives for workspace.
func Path(workspace string) string {
	return filepath.Join(Config{Workspace: workspace}.stateDir(), dbFile)
}
