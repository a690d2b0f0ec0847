package ssrcore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	// Pure-Go SQLite driver for database/sql.
	_ "github.com/glebarez/sqlite"
)

// SQLService exposes a SQLite database to render code through the service
// bridge. Render code sees an object with query and exec methods, both
// returning promises:
//
//	const { rows } = await services.db.query("SELECT * FROM posts WHERE id = ?", [id]);
type SQLService struct {
	name string
	db   *sql.DB
}

func validateDatabaseName(name string) error {
	if name == "" {
		return fmt.Errorf("database name must not be empty")
	}
	if len(name) > 128 {
		return fmt.Errorf("database name too long")
	}
	if strings.Contains(name, "..") || strings.ContainsAny(name, "/\\") || strings.ContainsRune(name, 0) {
		return fmt.Errorf("database name %q contains path characters", name)
	}
	return nil
}

// OpenSQLService opens (or creates) a file-backed database at
// {dataDir}/sql/{name}.sqlite3.
func OpenSQLService(dataDir, name string) (*SQLService, error) {
	if err := validateDatabaseName(name); err != nil {
		return nil, err
	}
	dir := filepath.Join(dataDir, "sql")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}
	db, err := sql.Open("sqlite", filepath.Join(dir, name+".sqlite3"))
	if err != nil {
		return nil, fmt.Errorf("opening database %q: %w", name, err)
	}
	// WAL keeps readers from blocking on writers.
	_, _ = db.Exec("PRAGMA journal_mode=WAL")
	return &SQLService{name: name, db: db}, nil
}

// NewSQLServiceMemory creates an in-memory database, mostly for tests.
func NewSQLServiceMemory(name string) (*SQLService, error) {
	if err := validateDatabaseName(name); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("opening in-memory database: %w", err)
	}
	return &SQLService{name: name, db: db}, nil
}

func (s *SQLService) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Registration adapts the service for Config.Services. The same instance
// serves every request; SQLite connections are safe for that.
func (s *SQLService) Registration() ServiceRegistration {
	return ServiceRegistration{
		Name:    s.name,
		Resolve: func(*http.Request) (Service, error) { return s, nil },
	}
}

func (s *SQLService) Operations() []string {
	return []string{"query", "exec"}
}

// QueryResult is what the query operation hands back to render code.
type QueryResult struct {
	Columns []string         `json:"columns"`
	Rows    []map[string]any `json:"rows"`
}

// ExecResult is what the exec operation hands back to render code.
type ExecResult struct {
	Changes      int64 `json:"changes"`
	LastInsertID int64 `json:"lastInsertId"`
}

func (s *SQLService) Invoke(ctx context.Context, op string, args []json.RawMessage) (any, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("missing SQL statement")
	}
	var stmt string
	if err := json.Unmarshal(args[0], &stmt); err != nil {
		return nil, fmt.Errorf("SQL statement must be a string: %w", err)
	}
	var bindings []any
	if len(args) > 1 {
		if err := json.Unmarshal(args[1], &bindings); err != nil {
			return nil, fmt.Errorf("bindings must be an array: %w", err)
		}
	}
	if err := checkStatement(stmt); err != nil {
		return nil, err
	}
	switch op {
	case "query":
		return s.query(ctx, stmt, bindings)
	case "exec":
		return s.exec(ctx, stmt, bindings)
	default:
		return nil, fmt.Errorf("unknown operation %q", op)
	}
}

// checkStatement blocks statements that escape the database sandbox. Only
// introspection PRAGMAs pass.
func checkStatement(stmt string) error {
	upper := strings.TrimSpace(strings.ToUpper(stmt))
	for _, blocked := range []string{"ATTACH", "DETACH"} {
		if strings.HasPrefix(upper, blocked) {
			return fmt.Errorf("%s statements are not allowed", blocked)
		}
	}
	if strings.HasPrefix(upper, "PRAGMA") {
		allowed := []string{
			"PRAGMA TABLE_INFO", "PRAGMA TABLE_LIST", "PRAGMA INDEX_LIST",
			"PRAGMA INDEX_INFO", "PRAGMA FOREIGN_KEY_LIST", "PRAGMA JOURNAL_MODE",
		}
		for _, a := range allowed {
			if strings.HasPrefix(upper, a) {
				return nil
			}
		}
		return fmt.Errorf("this PRAGMA is not allowed")
	}
	return nil
}

func (s *SQLService) query(ctx context.Context, stmt string, bindings []any) (*QueryResult, error) {
	rows, err := s.db.QueryContext(ctx, stmt, bindings...)
	if err != nil {
		return nil, fmt.Errorf("query error: %w", err)
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("columns error: %w", err)
	}

	out := []map[string]any{}
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan error: %w", err)
		}
		row := make(map[string]any, len(columns))
		for i, col := range columns {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return &QueryResult{Columns: columns, Rows: out}, nil
}

func (s *SQLService) exec(ctx context.Context, stmt string, bindings []any) (*ExecResult, error) {
	result, err := s.db.ExecContext(ctx, stmt, bindings...)
	if err != nil {
		return nil, fmt.Errorf("exec error: %w", err)
	}
	changes, _ := result.RowsAffected()
	lastID, _ := result.LastInsertId()
	return &ExecResult{Changes: changes, LastInsertID: lastID}, nil
}
