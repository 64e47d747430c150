package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	schemaDir = "sql/migrations"
	// schemaLockKey: advisory lock, под которым агент и cmd/migrate меняют схему.
	schemaLockKey  = int64(0x66736368656d61)
	schemaTableDDL = `
CREATE TABLE IF NOT EXISTS fieldsync_schema_versions (
    version BIGINT PRIMARY KEY,
    name TEXT NOT NULL,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`
)

//go:embed sql/migrations/*.sql
var schemaFS embed.FS

// schemaStep: одна версия схемы хранилища агента (kv_entries, бакеты кэша ответов).
type schemaStep struct {
	Version int64
	Name    string
	Up      string
	Down    string
}

func (s schemaStep) label() string {
	return fmt.Sprintf("%04d_%s", s.Version, s.Name)
}

// SchemaStatus: версия схемы и шаги, которые ещё не применены.
type SchemaStatus struct {
	Version int64
	Applied int
	Pending []string
}

// EnsureSchema доводит схему до последней версии; вызывается при старте агента.
func (s *Store) EnsureSchema(ctx context.Context) error {
	applied, err := s.MigrateUp(ctx, 0)
	if err != nil {
		return err
	}
	if len(applied) > 0 {
		s.logger.WithField("steps", applied).Info("Storage schema upgraded")
	}
	return nil
}

// MigrateUp применяет до steps неприменённых шагов (0 = все) и возвращает их имена.
func (s *Store) MigrateUp(ctx context.Context, steps int) ([]string, error) {
	plan, err := s.plan()
	if err != nil {
		return nil, err
	}
	var done []string
	err = s.withSchemaLock(ctx, func(conn *sql.Conn) error {
		versions, err := appliedVersions(ctx, conn)
		if err != nil {
			return err
		}
		for _, step := range plan {
			if versions[step.Version] {
				continue
			}
			if steps > 0 && len(done) == steps {
				break
			}
			if err := s.runStep(ctx, conn, step, true); err != nil {
				return err
			}
			done = append(done, step.label())
		}
		return nil
	})
	return done, err
}

// MigrateDown откатывает steps последних шагов; steps<=0 откатывает один.
func (s *Store) MigrateDown(ctx context.Context, steps int) ([]string, error) {
	plan, err := s.plan()
	if err != nil {
		return nil, err
	}
	if steps <= 0 {
		steps = 1
	}
	byVersion := make(map[int64]schemaStep, len(plan))
	for _, step := range plan {
		byVersion[step.Version] = step
	}

	var done []string
	err = s.withSchemaLock(ctx, func(conn *sql.Conn) error {
		versions, err := appliedVersions(ctx, conn)
		if err != nil {
			return err
		}
		for _, version := range sortedDesc(versions) {
			if len(done) == steps {
				break
			}
			step, ok := byVersion[version]
			if !ok {
				return fmt.Errorf("schema version %d is not known to this build", version)
			}
			if err := s.runStep(ctx, conn, step, false); err != nil {
				return err
			}
			done = append(done, step.label())
		}
		return nil
	})
	return done, err
}

// SchemaStatus возвращает текущую версию схемы и неприменённые шаги.
func (s *Store) SchemaStatus(ctx context.Context) (SchemaStatus, error) {
	plan, err := s.plan()
	if err != nil {
		return SchemaStatus{}, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, defaultConnTimeout)
	defer cancel()

	conn, err := s.db.Conn(queryCtx)
	if err != nil {
		return SchemaStatus{}, fmt.Errorf("acquire db connection: %w", err)
	}
	defer conn.Close()
	if _, err := conn.ExecContext(queryCtx, schemaTableDDL); err != nil {
		return SchemaStatus{}, fmt.Errorf("ensure schema table: %w", err)
	}
	versions, err := appliedVersions(queryCtx, conn)
	if err != nil {
		return SchemaStatus{}, err
	}

	status := SchemaStatus{Applied: len(versions)}
	for version := range versions {
		status.Version = max(status.Version, version)
	}
	for _, step := range plan {
		if !versions[step.Version] {
			status.Pending = append(status.Pending, step.label())
		}
	}
	return status, nil
}

func (s *Store) plan() ([]schemaStep, error) {
	if s == nil || s.db == nil {
		return nil, errStoreNotInitialized
	}
	return parseSchemaSteps(schemaFS, schemaDir)
}

func (s *Store) withSchemaLock(ctx context.Context, fn func(conn *sql.Conn) error) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire db connection: %w", err)
	}
	defer conn.Close()

	lockCtx, cancel := context.WithTimeout(ctx, defaultConnTimeout)
	defer cancel()
	if _, err := conn.ExecContext(lockCtx, "SELECT pg_advisory_lock($1)", schemaLockKey); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}
	defer func() {
		_, _ = conn.ExecContext(context.WithoutCancel(ctx), "SELECT pg_advisory_unlock($1)", schemaLockKey)
	}()

	if _, err := conn.ExecContext(ctx, schemaTableDDL); err != nil {
		return fmt.Errorf("ensure schema table: %w", err)
	}
	return fn(conn)
}

// runStep применяет или откатывает шаг вместе с записью о версии в одной транзакции.
func (s *Store) runStep(ctx context.Context, conn *sql.Conn, step schemaStep, up bool) error {
	direction, body := "down", step.Down
	record, args := `DELETE FROM fieldsync_schema_versions WHERE version = $1`, []any{step.Version}
	if up {
		direction, body = "up", step.Up
		record = `INSERT INTO fieldsync_schema_versions (version, name, applied_at) VALUES ($1, $2, NOW())`
		args = append(args, step.Name)
	}

	started := time.Now()
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema %s %s: %w", direction, step.label(), err)
	}
	if _, err := tx.ExecContext(ctx, body); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("schema %s %s: %w", direction, step.label(), err)
	}
	if _, err := tx.ExecContext(ctx, record, args...); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("record schema %s %s: %w", direction, step.label(), err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema %s %s: %w", direction, step.label(), err)
	}

	s.logger.WithFields(log.Fields{
		"step":        step.label(),
		"direction":   direction,
		"duration_ms": time.Since(started).Milliseconds(),
	}).Info("Schema step applied")
	return nil
}

func appliedVersions(ctx context.Context, conn *sql.Conn) (map[int64]bool, error) {
	rows, err := conn.QueryContext(ctx, `SELECT version FROM fieldsync_schema_versions`)
	if err != nil {
		return nil, fmt.Errorf("query schema versions: %w", err)
	}
	defer rows.Close()

	versions := make(map[int64]bool)
	for rows.Next() {
		var version int64
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("scan schema version: %w", err)
		}
		versions[version] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate schema versions: %w", err)
	}
	return versions, nil
}

func sortedDesc(versions map[int64]bool) []int64 {
	out := make([]int64, 0, len(versions))
	for version := range versions {
		out = append(out, version)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] > out[j] })
	return out
}

// parseSchemaSteps читает пары NNNN_name.up.sql / NNNN_name.down.sql из dir.
func parseSchemaSteps(fsys fs.FS, dir string) ([]schemaStep, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("read schema dir: %w", err)
	}

	steps := make(map[int64]*schemaStep)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		file := entry.Name()
		version, name, up, err := parseStepFileName(file)
		if err != nil {
			return nil, err
		}
		raw, err := fs.ReadFile(fsys, path.Join(dir, file))
		if err != nil {
			return nil, fmt.Errorf("read schema file %s: %w", file, err)
		}
		body := strings.TrimSpace(string(raw))
		if body == "" {
			return nil, fmt.Errorf("schema file %s is empty", file)
		}

		step, ok := steps[version]
		if !ok {
			step = &schemaStep{Version: version, Name: name}
			steps[version] = step
		}
		if step.Name != name {
			return nil, fmt.Errorf("schema version %d has two names: %s and %s", version, step.Name, name)
		}
		target := &step.Down
		if up {
			target = &step.Up
		}
		if *target != "" {
			return nil, fmt.Errorf("schema file %s is duplicated", file)
		}
		*target = body
	}
	if len(steps) == 0 {
		return nil, errors.New("no schema files found")
	}

	plan := make([]schemaStep, 0, len(steps))
	for _, step := range steps {
		if step.Up == "" || step.Down == "" {
			return nil, fmt.Errorf("schema step %s needs both up and down files", step.label())
		}
		plan = append(plan, *step)
	}
	sort.Slice(plan, func(i, j int) bool { return plan[i].Version < plan[j].Version })
	return plan, nil
}

func parseStepFileName(file string) (int64, string, bool, error) {
	stem, ok := strings.CutSuffix(file, ".sql")
	if !ok {
		return 0, "", false, fmt.Errorf("schema file %s: expected .sql", file)
	}
	up := true
	if s, ok := strings.CutSuffix(stem, ".up"); ok {
		stem = s
	} else if s, ok := strings.CutSuffix(stem, ".down"); ok {
		stem, up = s, false
	} else {
		return 0, "", false, fmt.Errorf("schema file %s: expected .up.sql or .down.sql", file)
	}
	rawVersion, name, ok := strings.Cut(stem, "_")
	if !ok || name == "" {
		return 0, "", false, fmt.Errorf("schema file %s: expected NNNN_name prefix", file)
	}
	version, err := strconv.ParseInt(rawVersion, 10, 64)
	if err != nil || version <= 0 {
		return 0, "", false, fmt.Errorf("schema file %s: invalid version %q", file, rawVersion)
	}
	return version, name, up, nil
}
