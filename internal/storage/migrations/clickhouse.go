package migrations

import (
	"context"
	"fmt"
	"io/fs"
	"net/url"
	"strings"

	"seisflow/internal/logging"
	chstore "seisflow/internal/storage/clickhouse"
)

// RunClickhouseMigrations creates the DSN's database when missing and
// applies every embedded SQL file. Statements are idempotent, so all files
// are re-applied on each run. The returned connection targets that database.
func RunClickhouseMigrations(ctx context.Context, dsn string) (_ *chstore.Conn, err error) {
	log := logging.Component("migrations").WithField("backend", "clickhouse")

	dbName, err := databaseFromDSN(dsn)
	if err != nil {
		return nil, err
	}
	if err := ensureDatabase(ctx, dsn, dbName); err != nil {
		return nil, err
	}

	conn, err := chstore.NewConnWithDatabase(ctx, dsn, dbName)
	if err != nil {
		return nil, fmt.Errorf("connect clickhouse db: %w", err)
	}
	defer func() {
		if err != nil {
			conn.Close()
		}
	}()

	names, err := files(ClickhouseFS, "clickhouse")
	if err != nil {
		return nil, fmt.Errorf("read embedded clickhouse migrations: %w", err)
	}
	for _, name := range names {
		n, err := applyClickhouseFile(ctx, conn, name)
		if err != nil {
			return nil, fmt.Errorf("apply migration %s: %w", name, err)
		}
		log.WithField("file", name).WithField("statements", n).Info("migration applied")
	}
	return conn, nil
}

func ensureDatabase(ctx context.Context, dsn, dbName string) error {
	admin, err := chstore.NewConnWithDatabase(ctx, dsn, "")
	if err != nil {
		return fmt.Errorf("connect clickhouse admin: %w", err)
	}
	defer admin.Close()

	if err := admin.Exec(ctx, fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s`", dbName)); err != nil {
		return fmt.Errorf("create database %s: %w", dbName, err)
	}
	return nil
}

// applyClickhouseFile executes one file statement by statement; the native
// driver rejects multi-statement Exec.
func applyClickhouseFile(ctx context.Context, conn *chstore.Conn, name string) (int, error) {
	data, err := fs.ReadFile(ClickhouseFS, "clickhouse/"+name)
	if err != nil {
		return 0, err
	}
	stmts, err := splitStatements(string(data))
	if err != nil {
		return 0, err
	}
	for i, stmt := range stmts {
		if err := conn.Exec(ctx, stmt); err != nil {
			return i, fmt.Errorf("statement %d: %w", i+1, err)
		}
	}
	return len(stmts), nil
}

// splitStatements drops "--" comment lines and splits on ';'. Files must not
// put semicolons inside string literals; that is rejected rather than
// silently mis-split.
func splitStatements(input string) ([]string, error) {
	var kept []string
	for _, line := range strings.Split(input, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		kept = append(kept, line)
	}
	joined := strings.Join(kept, "\n")

	inString := false
	for i := 0; i < len(joined); i++ {
		switch ch := joined[i]; {
		case ch == '\'' && inString && i+1 < len(joined) && joined[i+1] == '\'':
			i++ // escaped quote
		case ch == '\'':
			inString = !inString
		case ch == ';' && inString:
			return nil, fmt.Errorf("semicolon inside string literal at offset %d", i)
		}
	}

	var stmts []string
	for _, part := range strings.Split(joined, ";") {
		if stmt := strings.TrimSpace(part); stmt != "" {
			stmts = append(stmts, stmt)
		}
	}
	return stmts, nil
}

func databaseFromDSN(dsn string) (string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("parse clickhouse dsn: %w", err)
	}
	db := strings.TrimPrefix(u.Path, "/")
	if db == "" {
		return "", fmt.Errorf("clickhouse dsn missing database")
	}
	return db, nil
}
