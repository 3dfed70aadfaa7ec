package db

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const migrationsLogPrefix = "db:migrations"

const downSuffix = ".down.sql"

// LoadMigrationFiles reads the forward .sql files in dir, sorted by name. Rollback files (*.down.sql) are skipped.
func LoadMigrationFiles(dir string) ([]string, error) {
	names, err := migrationNames(dir, false)
	if err != nil {
		return nil, err
	}
	out, err := readMigrations(dir, names)
	if err != nil {
		return nil, err
	}
	slog.Info(fmt.Sprintf("%s - Loaded %d migration files from %s", migrationsLogPrefix, len(out), dir))
	return out, nil
}

// LoadDownMigration returns the name and contents of the highest-numbered *.down.sql in dir.
// An empty name means there is nothing to roll back.
func LoadDownMigration(dir string) (string, string, error) {
	names, err := migrationNames(dir, true)
	if err != nil {
		return "", "", err
	}
	if len(names) == 0 {
		return "", "", nil
	}
	last := names[len(names)-1]
	out, err := readMigrations(dir, []string{last})
	if err != nil {
		return "", "", err
	}
	return last, out[0], nil
}

func migrationNames(dir string, down bool) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to read migration dir %s: %w", migrationsLogPrefix, dir, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".sql" {
			continue
		}
		if strings.HasSuffix(e.Name(), downSuffix) != down {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

func readMigrations(dir string, names []string) ([]string, error) {
	out := make([]string, 0, len(names))
	for _, name := range names {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%s - failed to read %s: %w", migrationsLogPrefix, path, err)
		}
		out = append(out, string(data))
	}
	return out, nil
}
