package migration

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"text/template"
	"time"
)

// versionLayout sorts lexically in apply order
const versionLayout = "20060102150405"

var (
	// ErrEmptyName is returned when a name has no usable characters
	ErrEmptyName = errors.New("migration name is empty after sanitizing")

	nonWord     = regexp.MustCompile(`[^a-z0-9]+`)
	filePattern = regexp.MustCompile(`^(\d{14})_([a-z0-9_]+)\.(up|down)\.sql$`)
)

var fileTemplate = template.Must(template.New("migration").Parse(`-- Migration: {{.Name}}{{if .Down}} (rollback){{end}}
-- Created: {{.Timestamp}}
{{- if .Description}}
-- Description: {{.Description}}
{{- end}}

`))

// MigrationFile is a created up/down pair
type MigrationFile struct {
	Version     string
	Name        string
	Description string
	UpPath      string
	DownPath    string
}

// Migration is one pair found in a directory
type Migration struct {
	Version string
	Name    string
	HasDown bool
}

// CreateMigration writes an empty up/down pair into dir. The version is the
// current UTC time, bumped past the newest existing version so two pairs
// created within one second still sort in creation order.
func CreateMigration(dir, name, description string) (*MigrationFile, error) {
	return createAt(dir, name, description, time.Now().UTC())
}

func createAt(dir, name, description string, now time.Time) (*MigrationFile, error) {
	slug := sanitizeName(name)
	if slug == "" {
		return nil, ErrEmptyName
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create migrations directory: %w", err)
	}
	existing, err := ListMigrations(dir)
	if err != nil {
		return nil, err
	}
	version := now.Format(versionLayout)
	if n := len(existing); n > 0 && existing[n-1].Version >= version {
		last, err := time.Parse(versionLayout, existing[n-1].Version)
		if err != nil {
			return nil, fmt.Errorf("bad version %q: %w", existing[n-1].Version, err)
		}
		version = last.Add(time.Second).Format(versionLayout)
	}

	base := version + "_" + slug
	mf := &MigrationFile{
		Version:     version,
		Name:        slug,
		Description: strings.TrimSpace(description),
		UpPath:      filepath.Join(dir, base+".up.sql"),
		DownPath:    filepath.Join(dir, base+".down.sql"),
	}
	stamp := now.Format(time.RFC3339)
	if err := writeTemplate(mf.UpPath, mf, stamp, false); err != nil {
		return nil, err
	}
	if err := writeTemplate(mf.DownPath, mf, stamp, true); err != nil {
		_ = os.Remove(mf.UpPath)
		return nil, err
	}
	return mf, nil
}

func writeTemplate(path string, mf *MigrationFile, stamp string, down bool) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer f.Close()
	return fileTemplate.Execute(f, struct {
		Name, Description, Timestamp string
		Down                         bool
	}{mf.Name, mf.Description, stamp, down})
}

// sanitizeName lowercases name and joins its alphanumeric runs with "_"
func sanitizeName(name string) string {
	return strings.Trim(nonWord.ReplaceAllString(strings.ToLower(name), "_"), "_")
}

// ListMigrations returns the pairs in dir ordered by version. A missing
// directory has no migrations.
func ListMigrations(dir string) ([]Migration, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	byVersion := make(map[string]*Migration)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := filePattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		mig, ok := byVersion[m[1]]
		if !ok {
			mig = &Migration{Version: m[1], Name: m[2]}
			byVersion[m[1]] = mig
		}
		if m[3] == "down" {
			mig.HasDown = true
		}
	}

	out := make([]Migration, 0, len(byVersion))
	for _, m := range byVersion {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}
