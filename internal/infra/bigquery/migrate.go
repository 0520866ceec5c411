package bigquery

import (
	"context"
	"crypto/sha256"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/rs/zerolog"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
)

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

// migrationPattern matches migration files such as 0001_create_table.sql.
var migrationPattern = regexp.MustCompile(`^(\d{4})_(.+)\.sql$`)

// Migration is a single migration file.
type Migration struct {
	Version  int
	Name     string
	Filename string
	SQL      string
	Checksum string
}

// AppliedMigration is a row of schema_migrations.
type AppliedMigration struct {
	Version   int
	Name      string
	AppliedAt time.Time
	Checksum  string
	AppliedBy string
}

// Placeholders are substituted into the migration SQL.
type Placeholders struct {
	ProjectID string
	DatasetID string
	RunsTable string
}

func (p Placeholders) apply(sql string) string {
	return strings.NewReplacer(
		"{{PROJECT_ID}}", p.ProjectID,
		"{{DATASET_ID}}", p.DatasetID,
		"{{RUNS_TABLE}}", p.RunsTable,
	).Replace(sql)
}

// ReadMigrations loads the migrations of fsys sorted by version. Files that
// do not match the naming pattern are skipped. The checksum is taken over the
// file content before placeholders are substituted.
func ReadMigrations(fsys fs.FS, p Placeholders) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("ReadMigrations: reading directory: %w", err)
	}

	seen := make(map[int]string)
	var migrations []Migration
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		matches := migrationPattern.FindStringSubmatch(entry.Name())
		if matches == nil {
			continue
		}
		version, err := strconv.Atoi(matches[1])
		if err != nil {
			continue
		}
		if prev, ok := seen[version]; ok {
			return nil, fmt.Errorf("ReadMigrations: version %04d used by %s and %s", version, prev, entry.Name())
		}
		seen[version] = entry.Name()

		content, err := fs.ReadFile(fsys, entry.Name())
		if err != nil {
			return nil, fmt.Errorf("ReadMigrations: reading %s: %w", entry.Name(), err)
		}

		migrations = append(migrations, Migration{
			Version:  version,
			Name:     matches[2],
			Filename: entry.Name(),
			SQL:      p.apply(string(content)),
			Checksum: fmt.Sprintf("%x", sha256.Sum256(content)),
		})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})
	return migrations, nil
}

// EmbeddedMigrations returns the migrations shipped with the binary.
func EmbeddedMigrations(p Placeholders) ([]Migration, error) {
	sub, err := fs.Sub(embeddedMigrations, "migrations")
	if err != nil {
		return nil, fmt.Errorf("EmbeddedMigrations: %w", err)
	}
	return ReadMigrations(sub, p)
}

// Pending returns the migrations whose version is not applied yet. A changed
// checksum of an applied migration is an error.
func Pending(all []Migration, applied []AppliedMigration) ([]Migration, error) {
	byVersion := make(map[int]AppliedMigration, len(applied))
	for _, am := range applied {
		byVersion[am.Version] = am
	}

	var pending []Migration
	for _, m := range all {
		am, ok := byVersion[m.Version]
		if !ok {
			pending = append(pending, m)
			continue
		}
		if am.Checksum != "" && am.Checksum != m.Checksum {
			return nil, fmt.Errorf("Pending: migration %04d_%s was modified after it was applied", m.Version, m.Name)
		}
	}
	return pending, nil
}

// Migrator applies the run-export migrations to a dataset and records them in
// its schema_migrations table.
type Migrator struct {
	client       *bigquery.Client
	placeholders Placeholders
	appliedBy    string
	log          zerolog.Logger
}

// Migrator returns a migrator over the sink's client and dataset.
func (s *RunSink) Migrator(appliedBy string, log zerolog.Logger) *Migrator {
	return &Migrator{
		client:       s.client,
		placeholders: Placeholders{ProjectID: s.projectID, DatasetID: s.datasetID, RunsTable: s.tableID},
		appliedBy:    appliedBy,
		log:          log,
	}
}

// Up applies every pending migration in version order and returns how many
// were applied.
func (m *Migrator) Up(ctx context.Context) (int, error) {
	if err := m.exec(ctx, m.placeholders.apply(`
		CREATE TABLE IF NOT EXISTS `+"`{{PROJECT_ID}}.{{DATASET_ID}}.schema_migrations`"+` (
			version       INT64 NOT NULL,
			name          STRING NOT NULL,
			applied_at    TIMESTAMP NOT NULL,
			checksum      STRING,
			applied_by    STRING
		)
	`), nil); err != nil {
		return 0, fmt.Errorf("Up: ensuring schema_migrations: %w", err)
	}

	all, err := EmbeddedMigrations(m.placeholders)
	if err != nil {
		return 0, fmt.Errorf("Up: %w", err)
	}
	applied, err := m.applied(ctx)
	if err != nil {
		return 0, fmt.Errorf("Up: %w", err)
	}
	pending, err := Pending(all, applied)
	if err != nil {
		return 0, fmt.Errorf("Up: %w", err)
	}

	for _, mig := range pending {
		log := m.log.With().Int("version", mig.Version).Str("name", mig.Name).Logger()
		log.Info().Msg("Applying migration")

		if err := m.exec(ctx, mig.SQL, nil); err != nil {
			return 0, fmt.Errorf("Up: executing %s: %w", mig.Filename, err)
		}
		if err := m.exec(ctx, m.placeholders.apply(`
			INSERT INTO `+"`{{PROJECT_ID}}.{{DATASET_ID}}.schema_migrations`"+`
			(version, name, applied_at, checksum, applied_by)
			VALUES (@version, @name, CURRENT_TIMESTAMP(), @checksum, @applied_by)
		`), []bigquery.QueryParameter{
			{Name: "version", Value: mig.Version},
			{Name: "name", Value: mig.Name},
			{Name: "checksum", Value: mig.Checksum},
			{Name: "applied_by", Value: m.appliedBy},
		}); err != nil {
			return 0, fmt.Errorf("Up: recording %s: %w", mig.Filename, err)
		}
	}

	m.log.Info().Int("applied", len(pending)).Int("total", len(all)).Msg("BigQuery migrations complete")
	return len(pending), nil
}

func (m *Migrator) applied(ctx context.Context) ([]AppliedMigration, error) {
	q := m.client.Query(m.placeholders.apply(`
		SELECT version, name, applied_at, checksum, applied_by
		FROM ` + "`{{PROJECT_ID}}.{{DATASET_ID}}.schema_migrations`" + `
		ORDER BY version ASC
	`))
	it, err := q.Read(ctx)
	if err != nil {
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("reading applied migrations: %w", err)
	}

	var applied []AppliedMigration
	for {
		var row struct {
			Version   int64               `bigquery:"version"`
			Name      string              `bigquery:"name"`
			AppliedAt time.Time           `bigquery:"applied_at"`
			Checksum  bigquery.NullString `bigquery:"checksum"`
			AppliedBy bigquery.NullString `bigquery:"applied_by"`
		}
		err := it.Next(&row)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterating applied migrations: %w", err)
		}
		applied = append(applied, AppliedMigration{
			Version:   int(row.Version),
			Name:      row.Name,
			AppliedAt: row.AppliedAt,
			Checksum:  row.Checksum.StringVal,
			AppliedBy: row.AppliedBy.StringVal,
		})
	}
	return applied, nil
}

func (m *Migrator) exec(ctx context.Context, sql string, params []bigquery.QueryParameter) error {
	q := m.client.Query(sql)
	q.Parameters = params
	job, err := q.Run(ctx)
	if err != nil {
		return fmt.Errorf("running query: %w", err)
	}
	status, err := job.Wait(ctx)
	if err != nil {
		return fmt.Errorf("waiting for job: %w", err)
	}
	if err := status.Err(); err != nil {
		return fmt.Errorf("job error: %w", err)
	}
	return nil
}
