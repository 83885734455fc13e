package tracking

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"image"
	"image/png"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/image/draw"
	_ "modernc.org/sqlite"

	"github.com/caljoseph/photochrom-ai/logging"
	"github.com/caljoseph/photochrom-ai/training"
)

//go:embed schema.sql
var schemaSQL string

// ErrRunNotFound is returned when a run id is not in the store.
var ErrRunNotFound = errors.New("tracking: run not found")

const dbFileName = "tracking.db"

// StoreConfig locates a run inside the tracking directory.
type StoreConfig struct {
	Dir        string // Root tracking directory
	Project    string
	RunID      string // Generated when empty
	ConfigTOML string // Stored with the run for reference
}

// Store is the local experiment store: scalars and image metadata go to
// SQLite, rendered triples to PNG files beside it. It implements
// training.MetricsSink.
type Store struct {
	db       *sql.DB
	dir      string
	project  string
	runID    string
	imageDir string
	logger   *slog.Logger
}

// Scalar is one logged value.
type Scalar struct {
	Step  int
	Value float64
}

// Run describes one training run.
type Run struct {
	ID         string
	Project    string
	StartedAt  time.Time
	FinishedAt time.Time // zero while running
	Steps      int       // highest logged step
}

// Open creates or opens the project database and registers the run.
func Open(ctx context.Context, cfg StoreConfig, logger *slog.Logger) (*Store, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("tracking directory is required")
	}
	if cfg.Project == "" {
		cfg.Project = "default"
	}
	if cfg.RunID == "" {
		cfg.RunID = uuid.NewString()
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	dir := filepath.Join(cfg.Dir, cfg.Project)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("ensure tracking directory: %w", err)
	}

	db, err := openDB(filepath.Join(dir, dbFileName))
	if err != nil {
		return nil, err
	}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	_, err = db.ExecContext(ctx,
		`INSERT INTO runs (id, project, started_at, config_toml) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET finished_at = NULL`,
		cfg.RunID, cfg.Project, time.Now().UTC().Format(time.RFC3339Nano), nullableString(cfg.ConfigTOML))
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("register run: %w", err)
	}

	return &Store{
		db:       db,
		dir:      dir,
		project:  cfg.Project,
		runID:    cfg.RunID,
		imageDir: filepath.Join(dir, cfg.RunID, "images"),
		logger:   logger.With(slog.String("run_id", cfg.RunID)),
	}, nil
}

// OpenReadOnly opens an existing project database for queries.
func OpenReadOnly(dir, project string) (*Store, error) {
	path := filepath.Join(dir, project, dbFileName)
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, dir: filepath.Join(dir, project), project: project, logger: logging.NewNop()}, nil
}

func openDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}
	return db, nil
}

// RunID returns the id of the run this store records.
func (s *Store) RunID() string {
	return s.runID
}

// LogScalars records scalars at step. A value logged twice for the same
// step and name keeps the latest.
func (s *Store) LogScalars(ctx context.Context, step int, scalars map[string]float64) error {
	if len(scalars) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin scalars tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for name, value := range scalars {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO scalars (run_id, step, name, value, logged_at) VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(run_id, step, name) DO UPDATE SET value = excluded.value, logged_at = excluded.logged_at`,
			s.runID, step, name, value, now); err != nil {
			return fmt.Errorf("insert scalar %s: %w", name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit scalars: %w", err)
	}
	return nil
}

// LogImages writes each triple as one PNG, gray | predicted | truth side by
// side, and records it.
func (s *Store) LogImages(ctx context.Context, step int, triples []training.ImageTriple) error {
	if len(triples) == 0 {
		return nil
	}
	if err := os.MkdirAll(s.imageDir, 0o755); err != nil {
		return fmt.Errorf("ensure image directory: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for i, triple := range triples {
		path := filepath.Join(s.imageDir, fmt.Sprintf("step%07d_%02d.png", step, i))
		if err := writePNG(path, ComposeTriple(triple)); err != nil {
			return err
		}
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO images (run_id, step, caption, path, logged_at) VALUES (?, ?, ?, ?, ?)`,
			s.runID, step, triple.Caption, path, now); err != nil {
			return fmt.Errorf("insert image: %w", err)
		}
	}
	return nil
}

// ComposeTriple lays the three images of t side by side.
func ComposeTriple(t training.ImageTriple) *image.RGBA {
	parts := []image.Image{t.Gray, t.Predicted, t.Truth}
	width, height := 0, 0
	for _, p := range parts {
		b := p.Bounds()
		width += b.Dx()
		height = max(height, b.Dy())
	}
	out := image.NewRGBA(image.Rect(0, 0, width, height))
	x := 0
	for _, p := range parts {
		b := p.Bounds()
		draw.Draw(out, image.Rect(x, 0, x+b.Dx(), b.Dy()), p, b.Min, draw.Src)
		x += b.Dx()
	}
	return out
}

func writePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", filepath.Base(path), err)
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	return f.Close()
}

// Scalars returns the series logged under name for runID in step order.
func (s *Store) Scalars(ctx context.Context, runID, name string) ([]Scalar, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT step, value FROM scalars WHERE run_id = ? AND name = ? ORDER BY step`, runID, name)
	if err != nil {
		return nil, fmt.Errorf("query scalars: %w", err)
	}
	defer rows.Close()

	var out []Scalar
	for rows.Next() {
		var sc Scalar
		if err := rows.Scan(&sc.Step, &sc.Value); err != nil {
			return nil, fmt.Errorf("scan scalar: %w", err)
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// ScalarNames lists the metric names logged for runID.
func (s *Store) ScalarNames(ctx context.Context, runID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT name FROM scalars WHERE run_id = ?`, runID)
	if err != nil {
		return nil, fmt.Errorf("query scalar names: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan scalar name: %w", err)
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, rows.Err()
}

// ImagePaths returns the image files logged for runID at step.
func (s *Store) ImagePaths(ctx context.Context, runID string, step int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT path FROM images WHERE run_id = ? AND step = ? ORDER BY path`, runID, step)
	if err != nil {
		return nil, fmt.Errorf("query images: %w", err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan image: %w", err)
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

// Runs lists the runs of the project, most recent first.
func (s *Store) Runs(ctx context.Context) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.project, r.started_at, r.finished_at, COALESCE(MAX(sc.step), 0)
		FROM runs r LEFT JOIN scalars sc ON sc.run_id = r.id
		GROUP BY r.id
		ORDER BY r.started_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			run      Run
			started  string
			finished sql.NullString
		)
		if err := rows.Scan(&run.ID, &run.Project, &started, &finished, &run.Steps); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		run.StartedAt = parseTime(started)
		if finished.Valid {
			run.FinishedAt = parseTime(finished.String)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// Run looks up one run by id or unique id prefix.
func (s *Store) Run(ctx context.Context, id string) (Run, error) {
	runs, err := s.Runs(ctx)
	if err != nil {
		return Run{}, err
	}
	var match []Run
	for _, r := range runs {
		if r.ID == id {
			return r, nil
		}
		if strings.HasPrefix(r.ID, id) {
			match = append(match, r)
		}
	}
	if len(match) != 1 {
		return Run{}, fmt.Errorf("%w: %q", ErrRunNotFound, id)
	}
	return match[0], nil
}

// Close marks the run finished and closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var errs []error
	if s.runID != "" {
		if _, err := s.db.Exec(`UPDATE runs SET finished_at = ? WHERE id = ?`,
			time.Now().UTC().Format(time.RFC3339Nano), s.runID); err != nil {
			errs = append(errs, fmt.Errorf("finish run: %w", err))
		}
	}
	if err := s.db.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func parseTime(value string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

var _ training.MetricsSink = (*Store)(nil)
