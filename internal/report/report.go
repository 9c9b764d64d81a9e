// Package report persists a run's snapshot and assessment as files.
package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gustycube/sensorwatch/internal/analytics"
	"github.com/gustycube/sensorwatch/internal/assess"
	"go.uber.org/zap"
)

const (
	MarkdownFile  = "report.md"
	JSONFile      = "report.json"
	AddressesFile = "addresses.csv"
	MinimalFile   = "report-minimal.json"
)

// Location is where an artifact was written.
type Location struct {
	Dir     string   `json:"dir"`
	Files   []string `json:"files"`
	Minimal bool     `json:"minimal"`
}

// AssemblyError wraps any failure to build the full report.
type AssemblyError struct {
	Path string
	Err  error
}

func (e *AssemblyError) Error() string { return fmt.Sprintf("assemble %s: %v", e.Path, e.Err) }

func (e *AssemblyError) Unwrap() error { return e.Err }

// Document is the machine-readable form of a report.
type Document struct {
	GeneratedAt time.Time           `json:"generated_at"`
	Snapshot    *analytics.Snapshot `json:"snapshot"`
	Assessment  assess.Assessment   `json:"assessment"`
}

type Options struct {
	// Root is the directory run folders are created under.
	Root string
	// TopN limits each distribution table.
	TopN int
	// Addresses enables addresses.csv.
	Addresses bool
}

type Assembler struct {
	opts Options
	log  *zap.SugaredLogger
	now  func() time.Time
}

func NewAssembler(opts Options, log *zap.SugaredLogger) *Assembler {
	if opts.Root == "" {
		opts.Root = "reports"
	}
	if opts.TopN <= 0 {
		opts.TopN = 10
	}
	return &Assembler{opts: opts, log: log, now: time.Now}
}

// Assemble writes the full report into Root/dest. Any failure returns *AssemblyError.
func (a *Assembler) Assemble(snap *analytics.Snapshot, as assess.Assessment, dest string) (Location, error) {
	if snap == nil {
		return Location{}, &AssemblyError{Path: dest, Err: fmt.Errorf("no snapshot")}
	}
	dir := filepath.Join(a.opts.Root, dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Location{}, &AssemblyError{Path: dir, Err: err}
	}
	loc := Location{Dir: dir}
	doc := Document{GeneratedAt: a.now().UTC(), Snapshot: snap, Assessment: as}

	md := filepath.Join(dir, MarkdownFile)
	if err := writeFile(md, func(f *os.File) error { return renderMarkdown(f, doc, a.opts.TopN) }); err != nil {
		return Location{}, &AssemblyError{Path: md, Err: err}
	}
	loc.Files = append(loc.Files, md)

	js := filepath.Join(dir, JSONFile)
	if err := writeJSON(js, doc); err != nil {
		return Location{}, &AssemblyError{Path: js, Err: err}
	}
	loc.Files = append(loc.Files, js)

	if a.opts.Addresses {
		csvPath := filepath.Join(dir, AddressesFile)
		if err := writeFile(csvPath, func(f *os.File) error { return writeAddresses(f, snap) }); err != nil {
			return Location{}, &AssemblyError{Path: csvPath, Err: err}
		}
		loc.Files = append(loc.Files, csvPath)
	}

	a.log.Infow("report assembled", "dir", dir, "files", len(loc.Files))
	return loc, nil
}

// WriteMinimal dumps both records as JSON. It is the fallback when Assemble fails, so it
// tolerates a nil snapshot.
func (a *Assembler) WriteMinimal(snap *analytics.Snapshot, as assess.Assessment, dest string) (Location, error) {
	dir := filepath.Join(a.opts.Root, dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Location{}, &AssemblyError{Path: dir, Err: err}
	}
	path := filepath.Join(dir, MinimalFile)
	if err := writeJSON(path, Document{GeneratedAt: a.now().UTC(), Snapshot: snap, Assessment: as}); err != nil {
		return Location{}, &AssemblyError{Path: path, Err: err}
	}
	a.log.Infow("minimal report written", "path", path)
	return Location{Dir: dir, Files: []string{path}, Minimal: true}, nil
}

func writeJSON(path string, v any) error {
	return writeFile(path, func(f *os.File) error {
		enc := json.NewEncoder(f)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	})
}

// writeFile writes through a temp file so readers never see a half-written report.
func writeFile(path string, fill func(*os.File) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if err := fill(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
