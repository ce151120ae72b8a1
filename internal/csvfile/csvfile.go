// Package csvfile handles the file side of an import run: discovering
// eligible delimited files, parsing them into samples, and archiving them
// after a successful load.
package csvfile

import (
	"archive/zip"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/transform"

	"dwsync/internal/tabular"
)

// filePattern matches eligible data files: <region>_<entity>_<yyyymmdd>.csv.
// The last underscore group is the stamp; everything before it is the
// staging table name.
var filePattern = regexp.MustCompile(`^(.+)_(\d{8})\.csv$`)

// markerSuffix replaces the data file's ".csv" suffix in the marker the
// producing system writes once the file is fully written:
// zvolen_vehicles_20260115.csv pairs with zvolen_vehicles_20260115.complete.
const markerSuffix = ".complete"

// File is a discovered, eligible import file.
type File struct {
	// Path is the absolute or dir-relative path of the data file.
	Path string

	// Table is the staging table the file loads into (<region>_<entity>).
	Table string

	// Stamp is the yyyymmdd portion of the file name.
	Stamp string
}

// MarkerPath returns the path of the file's completion marker.
func (f File) MarkerPath() string {
	return strings.TrimSuffix(f.Path, ".csv") + markerSuffix
}

// Options controls parsing.
type Options struct {
	// Delimiter is the field separator. Zero value means '|'.
	Delimiter rune

	// Encoding names the source byte encoding: "", "utf-8", "windows-1252"
	// or "latin-1". Non-UTF-8 inputs are transcoded while reading.
	Encoding string
}

// List returns the directory's eligible import files sorted by file name.
//
// A file is eligible when its name matches <table>_<yyyymmdd>.csv AND a
// sibling <table>_<yyyymmdd>.complete marker exists. Files still being
// written have no marker yet and are skipped.
func List(dir string) ([]File, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("csvfile: list %s: %w", dir, err)
	}

	markers := make(map[string]bool)
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), markerSuffix) {
			markers[strings.TrimSuffix(e.Name(), markerSuffix)] = true
		}
	}

	var out []File
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := filePattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		if !markers[strings.TrimSuffix(e.Name(), ".csv")] {
			continue
		}
		out = append(out, File{
			Path:  filepath.Join(dir, e.Name()),
			Table: m[1],
			Stamp: m[2],
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// Parse reads a delimited file into a sample. The first record is the
// header; remaining records become rows. A UTF-8 BOM on the first header
// cell is stripped.
func Parse(path string, opt Options) (*tabular.Sample, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("csvfile: open %s: %w", path, err)
	}
	defer f.Close()

	r, err := decodeReader(f, opt.Encoding)
	if err != nil {
		return nil, fmt.Errorf("csvfile: parse %s: %w", path, err)
	}

	delim := opt.Delimiter
	if delim == 0 {
		delim = '|'
	}

	cr := csv.NewReader(r)
	cr.Comma = delim

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("csvfile: read header of %s: %w", path, err)
	}
	columns := make([]string, len(header))
	for i, h := range header {
		h = strings.TrimSpace(h)
		if i == 0 {
			h = strings.TrimPrefix(h, "\uFEFF")
		}
		columns[i] = h
	}

	var rows [][]string
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("csvfile: read %s: %w", path, err)
		}
		row := make([]string, len(rec))
		copy(row, rec)
		rows = append(rows, row)
	}

	s, err := tabular.New(columns, rows)
	if err != nil {
		return nil, fmt.Errorf("csvfile: %s: %w", path, err)
	}
	return s, nil
}

// decodeReader wraps r with a charset decoder when the source is not UTF-8.
func decodeReader(r io.Reader, encoding string) (io.Reader, error) {
	switch strings.ToLower(encoding) {
	case "", "utf-8", "utf8":
		return r, nil
	case "windows-1252", "cp1252":
		return transform.NewReader(r, charmap.Windows1252.NewDecoder()), nil
	case "latin-1", "iso-8859-1":
		return transform.NewReader(r, charmap.ISO8859_1.NewDecoder()), nil
	default:
		return nil, fmt.Errorf("unsupported encoding %q", encoding)
	}
}

// Archive compresses the data file into <archiveDir>/<name>.zip, removes the
// original and moves the completion marker alongside the archive.
//
// Callers invoke Archive only after the database commit; an archival failure
// is surfaced but must not undo the load.
func Archive(f File, archiveDir string) error {
	if err := os.MkdirAll(archiveDir, 0o755); err != nil {
		return fmt.Errorf("csvfile: archive dir %s: %w", archiveDir, err)
	}

	base := filepath.Base(f.Path)
	zipPath := filepath.Join(archiveDir, strings.TrimSuffix(base, ".csv")+".zip")

	if err := zipFile(zipPath, f.Path, base); err != nil {
		return fmt.Errorf("csvfile: archive %s: %w", f.Path, err)
	}

	if err := os.Remove(f.Path); err != nil {
		return fmt.Errorf("csvfile: remove %s: %w", f.Path, err)
	}
	marker := f.MarkerPath()
	dest := filepath.Join(archiveDir, filepath.Base(marker))
	if err := os.Rename(marker, dest); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("csvfile: move %s: %w", marker, err)
	}
	return nil
}

func zipFile(zipPath, srcPath, name string) error {
	out, err := os.Create(zipPath)
	if err != nil {
		return err
	}
	defer out.Close()

	zw := zip.NewWriter(out)

	w, err := zw.Create(name)
	if err != nil {
		_ = zw.Close()
		return err
	}

	src, err := os.Open(srcPath)
	if err != nil {
		_ = zw.Close()
		return err
	}
	defer src.Close()

	if _, err := io.Copy(w, src); err != nil {
		_ = zw.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		return err
	}
	return out.Close()
}
