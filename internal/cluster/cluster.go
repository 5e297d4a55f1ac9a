// Package cluster holds the cluster-expansion parameterization produced by
// the ATAT maps fitting tool: the fixed file set a Monte Carlo run consumes.
package cluster

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/SMTG-Bham/e2mc2/internal/archive"
)

// InputFiles is the fixed set of maps output files that defines a
// cluster expansion. The names are a versioned contract with ATAT.
var InputFiles = []string{
	"lat.in",
	"clusters.out",
	"eci.out",
	"gs_str.out",
}

// MissingFileError reports a required parameterization file that was absent.
type MissingFileError struct {
	Source string // directory or "archive"
	Name   string
}

func (e *MissingFileError) Error() string {
	return fmt.Sprintf("required file %s not found in %s", e.Name, e.Source)
}

// ParseError reports a parameterization file whose contents could not be
// interpreted.
type ParseError struct {
	Name   string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("cannot parse %s: %s", e.Name, e.Reason)
}

// ClusterExpansion is an immutable snapshot of a maps run. The file contents
// are carried verbatim; this layer does not reinterpret the physics.
type ClusterExpansion struct {
	files map[string][]byte
}

// Load reads a cluster expansion from a directory produced by maps.
func Load(dir string) (*ClusterExpansion, error) {
	files := make(map[string][]byte, len(InputFiles))

	for _, name := range InputFiles {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			if os.IsNotExist(err) {
				return nil, &MissingFileError{Source: dir, Name: name}
			}
			return nil, fmt.Errorf("failed to read %s: %w", name, err)
		}
		files[name] = data
	}

	ce := &ClusterExpansion{files: files}
	if err := ce.validate(); err != nil {
		return nil, err
	}
	return ce, nil
}

// FromArchive reconstructs a cluster expansion from an archive record. Extra
// entries in the record (run outputs, for example) are ignored.
func FromArchive(rec archive.Record) (*ClusterExpansion, error) {
	files := make(map[string][]byte, len(InputFiles))

	for _, name := range InputFiles {
		data, ok := rec[name]
		if !ok {
			return nil, &MissingFileError{Source: "archive", Name: name}
		}
		files[name] = append([]byte(nil), data...)
	}

	ce := &ClusterExpansion{files: files}
	if err := ce.validate(); err != nil {
		return nil, err
	}
	return ce, nil
}

// ToArchive captures exactly the files needed to reconstruct this cluster
// expansion via FromArchive.
func (ce *ClusterExpansion) ToArchive() archive.Record {
	rec := make(archive.Record, len(ce.files))
	for name, data := range ce.files {
		rec[name] = append([]byte(nil), data...)
	}
	return rec
}

// WriteDir writes the parameterization files into dir, creating it if
// absent. This is the first step of preparing an emc2 working directory.
func (ce *ClusterExpansion) WriteDir(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	for _, name := range InputFiles {
		if err := os.WriteFile(filepath.Join(dir, name), ce.files[name], 0644); err != nil {
			return fmt.Errorf("failed to write %s: %w", name, err)
		}
	}

	return nil
}

// File returns the verbatim contents of one of the parameterization files.
func (ce *ClusterExpansion) File(name string) ([]byte, bool) {
	data, ok := ce.files[name]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), data...), true
}

// ECI returns the effective cluster interaction coefficients from eci.out.
func (ce *ClusterExpansion) ECI() []float64 {
	coeffs, _ := parseECI(ce.files["eci.out"])
	return coeffs
}

func (ce *ClusterExpansion) validate() error {
	for _, name := range InputFiles {
		data := ce.files[name]
		if len(strings.TrimSpace(string(data))) == 0 {
			return &ParseError{Name: name, Reason: "file is empty"}
		}
		if !utf8.Valid(data) {
			return &ParseError{Name: name, Reason: "not a text file"}
		}
	}

	if _, err := parseECI(ce.files["eci.out"]); err != nil {
		return err
	}
	return nil
}

// parseECI checks that eci.out is one coefficient per line. The values are
// kept available for inspection but never modified.
func parseECI(data []byte) ([]float64, error) {
	var coeffs []float64
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		v, err := strconv.ParseFloat(line, 64)
		if err != nil {
			return nil, &ParseError{Name: "eci.out", Reason: fmt.Sprintf("line %q is not a number", line)}
		}
		coeffs = append(coeffs, v)
	}
	return coeffs, nil
}
