// Package archive round-trips a directory of named files to and from a
// single portable TAR bundle with an embedded JSON manifest.
package archive

import (
	"archive/tar"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// ManifestName is the reserved entry written into every serialized archive.
// It is metadata about the bundle, not part of the record itself.
const ManifestName = "manifest.json"

const formatVersion = 1

// Record is a snapshot of a directory: relative file name to contents.
type Record map[string][]byte

// Manifest is the structured metadata entry embedded in serialized archives.
type Manifest struct {
	FormatVersion int       `json:"format_version"`
	CreatedAt     time.Time `json:"created_at"`
	Tool          string    `json:"tool"`
	Files         []string  `json:"files"`
}

// CollisionError reports an unpack refused because an entry would overwrite
// an existing file.
type CollisionError struct {
	Dir  string
	Name string
}

func (e *CollisionError) Error() string {
	return fmt.Sprintf("refusing to overwrite %s in %s (pass overwrite to allow)", e.Name, e.Dir)
}

// Names returns the record's file names in sorted order.
func (r Record) Names() []string {
	names := make([]string, 0, len(r))
	for name := range r {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Pack reads every regular file directly under dir into a Record, keyed by
// base name. The emc2 toolchain never nests its outputs, so enumeration is
// non-recursive.
func Pack(dir string) (Record, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory %s: %w", dir, err)
	}

	rec := make(Record)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", name, err)
		}
		rec[name] = data
	}

	return rec, nil
}

// Unpack writes every entry of rec into dir, creating dir if absent. Unless
// overwrite is set, a collision with any existing file fails before anything
// is written.
func Unpack(rec Record, dir string, overwrite bool) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	if !overwrite {
		for _, name := range rec.Names() {
			if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
				return &CollisionError{Dir: dir, Name: name}
			}
		}
	}

	for _, name := range rec.Names() {
		if err := os.WriteFile(filepath.Join(dir, name), rec[name], 0644); err != nil {
			return fmt.Errorf("failed to write %s: %w", name, err)
		}
	}

	return nil
}

// Serialize encodes rec as a TAR stream. A manifest.json entry is written
// first so the bundle is self-describing without extraction tools beyond tar.
func Serialize(rec Record) ([]byte, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	manifest := Manifest{
		FormatVersion: formatVersion,
		CreatedAt:     time.Now().UTC(),
		Tool:          "e2mc2",
		Files:         rec.Names(),
	}
	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal manifest: %w", err)
	}

	if err := writeEntry(tw, ManifestName, manifestJSON); err != nil {
		return nil, err
	}
	for _, name := range rec.Names() {
		if err := writeEntry(tw, name, rec[name]); err != nil {
			return nil, err
		}
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize archive: %w", err)
	}
	return buf.Bytes(), nil
}

func writeEntry(tw *tar.Writer, name string, data []byte) error {
	hdr := &tar.Header{
		Name: name,
		Mode: 0644,
		Size: int64(len(data)),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("failed to write header for %s: %w", name, err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	return nil
}

// Deserialize decodes a TAR stream produced by Serialize back into a Record.
// The manifest entry is consumed, not returned as part of the record.
func Deserialize(data []byte) (Record, error) {
	tr := tar.NewReader(bytes.NewReader(data))
	rec := make(Record)

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read archive: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		contents, err := io.ReadAll(tr)
		if err != nil {
			return nil, fmt.Errorf("failed to read archive entry %s: %w", hdr.Name, err)
		}
		if hdr.Name == ManifestName {
			continue
		}
		rec[hdr.Name] = contents
	}

	return rec, nil
}

// ReadManifest extracts just the manifest from a serialized archive.
func ReadManifest(data []byte) (*Manifest, error) {
	tr := tar.NewReader(bytes.NewReader(data))

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read archive: %w", err)
		}
		if hdr.Name != ManifestName {
			continue
		}

		contents, err := io.ReadAll(tr)
		if err != nil {
			return nil, fmt.Errorf("failed to read manifest: %w", err)
		}
		var manifest Manifest
		if err := json.Unmarshal(contents, &manifest); err != nil {
			return nil, fmt.Errorf("failed to parse manifest: %w", err)
		}
		return &manifest, nil
	}

	return nil, fmt.Errorf("archive has no %s entry", ManifestName)
}
