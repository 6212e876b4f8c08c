package channel

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// MetadataFile is the optional per-stream document holding display metadata.
const MetadataFile = "metadata.json"

// Registry lists the streams under a root directory and resolves their
// display titles. It is read-only: it never mutates queue state.
type Registry struct {
	root string
}

// NewRegistry returns a Registry over the given streams root.
func NewRegistry(root string) *Registry {
	return &Registry{root: root}
}

// ListStreams returns every stream directory with its resolved display
// title, sorted by stream name.
func (r *Registry) ListStreams() ([]StreamInfo, error) {
	entries, err := os.ReadDir(r.root)
	if err != nil {
		return nil, err
	}

	var streams []StreamInfo
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name := StreamName(e.Name())
		streams = append(streams, StreamInfo{Name: name, Title: r.DisplayName(name)})
	}
	sort.Slice(streams, func(i, j int) bool { return streams[i].Name < streams[j].Name })
	return streams, nil
}

// Exists reports whether the name denotes a stream directory. Names that
// are not plain path components (separators, "..") are rejected outright so
// request paths can never escape the streams root.
func (r *Registry) Exists(stream StreamName) bool {
	name := string(stream)
	if name == "" || name == "." || name == ".." {
		return false
	}
	if strings.ContainsAny(name, `/\`) || name != filepath.Base(name) {
		return false
	}
	info, err := os.Stat(filepath.Join(r.root, name))
	return err == nil && info.IsDir()
}

// DisplayName resolves the stream's display title from its metadata
// document. A missing file, malformed JSON, or empty name field all fall
// back to the raw stream name; metadata problems are never surfaced.
func (r *Registry) DisplayName(stream StreamName) string {
	meta, ok := r.loadMetadata(stream)
	if !ok || meta.Name == "" {
		return string(stream)
	}
	return meta.Name
}

func (r *Registry) loadMetadata(stream StreamName) (Metadata, bool) {
	data, err := os.ReadFile(filepath.Join(r.root, string(stream), MetadataFile))
	if err != nil {
		return Metadata{}, false
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return Metadata{}, false
	}
	return meta, true
}
