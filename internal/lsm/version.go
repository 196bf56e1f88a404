package lsm

import (
	"bytes"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"sort"

	"github.com/natefinch/atomic"
)

// TableMetadata describes one sorted block table of a store.
type TableMetadata struct {
	Level    int    `json:"level"`
	Version  int    `json:"version"`
	MinKey   []byte `json:"minKey"`
	MaxKey   []byte `json:"maxKey"`
	KeyCount int    `json:"keyCount"`
	FileSize int64  `json:"fileSize"`
}

// mayContain reports whether key falls within the table's key range.
func (t *TableMetadata) mayContain(key Key) bool {
	s := key.String()
	return s >= string(t.MinKey) && s <= string(t.MaxKey)
}

// Version is the set of tables that make up a store.
type Version struct {
	// Levels maps a level to its tables. Level 0 tables may overlap and are
	// kept in ascending version order, newest last.
	Levels      map[int][]*TableMetadata `json:"levels"`
	NextVersion int                      `json:"nextVersion"`
}

// NewVersion returns an empty version whose first table gets version 1.
func NewVersion() *Version {
	return &Version{
		Levels:      make(map[int][]*TableMetadata),
		NextVersion: 1,
	}
}

// AddFile records a table in its level.
func (v *Version) AddFile(meta *TableMetadata) {
	tables := append(v.Levels[meta.Level], meta)
	sort.Slice(tables, func(i, j int) bool { return tables[i].Version < tables[j].Version })
	v.Levels[meta.Level] = tables
	if meta.Version >= v.NextVersion {
		v.NextVersion = meta.Version + 1
	}
}

// Tables returns every table, lowest level first.
func (v *Version) Tables() []*TableMetadata {
	levels := make([]int, 0, len(v.Levels))
	for l := range v.Levels {
		levels = append(levels, l)
	}
	sort.Ints(levels)

	var out []*TableMetadata
	for _, l := range levels {
		out = append(out, v.Levels[l]...)
	}
	return out
}

func (v *Version) clone() *Version {
	c := &Version{Levels: make(map[int][]*TableMetadata, len(v.Levels)), NextVersion: v.NextVersion}
	for l, tables := range v.Levels {
		c.Levels[l] = append([]*TableMetadata(nil), tables...)
	}
	return c
}

// loadManifest reads the manifest of dir, or returns an empty Version when
// the store is new.
func loadManifest(dir string) (*Version, error) {
	data, err := os.ReadFile(ManifestFile(dir))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return NewVersion(), nil
		}
		return nil, err
	}

	v := NewVersion()
	if err := json.Unmarshal(data, v); err != nil {
		return nil, err
	}
	if v.Levels == nil {
		v.Levels = make(map[int][]*TableMetadata)
	}
	return v, nil
}

// saveManifest replaces the manifest of dir with v.
func saveManifest(dir string, v *Version) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return atomic.WriteFile(ManifestFile(dir), bytes.NewReader(data))
}
