package store

import (
	"io/fs"
	"path/filepath"
)

// Stats is a compact view of store health for telemetry.
type Stats struct {
	DiskBytes     uint64
	WALBytes      uint64
	MemtableBytes uint64
	Writes        uint64
}

// GetStats returns best-effort metrics about the underlying database. Disk
// usage is computed by walking the store directory; the rest comes from
// pebble's own metrics.
func (s *Store) GetStats() Stats {
	var out Stats
	if s == nil || s.db == nil {
		return out
	}
	out.Writes = s.Writes()
	if s.path != "" {
		var total uint64
		_ = filepath.WalkDir(s.path, func(p string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return nil
			}
			if fi, ferr := d.Info(); ferr == nil {
				total += uint64(fi.Size())
			}
			return nil
		})
		out.DiskBytes = total
	}
	if m := s.db.Metrics(); m != nil {
		out.WALBytes = m.WAL.Size
		out.MemtableBytes = m.MemTable.Size
	}
	return out
}
