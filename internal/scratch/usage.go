package scratch

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Usage reports filesystem capacity for the scratch root.
type Usage struct {
	TotalBytes uint64
	FreeBytes  uint64
	UsedBytes  uint64
}

// Usage returns filesystem statistics for the scratch root. The scratch
// directory must exist for the query to succeed.
func (m *Manager) Usage() (Usage, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(m.root, &stat); err != nil {
		return Usage{}, fmt.Errorf("statfs %s: %w", m.root, err)
	}
	total := stat.Blocks * uint64(stat.Bsize)
	free := stat.Bavail * uint64(stat.Bsize)
	return Usage{
		TotalBytes: total,
		FreeBytes:  free,
		UsedBytes:  total - free,
	}, nil
}
