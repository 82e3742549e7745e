//go:build unix

package diskspace

import (
	"context"
	"fmt"

	"golang.org/x/sys/unix"
)

// StatfsProbe queries the filesystem containing Path.
type StatfsProbe struct {
	Path string
}

func (p StatfsProbe) Available(context.Context) (int64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(p.Path, &st); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", p.Path, err)
	}
	return int64(st.Bavail) * int64(st.Bsize), nil //nolint:gosec // block counts fit in int64 on supported volumes
}
