package diskspace

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"

	"github.com/ahmethakanbesel/ecar-manager/internal/apperror"
)

// Probe reports the bytes available to the process on the data volume.
type Probe interface {
	Available(ctx context.Context) (int64, error)
}

// Guard rejects work whose projected usage does not fit in the available
// space minus a safety margin.
type Guard struct {
	probe  Probe
	margin int64
}

func NewGuard(probe Probe, margin int64) *Guard {
	if margin < 0 {
		margin = 0
	}
	return &Guard{probe: probe, margin: margin}
}

// Check returns a LOW_DISK_SPACE error if required bytes do not fit.
func (g *Guard) Check(ctx context.Context, required int64) error {
	available, err := g.probe.Available(ctx)
	if err != nil {
		return fmt.Errorf("query available disk space: %w", err)
	}
	if required > available-g.margin {
		return apperror.New(apperror.LowDiskSpace, fmt.Sprintf(
			"need %s but only %s available (keeping %s free)",
			humanize.IBytes(uint64(max(required, 0))),
			humanize.IBytes(uint64(max(available, 0))),
			humanize.IBytes(uint64(g.margin)),
		))
	}
	return nil
}

// StaticProbe always reports the same value.
type StaticProbe int64

func (p StaticProbe) Available(context.Context) (int64, error) { return int64(p), nil }
