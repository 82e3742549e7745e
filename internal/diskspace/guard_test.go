package diskspace

import (
	"context"
	"errors"
	"testing"

	"github.com/ahmethakanbesel/ecar-manager/internal/apperror"
)

type failingProbe struct{}

func (failingProbe) Available(context.Context) (int64, error) { return 0, errors.New("boom") }

func TestGuard_Check(t *testing.T) {
	g := NewGuard(StaticProbe(1000), 100)
	ctx := context.Background()

	if err := g.Check(ctx, 900); err != nil {
		t.Fatalf("900 of 1000 with margin 100 should fit: %v", err)
	}

	err := g.Check(ctx, 901)
	if !apperror.Is(err, apperror.LowDiskSpace) {
		t.Fatalf("expected LOW_DISK_SPACE, got %v", err)
	}
}

func TestGuard_ProbeError(t *testing.T) {
	g := NewGuard(failingProbe{}, 0)
	err := g.Check(context.Background(), 1)
	if err == nil || apperror.Is(err, apperror.LowDiskSpace) {
		t.Fatalf("expected probe error, got %v", err)
	}
}

func TestStatfsProbe_TempDir(t *testing.T) {
	n, err := StatfsProbe{Path: t.TempDir()}.Available(context.Background())
	if err != nil {
		t.Skipf("statfs unavailable: %v", err)
	}
	if n <= 0 {
		t.Errorf("expected positive available bytes, got %d", n)
	}
}
