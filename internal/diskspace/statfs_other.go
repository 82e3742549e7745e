//go:build !unix

package diskspace

import (
	"context"
	"errors"
)

type StatfsProbe struct {
	Path string
}

func (p StatfsProbe) Available(context.Context) (int64, error) {
	return 0, errors.New("disk space probe not supported on this platform")
}
