// Package upload ships assembled reports off the host. Uploads are best-effort: failures are
// reported as false, never as errors.
package upload

import (
	"context"

	"github.com/gustycube/sensorwatch/internal/report"
)

type Uploader interface {
	Upload(ctx context.Context, loc report.Location) bool
}

// Noop is used when no destination is configured.
type Noop struct{}

func (Noop) Upload(context.Context, report.Location) bool { return false }
