package safe

import (
	"context"
	"io"
	"log/slog"

	"github.com/secmon-lab/onboarder/pkg/utils/logging"
)

// Close closes c and logs a failure instead of returning it. nil is ignored.
func Close(ctx context.Context, c io.Closer) {
	if c == nil {
		return
	}
	if err := c.Close(); err != nil {
		logging.From(ctx).Warn("close failed", logging.ErrAttr(err))
	}
}

// Write writes data to w and logs a failure. Used for HTTP response bodies
// where the status line has already been sent.
func Write(ctx context.Context, w io.Writer, data []byte) {
	if w == nil {
		return
	}
	if n, err := w.Write(data); err != nil {
		logging.From(ctx).Warn("write failed", logging.ErrAttr(err), slog.Int("written", n), slog.Int("size", len(data)))
	}
}
