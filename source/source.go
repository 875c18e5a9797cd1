package source

import (
	"context"
	"os"

	"github.com/nvr-ai/go-mlfilter/meta"
	"go.uber.org/zap"
)

// Source produces frame buffers.
type Source interface {
	// Start begins producing; the channel is closed when the source ends or ctx is done.
	Start(ctx context.Context) (<-chan *meta.Buffer, error)
	// Close releases the source.
	Close() error
}

// Options configures the source picked by Open.
type Options struct {
	// PrescaleSize bounds both sides of directory images at decode time; 0 disables it.
	PrescaleSize int
}

// Open returns a DirSource when input is a directory and a GstSource treating input
// as a launch description otherwise.
func Open(input string, opts Options, logger *zap.Logger) (Source, error) {
	if info, err := os.Stat(input); err == nil && info.IsDir() {
		return NewDirSource(input, logger, WithPrescale(opts.PrescaleSize))
	}
	return NewGstSource(GstOptions{Launch: input}, logger)
}
