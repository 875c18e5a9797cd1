// Package meta - Frame buffers and their frame-scoped side records.
package meta

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nvr-ai/go-mlfilter/images"
	"github.com/nvr-ai/go-mlfilter/models/postprocess"
	"github.com/pkg/errors"
)

// ErrReleased means the buffer was released and no longer carries a frame.
var ErrReleased = errors.New("buffer released")

// Buffer is one frame moving through a pipeline together with the records attached to it.
//
// Attached records live exactly as long as the buffer: Release drops the frame and every
// record with it.
type Buffer struct {
	// TraceID identifies the frame in logs.
	TraceID string
	// Seq is the frame's sequence number within its source.
	Seq uint64
	// PTS is the presentation timestamp reported by the source.
	PTS time.Duration
	// Source names the producing stream.
	Source string

	mu         sync.RWMutex
	frame      images.Frame
	detections postprocess.DetectionSet
	attached   bool
	released   bool
}

// NewBuffer wraps a frame with a fresh trace id. The buffer takes ownership of the frame.
func NewBuffer(frame images.Frame) *Buffer {
	return &Buffer{TraceID: uuid.New().String(), frame: frame}
}

// Frame returns the carried frame. It must not be mutated.
func (b *Buffer) Frame() images.Frame {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.frame
}

// Released reports whether Release was called.
func (b *Buffer) Released() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.released
}

// Release drops the frame and all attached records.
func (b *Buffer) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.frame = images.Frame{}
	b.detections = nil
	b.attached = false
	b.released = true
}

// AttachDetections stores a detection set on the buffer, replacing any earlier one.
// The buffer takes ownership of set; the caller must not modify it afterwards.
//
// Arguments:
//   - buf: The buffer the detections describe.
//   - set: The decoded detections; an empty set is valid.
//
// Returns:
//   - error: ErrReleased when the buffer no longer exists.
func AttachDetections(buf *Buffer, set postprocess.DetectionSet) error {
	if buf == nil {
		return errors.New("nil buffer")
	}
	buf.mu.Lock()
	defer buf.mu.Unlock()

	if buf.released {
		return ErrReleased
	}
	if set == nil {
		set = postprocess.DetectionSet{}
	}
	buf.detections = set
	buf.attached = true
	return nil
}

// Detections returns a copy of the detections attached to the buffer.
//
// Returns:
//   - postprocess.DetectionSet: The attached set; empty when nothing is attached.
//   - bool: Whether a set was attached.
func Detections(buf *Buffer) (postprocess.DetectionSet, bool) {
	if buf == nil {
		return nil, false
	}
	buf.mu.RLock()
	defer buf.mu.RUnlock()

	if !buf.attached {
		return nil, false
	}
	return buf.detections.Clone(), true
}
