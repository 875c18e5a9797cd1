// Package source - Frame sources that feed the filters.
package source

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/chai2010/webp"
	"github.com/nvr-ai/go-mlfilter/images"
	"github.com/nvr-ai/go-mlfilter/meta"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

// ImageFile represents an image file.
type ImageFile struct {
	// Path is the path to the image file.
	Path string
	// Data is the raw bytes of the image file.
	Data []byte
	// Frame is the frame number parsed from a "frame-N" name, or the position in
	// name order when the name carries no number.
	Frame int
}

// imageExtensions are the file types read from a directory.
var imageExtensions = map[string]bool{".jpg": true, ".jpeg": true, ".png": true, ".bmp": true, ".webp": true}

// LoadDirectoryImageFiles reads all image files from a directory.
//
// Files named frame-N.ext are ordered by N; other images follow in name order.
//
// Arguments:
//   - dir: Directory path containing image files.
//
// Returns:
//   - []ImageFile: The files in frame order.
//   - error: Error if the directory or a file cannot be read.
func LoadDirectoryImageFiles(dir string) ([]ImageFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", dir)
	}

	var numbered, named []ImageFile
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if !imageExtensions[ext] {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "reading %s", path)
		}

		file := ImageFile{Path: path, Data: data}
		stem := strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
		if n, err := strconv.Atoi(strings.TrimPrefix(stem, "frame-")); err == nil {
			file.Frame = n
			numbered = append(numbered, file)
		} else {
			named = append(named, file)
		}
	}

	sort.SliceStable(numbered, func(i, j int) bool {
		return numbered[i].Frame < numbered[j].Frame
	})

	next := 0
	if len(numbered) > 0 {
		next = numbered[len(numbered)-1].Frame + 1
	}
	// os.ReadDir returns entries sorted by name.
	for i := range named {
		named[i].Frame = next + i
	}
	return append(numbered, named...), nil
}

// Decode converts an encoded image into a BGR frame.
func (f ImageFile) Decode() (images.Frame, error) {
	if strings.EqualFold(filepath.Ext(f.Path), ".webp") {
		img, err := webp.Decode(bytes.NewReader(f.Data))
		if err != nil {
			return images.Frame{}, errors.Wrapf(err, "decoding %s", f.Path)
		}
		return images.FromImage(img), nil
	}

	mat, err := gocv.IMDecode(f.Data, gocv.IMReadColor)
	if err != nil {
		return images.Frame{}, errors.Wrapf(err, "decoding %s", f.Path)
	}
	defer mat.Close()
	if mat.Empty() {
		return images.Frame{}, errors.Errorf("decoding %s: not an image", f.Path)
	}
	return images.FromMat(mat)
}

// DecodeWithin decodes the image scaled to fit inside size x size, aspect ratio
// preserved. A size of 0 decodes at full size.
func (f ImageFile) DecodeWithin(size int) (images.Frame, error) {
	if size <= 0 {
		return f.Decode()
	}
	frame, err := images.Thumbnail(f.Data, size, size)
	if err != nil {
		return images.Frame{}, errors.Wrapf(err, "decoding %s", f.Path)
	}
	return frame, nil
}

// DirSource replays the images of a directory as frame buffers.
type DirSource struct {
	dir      string
	files    []ImageFile
	prescale int
	logger   *zap.Logger
}

// DirOption configures a DirSource.
type DirOption func(*DirSource)

// WithPrescale scales every image to fit inside size x size while it is decoded.
func WithPrescale(size int) DirOption {
	return func(s *DirSource) {
		s.prescale = size
	}
}

// NewDirSource reads every image in dir up front.
func NewDirSource(dir string, logger *zap.Logger, opts ...DirOption) (*DirSource, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	files, err := LoadDirectoryImageFiles(dir)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, errors.Errorf("no images in %s", dir)
	}
	s := &DirSource{dir: dir, files: files, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	logger.Info("loaded image directory", zap.String("dir", dir), zap.Int("files", len(files)), zap.Int("prescale", s.prescale))
	return s, nil
}

// Len returns the number of images.
func (s *DirSource) Len() int {
	return len(s.files)
}

// Start emits one buffer per image in frame order and closes the channel at the end
// or when ctx is cancelled. Files that fail to decode are logged and skipped.
func (s *DirSource) Start(ctx context.Context) (<-chan *meta.Buffer, error) {
	out := make(chan *meta.Buffer)
	go func() {
		defer close(out)
		for _, file := range s.files {
			frame, err := file.DecodeWithin(s.prescale)
			if err != nil {
				s.logger.Warn("skipping image", zap.String("path", file.Path), zap.Error(err))
				continue
			}
			buf := meta.NewBuffer(frame)
			buf.Seq = uint64(file.Frame)
			buf.Source = s.dir

			select {
			case out <- buf:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Close does nothing; the files are held in memory.
func (s *DirSource) Close() error {
	return nil
}
