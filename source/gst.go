package source

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nvr-ai/go-mlfilter/images"
	"github.com/nvr-ai/go-mlfilter/meta"
	"github.com/pkg/errors"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
	"go.uber.org/zap"
)

const sinkName = "mlfiltersink"

// DefaultQueueSize is the number of frames buffered between the appsink and the reader.
const DefaultQueueSize = 4

// GstOptions configures a GStreamer source.
type GstOptions struct {
	// Launch is a gst-launch style description producing raw video, e.g.
	// "filesrc location=clip.mp4 ! decodebin". Conversion to BGR and the appsink are
	// appended.
	Launch string
	// QueueSize bounds the frame channel; frames are dropped when it is full.
	QueueSize int
}

// BuildLaunch appends the BGR conversion and the appsink to a launch description.
func BuildLaunch(launch string) (string, error) {
	launch = strings.TrimSpace(launch)
	if launch == "" {
		return "", errors.New("empty pipeline description")
	}
	launch = strings.TrimSuffix(launch, "!")
	return fmt.Sprintf(
		"%s ! videoconvert ! video/x-raw,format=BGR ! appsink name=%s sync=false max-buffers=1 drop=true",
		strings.TrimSpace(launch), sinkName,
	), nil
}

// GstSource pulls BGR frames out of a GStreamer pipeline through an appsink.
type GstSource struct {
	launch   string
	queue    int
	pipeline *gst.Pipeline
	sink     *app.Sink
	logger   *zap.Logger

	mu      sync.RWMutex
	frames  chan *meta.Buffer
	closed  bool
	seq     uint64
	dropped uint64
	wg      sync.WaitGroup
}

// NewGstSource parses the pipeline. It is not started until Start.
//
// Arguments:
//   - opts: The source options.
//   - logger: The logger; nil disables logging.
//
// Returns:
//   - *GstSource: The source.
//   - error: An error if the description does not parse.
func NewGstSource(opts GstOptions, logger *zap.Logger) (*GstSource, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	launch, err := BuildLaunch(opts.Launch)
	if err != nil {
		return nil, err
	}

	gst.Init(nil)

	pipeline, err := gst.NewPipelineFromString(launch)
	if err != nil {
		return nil, errors.Wrapf(err, "creating pipeline %q", launch)
	}
	elem, err := pipeline.GetElementByName(sinkName)
	if err != nil {
		return nil, errors.Wrap(err, "finding appsink")
	}

	return &GstSource{
		launch:   launch,
		queue:    opts.QueueSize,
		pipeline: pipeline,
		sink:     app.SinkFromElement(elem),
		logger:   logger.With(zap.String("pipeline", launch)),
	}, nil
}

// Dropped returns how many frames were dropped because the reader was behind.
func (s *GstSource) Dropped() uint64 {
	return atomic.LoadUint64(&s.dropped)
}

// Start sets the pipeline playing. The channel is closed on end of stream, on a
// pipeline error, or when ctx is done.
func (s *GstSource) Start(ctx context.Context) (<-chan *meta.Buffer, error) {
	s.mu.Lock()
	if s.frames != nil {
		s.mu.Unlock()
		return nil, errors.New("source already started")
	}
	s.frames = make(chan *meta.Buffer, s.queue)
	s.mu.Unlock()

	s.sink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: s.onNewSample,
	})

	if err := s.pipeline.SetState(gst.StatePlaying); err != nil {
		s.shutdown()
		return nil, errors.Wrap(err, "starting pipeline")
	}
	s.logger.Info("pipeline playing")

	s.wg.Add(1)
	go s.monitor(ctx)
	return s.frames, nil
}

// onNewSample copies the appsink sample into a frame; GStreamer reuses the buffer.
func (s *GstSource) onNewSample(sink *app.Sink) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		s.logger.Warn("failed to pull sample, skipping frame")
		return gst.FlowOK
	}
	width, height, err := sampleSize(sample)
	if err != nil {
		s.logger.Warn("skipping frame", zap.Error(err))
		return gst.FlowOK
	}
	buffer := sample.GetBuffer()
	if buffer == nil {
		s.logger.Warn("sample without buffer, skipping frame")
		return gst.FlowOK
	}

	mapInfo := buffer.Map(gst.MapRead)
	frame, err := copyFrame(mapInfo.Bytes(), width, height)
	buffer.Unmap()
	if err != nil {
		s.logger.Warn("skipping frame", zap.Error(err))
		return gst.FlowOK
	}

	buf := meta.NewBuffer(frame)
	buf.Seq = atomic.AddUint64(&s.seq, 1)
	buf.Source = s.launch

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return gst.FlowEOS
	}
	select {
	case s.frames <- buf:
	default:
		atomic.AddUint64(&s.dropped, 1)
		s.logger.Debug("dropping frame, reader is behind", zap.Uint64("seq", buf.Seq), zap.String("trace_id", buf.TraceID))
	}
	return gst.FlowOK
}

func sampleSize(sample *gst.Sample) (int, int, error) {
	caps := sample.GetCaps()
	if caps == nil || caps.GetSize() == 0 {
		return 0, 0, errors.New("sample has no caps")
	}
	st := caps.GetStructureAt(0)
	w, err := st.GetValue("width")
	if err != nil {
		return 0, 0, errors.Wrap(err, "reading width")
	}
	h, err := st.GetValue("height")
	if err != nil {
		return 0, 0, errors.Wrap(err, "reading height")
	}
	width, ok1 := w.(int)
	height, ok2 := h.(int)
	if !ok1 || !ok2 || width <= 0 || height <= 0 {
		return 0, 0, errors.Errorf("unexpected frame size %v x %v", w, h)
	}
	return width, height, nil
}

// copyFrame copies BGR rows out of a mapped buffer. Rows may be padded to a 4-byte
// stride.
func copyFrame(data []byte, width, height int) (images.Frame, error) {
	row := width * images.Channels
	if height <= 0 || len(data) < row*height {
		return images.Frame{}, errors.Errorf("buffer holds %d bytes, %dx%d BGR needs %d", len(data), width, height, row*height)
	}
	stride := len(data) / height
	frame := images.NewFrame(width, height)
	for y := 0; y < height; y++ {
		copy(frame.Data[y*row:(y+1)*row], data[y*stride:y*stride+row])
	}
	return frame, nil
}

// monitor polls the bus until end of stream, an error, or cancellation.
func (s *GstSource) monitor(ctx context.Context) {
	defer s.wg.Done()
	defer s.shutdown()

	bus := s.pipeline.GetPipelineBus()
	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("context done, stopping pipeline")
			return
		default:
		}
		if s.isClosed() {
			return
		}

		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}
		switch msg.Type() {
		case gst.MessageEOS:
			s.logger.Info("end of stream", zap.Uint64("frames", atomic.LoadUint64(&s.seq)), zap.Uint64("dropped", s.Dropped()))
			return
		case gst.MessageError:
			gerr := msg.ParseError()
			s.logger.Error("pipeline error", zap.String("error", gerr.Error()), zap.String("debug", gerr.DebugString()))
			return
		}
	}
}

func (s *GstSource) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// shutdown stops the pipeline and closes the channel exactly once.
func (s *GstSource) shutdown() {
	_ = s.pipeline.SetState(gst.StateNull)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.frames != nil {
		close(s.frames)
	}
}

// Close stops the pipeline and waits for the bus monitor.
func (s *GstSource) Close() error {
	s.shutdown()
	s.wg.Wait()
	return nil
}
