// Package main is the mlfilter command: it runs the detector and the pipeline gate over
// an image directory or a GStreamer pipeline and logs what they find.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/nvr-ai/go-mlfilter/config"
	"github.com/nvr-ai/go-mlfilter/filter"
	"github.com/nvr-ai/go-mlfilter/images"
	"github.com/nvr-ai/go-mlfilter/inference"
	"github.com/nvr-ai/go-mlfilter/meta"
	"github.com/nvr-ai/go-mlfilter/profiler"
	"github.com/nvr-ai/go-mlfilter/source"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"gocv.io/x/gocv"
	"gopkg.in/yaml.v3"
)

const (
	flagConfig   = "config"
	flagSet      = "set"
	flagInput    = "input"
	flagNoDetect = "no-detect"
	flagGate     = "gate"
	flagVerbose  = "verbose"
	flagReport   = "report-interval"
	flagAnnotate = "annotate-dir"
	flagPrescale = "prescale"
)

var configFlags = []cli.Flag{
	&cli.StringFlag{
		Name:    flagConfig,
		Aliases: []string{"c"},
		Usage:   "YAML file with configuration keys",
	},
	&cli.StringSliceFlag{
		Name:  flagSet,
		Usage: "override a configuration key, as key=value (repeatable)",
	},
}

func main() {
	app := &cli.App{
		Name:  "mlfilter",
		Usage: "run object detection and the pipeline gate over video frames",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    flagVerbose,
				Aliases: []string{"v"},
				Usage:   "log per-frame details",
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "run",
				Usage:     "process frames from an image directory or a gst-launch description",
				UsageText: "mlfilter run --input frames/ --set model-file=models/ssd_512_resnet50_v1_voc --set class-file=voc",
				Flags: append([]cli.Flag{
					&cli.StringFlag{
						Name:     flagInput,
						Aliases:  []string{"i"},
						Usage:    "image directory, or a pipeline such as \"filesrc location=clip.mp4 ! decodebin\"",
						Required: true,
					},
					&cli.BoolFlag{
						Name:  flagNoDetect,
						Usage: "skip the detector",
					},
					&cli.BoolFlag{
						Name:  flagGate,
						Usage: "classify every frame with the pipeline gate",
					},
					&cli.StringFlag{
						Name:  flagAnnotate,
						Usage: "write frames annotated with gate results and detections to this directory",
					},
					&cli.IntFlag{
						Name:  flagPrescale,
						Usage: "shrink directory images to fit inside NxN while decoding (libvips); 0 keeps full size",
					},
					&cli.DurationFlag{
						Name:  flagReport,
						Value: 10 * time.Second,
						Usage: "how often timing statistics are logged",
					},
				}, configFlags...),
				Action: runAction,
			},
			{
				Name:   "config",
				Usage:  "print the effective configuration as YAML",
				Flags:  configFlags,
				Action: configAction,
			},
			{
				Name:  "keys",
				Usage: "list the recognised configuration keys",
				Action: func(c *cli.Context) error {
					for _, key := range config.Keys() {
						fmt.Fprintln(c.App.Writer, key)
					}
					return nil
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "mlfilter: %v\n", err)
		os.Exit(1)
	}
}

func newLogger(c *cli.Context) (*zap.Logger, error) {
	if c.Bool(flagVerbose) {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// loadConfig reads the YAML file, if any, and applies --set overrides on top.
func loadConfig(c *cli.Context) (*config.Config, error) {
	base := config.Default()
	if path := c.String(flagConfig); path != "" {
		cfg, err := config.LoadYAML(path)
		if err != nil {
			return nil, err
		}
		base = *cfg
	}

	overrides, err := parseOverrides(c.StringSlice(flagSet))
	if err != nil {
		return nil, err
	}
	return config.Decode(base, overrides)
}

func parseOverrides(pairs []string) (map[string]any, error) {
	out := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return nil, errors.Wrapf(config.ErrInvalidConfig, "override %q is not key=value", pair)
		}
		out[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return out, nil
}

func configAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	enc := yaml.NewEncoder(c.App.Writer)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(cfg.Map())
}

func runAction(c *cli.Context) error {
	logger, err := newLogger(c)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	prof := profiler.New(logger.Named("profiler"), profiler.Options{ReportInterval: c.Duration(flagReport)})
	prof.AddMetricsCollector(profiler.RuntimeCollector{})
	prof.Start()
	defer func() {
		prof.Stop()
		prof.Report()
	}()

	var detector *filter.Detector
	if !c.Bool(flagNoDetect) {
		detector, err = filter.NewDetector(cfg, logger.Named("detector"), prof)
		if err != nil {
			return err
		}
		defer detector.Close()
		prof.AddMetricsCollector(detector)
	}

	var gate *filter.Gate
	if c.Bool(flagGate) {
		gate, err = filter.NewGate(cfg, logger.Named("gate"), prof)
		if err != nil {
			return err
		}
		defer gate.Close()
		gate.OnAction(func(action filter.PipelineAction, report filter.GateReport) {
			logger.Info("pipeline action",
				zap.Stringer("action", action),
				zap.Int("mask", int(action.Bits())),
				zap.Float64("brightness", report.Brightness),
				zap.Int("score", report.Score),
			)
		})
	}

	if detector == nil && gate == nil {
		return errors.New("nothing to run: enable the gate or drop --no-detect")
	}

	annotateDir := c.String(flagAnnotate)
	if annotateDir != "" {
		if err := os.MkdirAll(annotateDir, 0o755); err != nil {
			return errors.Wrap(err, "creating annotation directory")
		}
	}
	r := &runner{
		logger:       logger,
		prof:         prof,
		detector:     detector,
		gate:         gate,
		annotateDir:  annotateDir,
		vizThreshold: cfg.VizThreshold,
	}

	src, err := source.Open(c.String(flagInput), source.Options{PrescaleSize: c.Int(flagPrescale)}, logger.Named("source"))
	if err != nil {
		return err
	}
	defer src.Close()

	frames, err := src.Start(ctx)
	if err != nil {
		return err
	}

	var (
		processed, failed int
		fatal             error
	)
	for buf := range frames {
		if err := r.processFrame(ctx, buf); err != nil {
			failed++
			if errors.Is(err, context.Canceled) {
				break
			}
			if isFatal(err) {
				fatal = err
				break
			}
		}
		processed++
	}

	logger.Info("done", zap.Int("frames", processed), zap.Int("failed", failed))
	return fatal
}

// isFatal reports whether err leaves the detector unable to process any later frame.
func isFatal(err error) bool {
	return errors.Is(err, inference.ErrBindFailure) || errors.Is(err, inference.ErrDeviceUnavailable)
}

// runner holds what each frame passes through.
type runner struct {
	logger       *zap.Logger
	prof         *profiler.Profiler
	detector     *filter.Detector
	gate         *filter.Gate
	annotateDir  string
	vizThreshold float32
}

func (r *runner) processFrame(ctx context.Context, buf *meta.Buffer) error {
	defer buf.Release()
	log := r.logger.With(zap.Uint64("seq", buf.Seq), zap.String("trace_id", buf.TraceID))

	annotated := buf.Frame()
	if r.gate != nil {
		report, err := r.gate.Inspect(buf.Frame())
		if err != nil {
			log.Warn("gate failed", zap.Error(err))
			return err
		}
		if r.annotateDir != "" {
			if annotated, err = filter.Annotate(annotated, report); err != nil {
				log.Warn("annotation failed", zap.Error(err))
				annotated = buf.Frame()
			}
		}
	}

	if r.detector != nil {
		set, err := r.detector.ProcessBuffer(ctx, buf)
		if err != nil {
			log.Warn("detection failed", zap.Error(err))
			return err
		}
		for _, d := range set {
			log.Debug("detection", zap.Stringer("detection", d))
		}
		r.prof.RecordMetric("detections_per_frame", float64(set.Len()))
		log.Info("frame", zap.Int("detections", set.Len()))

		if r.annotateDir != "" {
			if annotated, err = filter.AnnotateDetections(annotated, set, r.vizThreshold); err != nil {
				log.Warn("annotation failed", zap.Error(err))
				return nil
			}
		}
	}

	if r.annotateDir != "" {
		path := filepath.Join(r.annotateDir, fmt.Sprintf("frame-%d.jpg", buf.Seq))
		sum, err := writeFrame(path, annotated)
		if err != nil {
			log.Warn("annotation failed", zap.Error(err))
			return nil
		}
		log.Debug("annotated frame written", zap.String("path", path), zap.String("checksum", sum))
	}
	return nil
}

// writeFrame encodes frame to path and returns the checksum of the written pixels.
func writeFrame(path string, frame images.Frame) (string, error) {
	mat, err := frame.ToMat()
	if err != nil {
		return "", err
	}
	defer mat.Close()
	if !gocv.IMWrite(path, mat) {
		return "", errors.Errorf("writing %s", path)
	}
	return images.ComputeMatChecksum(mat), nil
}
