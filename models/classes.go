package models

import (
	"bufio"
	"io"
	"os"
	"strings"

	"github.com/nvr-ai/go-mlfilter/inference"
	"github.com/pkg/errors"
)

// UnknownClass names detections whose class id has no entry in the table.
const UnknownClass = "Unknown"

// ClassNames maps a class id (the index) to a human-readable label.
//
// A table is immutable after loading and safe to share between detectors.
type ClassNames []string

// Name returns the label for id, or UnknownClass when id is outside the table.
func (c ClassNames) Name(id int) string {
	if id < 0 || id >= len(c) {
		return UnknownClass
	}
	return c[id]
}

// Len returns the number of classes.
func (c ClassNames) Len() int {
	return len(c)
}

// ParseClassNames reads one label per line. Surrounding whitespace is trimmed and blank
// lines are skipped, so the n-th non-blank line is class id n.
//
// Arguments:
//   - r: The reader to consume.
//
// Returns:
//   - ClassNames: The table.
//   - error: A read error.
func ParseClassNames(r io.Reader) (ClassNames, error) {
	var names ClassNames
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		names = append(names, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return names, nil
}

// LoadClassNames loads a class file, or a built-in table when path names a preset
// (see Preset).
//
// Arguments:
//   - path: A newline-delimited class file, or a preset name.
//
// Returns:
//   - ClassNames: The table.
//   - error: An error wrapping inference.ErrModelLoad if the file is missing, unreadable,
//     or empty.
func LoadClassNames(path string) (ClassNames, error) {
	if names, ok := Preset(ModelFamily(path)); ok {
		return names, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(inference.ErrModelLoad, "opening class file: %v", err)
	}
	defer f.Close()

	names, err := ParseClassNames(f)
	if err != nil {
		return nil, errors.Wrapf(inference.ErrModelLoad, "reading class file %s: %v", path, err)
	}
	if len(names) == 0 {
		return nil, errors.Wrapf(inference.ErrModelLoad, "class file %s has no classes", path)
	}
	return names, nil
}

// COCOClasses is the 80 COCO classes with zero-based ids, as emitted by SSD, YOLO, and
// Faster R-CNN detectors trained on COCO.
var COCOClasses = ClassNames{
	"person", "bicycle", "car", "motorcycle", "airplane", "bus", "train", "truck", "boat",
	"traffic light", "fire hydrant", "stop sign", "parking meter", "bench", "bird", "cat",
	"dog", "horse", "sheep", "cow", "elephant", "bear", "zebra", "giraffe", "backpack",
	"umbrella", "handbag", "tie", "suitcase", "frisbee", "skis", "snowboard", "sports ball",
	"kite", "baseball bat", "baseball glove", "skateboard", "surfboard", "tennis racket",
	"bottle", "wine glass", "cup", "fork", "knife", "spoon", "bowl", "banana", "apple",
	"sandwich", "orange", "broccoli", "carrot", "hot dog", "pizza", "donut", "cake", "chair",
	"couch", "potted plant", "bed", "dining table", "toilet", "tv", "laptop", "mouse",
	"remote", "keyboard", "cell phone", "microwave", "oven", "toaster", "sink",
	"refrigerator", "book", "clock", "vase", "scissors", "teddy bear", "hair drier",
	"toothbrush",
}

// PascalVOCClasses is the 20 Pascal VOC classes with zero-based ids.
var PascalVOCClasses = ClassNames{
	"aeroplane", "bicycle", "bird", "boat", "bottle", "bus", "car", "cat", "chair", "cow",
	"diningtable", "dog", "horse", "motorbike", "person", "pottedplant", "sheep", "sofa",
	"train", "tvmonitor",
}
