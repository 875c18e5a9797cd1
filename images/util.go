package images

import (
	"crypto/md5"
	"fmt"

	"gocv.io/x/gocv"
)

// ComputeMatChecksum generates a deterministic checksum for a Mat to verify idempotency.
//
// Arguments:
// - mat: The Mat to compute checksum for.
//
// Returns:
// - A hex-encoded MD5 checksum string.
func ComputeMatChecksum(mat gocv.Mat) string {
	if mat.Empty() {
		return "empty"
	}

	data, _ := mat.DataPtrUint8()
	return checksum(data)
}

// Checksum returns a hex-encoded MD5 of the frame pixels and dimensions.
//
// Used to verify that processing stages leave the caller's frame untouched.
func (f Frame) Checksum() string {
	if f.Empty() {
		return "empty"
	}
	return fmt.Sprintf("%dx%d:%s", f.Width, f.Height, checksum(f.Data))
}

func checksum(data []byte) string {
	hash := md5.New()
	hash.Write(data)
	return fmt.Sprintf("%x", hash.Sum(nil))
}

// ToMat wraps a copy of the frame in a CV_8UC3 Mat. The caller must Close it.
func (f Frame) ToMat() (gocv.Mat, error) {
	if err := f.Validate(); err != nil {
		return gocv.Mat{}, err
	}
	return gocv.NewMatFromBytes(f.Height, f.Width, gocv.MatTypeCV8UC3, f.Clone().Data)
}

// FromMat copies a CV_8UC3 Mat into a new frame.
func FromMat(mat gocv.Mat) (Frame, error) {
	if mat.Empty() {
		return Frame{}, fmt.Errorf("empty mat")
	}
	if mat.Type() != gocv.MatTypeCV8UC3 {
		return Frame{}, fmt.Errorf("unsupported mat type %v, want CV_8UC3", mat.Type())
	}
	return Frame{Width: mat.Cols(), Height: mat.Rows(), Data: mat.ToBytes()}, nil
}
