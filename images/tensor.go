package images

import "fmt"

// ImageNet statistics in RGB order, applied after scaling pixels to [0, 1].
var (
	NormMean = [3]float32{0.485, 0.456, 0.406}
	NormStd  = [3]float32{0.229, 0.224, 0.225}
)

// TensorShape returns the NCHW shape of the tensor produced by ToTensor for f.
func (f Frame) TensorShape() []int {
	return []int{1, Channels, f.Height, f.Width}
}

// ToTensor fills dst with the frame as a normalized RGB NCHW float tensor.
//
// Each channel plane is (pixel/255 - mean) / std using the ImageNet statistics.
//
// Arguments:
//   - f: The BGR frame to convert.
//   - dst: The destination slice; it must hold at least 3*Width*Height floats.
//
// Returns:
//   - error: An error if the frame is invalid or dst is too small.
func ToTensor(f Frame, dst []float32) error {
	if err := f.Validate(); err != nil {
		return err
	}
	channelSize := f.Width * f.Height
	if len(dst) < channelSize*Channels {
		return fmt.Errorf("destination tensor only holds %d floats, needs %d", len(dst), channelSize*Channels)
	}

	red := dst[0:channelSize]
	green := dst[channelSize : channelSize*2]
	blue := dst[channelSize*2 : channelSize*3]

	for i := 0; i < channelSize; i++ {
		p := i * Channels
		blue[i] = (float32(f.Data[p])/255.0 - NormMean[2]) / NormStd[2]
		green[i] = (float32(f.Data[p+1])/255.0 - NormMean[1]) / NormStd[1]
		red[i] = (float32(f.Data[p+2])/255.0 - NormMean[0]) / NormStd[0]
	}
	return nil
}

// NewTensor allocates and fills a normalized NCHW tensor for f.
func NewTensor(f Frame) ([]float32, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	dst := make([]float32, f.Width*f.Height*Channels)
	if err := ToTensor(f, dst); err != nil {
		return nil, err
	}
	return dst, nil
}
