package providers

import (
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// GridDetector returns a graph that splits the frame into rows x cols cells and reports
// one detection per cell: class 0, a score of sigmoid(mean normalized intensity), and
// the cell rectangle as x, y, width, height.
//
// It needs no weights and runs anywhere, which makes it the reference model for
// exercising a pipeline end to end without a native runtime.
//
// Arguments:
//   - rows: The number of cell rows; the input height must divide by it.
//   - cols: The number of cell columns; the input width must divide by it.
//
// Returns:
//   - GraphBuilder: The builder.
func GridDetector(rows, cols int) GraphBuilder {
	return func(g *G.ExprGraph, input *G.Node) (*G.Node, *G.Node, *G.Node, error) {
		shape := input.Shape()
		if len(shape) != 4 || shape[0] != 1 || shape[1] != 3 {
			return nil, nil, nil, errors.Errorf("grid detector needs a [1 3 H W] input, got %v", shape)
		}
		if rows <= 0 || cols <= 0 {
			return nil, nil, nil, errors.Errorf("invalid grid %dx%d", rows, cols)
		}
		height, width := shape[2], shape[3]
		if height%rows != 0 || width%cols != 0 {
			return nil, nil, nil, errors.Errorf("input %dx%d does not divide into a %dx%d grid", width, height, cols, rows)
		}
		cellH, cellW := height/rows, width/cols
		n := rows * cols

		// [1 3 H W] viewed as [3*rows cellH cols cellW]; averaging axes 1 and 3 leaves one
		// value per channel and cell.
		cells, err := G.Reshape(input, tensor.Shape{3 * rows, cellH, cols, cellW})
		if err != nil {
			return nil, nil, nil, errors.Wrap(err, "reshaping into cells")
		}
		perChannel, err := G.Mean(cells, 1, 3)
		if err != nil {
			return nil, nil, nil, errors.Wrap(err, "averaging cells")
		}
		perChannel, err = G.Reshape(perChannel, tensor.Shape{3, n})
		if err != nil {
			return nil, nil, nil, errors.Wrap(err, "reshaping cell means")
		}
		intensity, err := G.Mean(perChannel, 0)
		if err != nil {
			return nil, nil, nil, errors.Wrap(err, "averaging channels")
		}
		activated, err := G.Sigmoid(intensity)
		if err != nil {
			return nil, nil, nil, errors.Wrap(err, "sigmoid")
		}
		scores, err := G.Reshape(activated, tensor.Shape{1, n, 1})
		if err != nil {
			return nil, nil, nil, errors.Wrap(err, "reshaping scores")
		}

		boxData := make([]float32, 0, n*4)
		for r := 0; r < rows; r++ {
			for c := 0; c < cols; c++ {
				boxData = append(boxData, float32(c*cellW), float32(r*cellH), float32(cellW), float32(cellH))
			}
		}
		ids := G.NewConstant(
			tensor.New(tensor.WithShape(1, n, 1), tensor.WithBacking(make([]float32, n))),
			G.WithName("ids"),
		)
		boxes := G.NewConstant(
			tensor.New(tensor.WithShape(1, n, 4), tensor.WithBacking(boxData)),
			G.WithName("bboxes"),
		)
		return ids, scores, boxes, nil
	}
}
