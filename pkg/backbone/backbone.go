// Package backbone builds the frozen image feature extractors that feed the SSN.
package backbone

import (
	"errors"
	"fmt"

	"github.com/cyclopcam/ssn/pkg/weights"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
)

var ErrLayerNotFound = errors.New("Backbone layer not found")
var ErrBadInput = errors.New("Backbone input has the wrong shape")

// FeatureExtractor turns an image node [N, H, W, 3] into a feature map node [N, F, F, C].
// Its weights are context variables below ctx, created on the first call with
// Trainable = false, and shared by every later call with the same ctx.
type FeatureExtractor interface {
	Name() string
	Extract(ctx *context.Context, image *Node) (*Node, error)
}

func checkImage(image *Node) {
	if image.Rank() != 4 || image.Shape().Dimensions[3] != 3 {
		panic(fmt.Errorf("%w: backbone input must be [N, H, W, 3], but is %v", ErrBadInput, image.Shape()))
	}
}

// addBias adds a per-channel bias [C] to x [N, H, W, C]
func addBias(x, bias *Node) *Node {
	dims := x.Shape().Dimensions
	return Add(x, BroadcastToDims(Reshape(bias, 1, 1, 1, dims[3]), dims...))
}

// Weights builds extractor once, for a single dim x dim image, and returns all of
// its weights by name. This is how a randomly initialized backbone is saved.
func Weights(backend backends.Backend, extractor FeatureExtractor, dim int) (*weights.Bundle, error) {
	ctx := context.New()
	err := exceptions.TryCatch[error](func() {
		g := NewGraph(backend, "backbone_weights")
		image := Parameter(g, "image", shapes.Make(dtypes.Float32, 1, dim, dim, 3))
		if _, err := extractor.Extract(ctx, image); err != nil {
			panic(err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("Backbone %v: %w", extractor.Name(), err)
	}
	return weights.Collect(ctx), nil
}
