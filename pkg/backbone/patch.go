package backbone

import (
	"fmt"

	"github.com/cyclopcam/ssn/pkg/weights"
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers/activations"
)

// PatchEmbedding is a one-layer stand-in for a real backbone: a ReLU'd conv whose
// kernel and stride are both the patch size, so that every FxF cell of the feature
// map sees one patch of the image. It is cheap enough to run in tests.
type PatchEmbedding struct {
	FeatMapDim int
	Channels   int

	src weights.Source
}

func NewPatchEmbedding(src weights.Source, featMapDim, channels int) *PatchEmbedding {
	return &PatchEmbedding{
		FeatMapDim: featMapDim,
		Channels:   channels,
		src:        src,
	}
}

func (p *PatchEmbedding) Name() string {
	return "patch_embedding"
}

func (p *PatchEmbedding) Extract(ctx *context.Context, image *Node) (features *Node, err error) {
	err = exceptions.TryCatch[error](func() {
		checkImage(image)
		dims := image.Shape().Dimensions
		size := dims[1]
		if p.FeatMapDim <= 0 || size%p.FeatMapDim != 0 || dims[2] != size {
			panic(fmt.Errorf("%w: cannot split %v into %v x %v patches", ErrBadInput, image.Shape(), p.FeatMapDim, p.FeatMapDim))
		}
		patch := size / p.FeatMapDim
		g := image.Graph()
		kernel := weights.Variable(ctx, p.src, "patch_embedding/kernel", false, patch, patch, 3, p.Channels).ValueGraph(g)
		bias := weights.Variable(ctx, p.src, "patch_embedding/bias", false, p.Channels).ValueGraph(g)
		x := Convolve(image, kernel).Strides(patch).NoPadding().Done()
		features = activations.Relu(addBias(x, bias))
	})
	return
}
