package backbone

import (
	"fmt"
	"strconv"

	"github.com/cyclopcam/ssn/pkg/weights"
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers/activations"
)

// Keras BatchNormalization default
const bnEpsilon = 1e-3

// conv padding other than an explicit symmetric amount
const padSame = -1

// ResNet50 is the ImageNet ResNet50 of keras.applications, with the same layer
// and weight names (conv1, bn_conv1, res2a_branch2a, activation_1, ...), cut
// off after the layer named Layer.
//
// With the classic layout, a 224x224 input produces these activations:
//
//	activation_1   112x112x64
//	activation_10   55x55x256   end of stage 2
//	activation_22   28x28x512   end of stage 3
//	activation_40   14x14x1024  end of stage 4
//	activation_49    7x7x2048   end of stage 5
type ResNet50 struct {
	Layer string

	src weights.Source
}

func NewResNet50(src weights.Source, layer string) *ResNet50 {
	return &ResNet50{
		Layer: layer,
		src:   src,
	}
}

func (r *ResNet50) Name() string {
	return "resnet50"
}

// ValidLayer is true if name is one of the truncation points that ResNet50 knows about
func ValidLayer(name string) bool {
	var n int
	if _, err := fmt.Sscanf(name, "activation_%d", &n); err != nil {
		return false
	}
	return n >= 1 && n <= 49 && name == "activation_"+strconv.Itoa(n)
}

func (r *ResNet50) Extract(ctx *context.Context, image *Node) (features *Node, err error) {
	if !ValidLayer(r.Layer) {
		return nil, fmt.Errorf("%w: '%v' is not an activation layer of ResNet50", ErrLayerNotFound, r.Layer)
	}
	err = exceptions.TryCatch[error](func() {
		checkImage(image)
		b := &resnetBuilder{ctx: ctx, src: r.src, layer: r.Layer}
		b.build(image)
		features = b.out
	})
	if err == nil && features == nil {
		err = fmt.Errorf("%w: %v", ErrLayerNotFound, r.Layer)
	}
	return
}

// resnetBuilder holds the state of one Extract. out is set, and building stops,
// once the requested activation has been produced.
type resnetBuilder struct {
	ctx         *context.Context
	src         weights.Source
	layer       string
	activations int
	out         *Node
}

func (b *resnetBuilder) done() bool {
	return b.out != nil
}

func (b *resnetBuilder) build(x *Node) {
	x = b.relu(b.batchNorm(b.conv(x, "conv1", 64, 7, 2, 3), "bn_conv1"))
	if b.done() {
		return
	}
	x = MaxPool(x).Window(3).Strides(2).NoPadding().Done()

	stages := []struct {
		stage   int
		filters [3]int
		blocks  string
		stride  int
	}{
		{2, [3]int{64, 64, 256}, "abc", 1},
		{3, [3]int{128, 128, 512}, "abcd", 2},
		{4, [3]int{256, 256, 1024}, "abcdef", 2},
		{5, [3]int{512, 512, 2048}, "abc", 2},
	}
	for _, s := range stages {
		for i, block := range s.blocks {
			stride := 0
			if i == 0 {
				stride = s.stride
			}
			x = b.block(x, s.stage, string(block), s.filters, stride)
			if b.done() {
				return
			}
		}
	}
}

// block is a bottleneck residual block. stride = 0 gives an identity block
// (no projection shortcut), otherwise a conv block with the given stride.
func (b *resnetBuilder) block(input *Node, stage int, block string, filters [3]int, stride int) *Node {
	convBase := fmt.Sprintf("res%v%v_branch", stage, block)
	bnBase := fmt.Sprintf("bn%v%v_branch", stage, block)

	x := b.relu(b.batchNorm(b.conv(input, convBase+"2a", filters[0], 1, max(stride, 1), 0), bnBase+"2a"))
	if b.done() {
		return x
	}
	x = b.relu(b.batchNorm(b.conv(x, convBase+"2b", filters[1], 3, 1, padSame), bnBase+"2b"))
	if b.done() {
		return x
	}
	x = b.batchNorm(b.conv(x, convBase+"2c", filters[2], 1, 1, 0), bnBase+"2c")

	shortcut := input
	if stride != 0 {
		shortcut = b.batchNorm(b.conv(input, convBase+"1", filters[2], 1, stride, 0), bnBase+"1")
	}
	return b.relu(Add(x, shortcut))
}

// frozen returns the value in g of a non-trainable weight
func (b *resnetBuilder) frozen(g *Graph, name string, dims ...int) *Node {
	return weights.Variable(b.ctx, b.src, name, false, dims...).ValueGraph(g)
}

// conv is a biased convolution. pad is padSame, or the zero padding on each side.
func (b *resnetBuilder) conv(x *Node, name string, filters, kernel, stride, pad int) *Node {
	g := x.Graph()
	inC := x.Shape().Dimensions[3]
	k := b.frozen(g, name+"/kernel", kernel, kernel, inC, filters)
	bias := b.frozen(g, name+"/bias", filters)
	c := Convolve(x, k).Strides(stride)
	switch {
	case pad == padSame:
		c = c.PadSame()
	case pad > 0:
		c = c.PaddingPerDim([][2]int{{pad, pad}, {pad, pad}})
	default:
		c = c.NoPadding()
	}
	return addBias(c.Done(), bias)
}

// batchNorm is inference mode batch normalization with the moving statistics
func (b *resnetBuilder) batchNorm(x *Node, name string) *Node {
	g := x.Graph()
	c := x.Shape().Dimensions[3]
	stat := func(s string) *Node {
		return b.frozen(g, name+"/"+s, c)
	}
	gamma, beta := stat("gamma"), stat("beta")
	mean, variance := stat("moving_mean"), stat("moving_variance")
	scale := Mul(gamma, Rsqrt(AddScalar(variance, bnEpsilon)))
	shift := Sub(beta, Mul(mean, scale))
	dims := x.Shape().Dimensions
	return Add(Mul(x, BroadcastToDims(Reshape(scale, 1, 1, 1, c), dims...)), BroadcastToDims(Reshape(shift, 1, 1, 1, c), dims...))
}

// relu adds the next numbered activation, and stops the build if it is the requested layer
func (b *resnetBuilder) relu(x *Node) *Node {
	b.activations++
	x = activations.Relu(x)
	if fmt.Sprintf("activation_%v", b.activations) == b.layer {
		b.out = x
	}
	return x
}
