package ssn

import (
	"encoding/binary"
	"fmt"
	"math/rand/v2"

	"github.com/cyclopcam/ssn/pkg/weights"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"golang.org/x/crypto/blake2b"
)

// Layers creates the trainable layers of an SSN. Their weights are trainable
// context variables below ctx, created on first use and shared afterwards.
//
// Every variable is initialized from a random stream that is keyed by
// (seed, variable name), so values do not depend on the order in which
// layers are created. Failures panic, as in the rest of gomlx graph building.
type Layers struct {
	ctx     *context.Context
	seed    uint64
	summary *summaryRecorder
}

func NewLayers(ctx *context.Context, seed uint64) *Layers {
	return &Layers{
		ctx:  ctx,
		seed: seed,
	}
}

func (l *Layers) rngFor(name string) *rand.Rand {
	h := blake2b.Sum256([]byte(name))
	return rand.New(rand.NewPCG(l.seed, binary.LittleEndian.Uint64(h[:8])))
}

// variable returns the trainable variable called name, creating it with init if needed
func (l *Layers) variable(name string, init weights.Initializer, dims ...int) *context.Variable {
	src := weights.SourceFunc(func(name string, dims []int) (*tensors.Tensor, error) {
		return init(l.rngFor(name), dims), nil
	})
	return weights.Variable(l.ctx, src, name, true, dims...)
}

// EmbeddingTable returns the lookup table [vocab, dim] called name.
// Asking for the same name twice returns the same table, which is how the
// subject and object embeddings are shared.
func (l *Layers) EmbeddingTable(name string, vocab, dim int) *context.Variable {
	return l.variable(name+"/embeddings", weights.Uniform(0.05), vocab, dim)
}

// Embed looks up int32 ids [N, 1] in table, producing [N, 1, dim]
func (l *Layers) Embed(name string, table *context.Variable, ids *Node, input string) *Node {
	dims := table.Shape().Dimensions
	x := Gather(table.ValueGraph(ids.Graph()), ids)
	x = Reshape(x, ids.Shape().Dimensions[0], 1, dims[1])
	l.summary.add(name, "Embedding", x, []string{input}, table)
	return x
}

// Attention computes sigmoid(sum_c(features * query)).
// features is [N, F, F, C] and query is [N, 1, C]. The result is [N, F, F, 1].
// If C differs between the two, this panics with ErrShapeMismatch.
func (l *Layers) Attention(name string, features, query *Node, inputs ...string) *Node {
	fd := features.Shape().Dimensions
	qd := query.Shape().Dimensions
	if len(fd) != 4 || len(qd) != 3 || qd[2] != fd[3] {
		panic(fmt.Errorf("%w: attention query %v does not match features %v", ErrShapeMismatch, query.Shape(), features.Shape()))
	}
	q := BroadcastToDims(Reshape(query, fd[0], 1, 1, fd[3]), fd...)
	x := Reshape(ReduceSum(Mul(features, q), 3), fd[0], fd[1], fd[2], 1)
	x = Sigmoid(x)
	l.summary.add(name, "Attention", x, inputs)
	return x
}

// Upsampling doubles the resolution of att k times, each time with a nearest
// neighbour upsample followed by a 3x3 transposed convolution to one channel.
// The result passes through a sigmoid named 'name'.
func (l *Layers) Upsampling(att *Node, name string, k int, input string) *Node {
	g := att.Graph()
	x := att
	prev := input
	for i := 1; i <= k; i++ {
		up := fmt.Sprintf("%v_upsampling_%v", name, i)
		x = upsampleNearest(x)
		l.summary.add(up, "UpSampling2D", x, []string{prev})

		deconv := fmt.Sprintf("%v_deconv_%v", name, i)
		c := x.Shape().Dimensions[3]
		kernel := l.variable(deconv+"/kernel", weights.GlorotUniform, 3, 3, 1, c)
		bias := l.variable(deconv+"/bias", weights.Zeros, 1)
		x = addBias(transposedConv(x, kernel.ValueGraph(g)), bias.ValueGraph(g))
		l.summary.add(deconv, "Conv2DTranspose", x, []string{up}, kernel, bias)
		prev = deconv
	}
	x = Sigmoid(x)
	l.summary.add(name, "Activation", x, []string{prev})
	return x
}

// Flatten reshapes [N, ...] to [N, size]
func (l *Layers) Flatten(name string, x *Node, input string) *Node {
	dims := x.Shape().Dimensions
	size := 1
	for _, d := range dims[1:] {
		size *= d
	}
	x = Reshape(x, dims[0], size)
	l.summary.add(name, "Flatten", x, []string{input})
	return x
}

// upsampleNearest repeats every pixel of x [N, H, W, C] into a 2x2 block
func upsampleNearest(x *Node) *Node {
	d := x.Shape().Dimensions
	x = Reshape(x, d[0], d[1], 1, d[2], 1, d[3])
	x = BroadcastToDims(x, d[0], d[1], 2, d[2], 2, d[3])
	return Reshape(x, d[0], d[1]*2, d[2]*2, d[3])
}

// transposedConv is a stride 1, 'same' padded transposed convolution. kernel is
// in the Keras Conv2DTranspose layout [KH, KW, out, in]. At stride 1 this is a
// plain convolution with the spatially flipped kernel and the channel axes swapped.
func transposedConv(x, kernel *Node) *Node {
	k := Transpose(Reverse(kernel, 0, 1), 2, 3)
	return Convolve(x, k).PadSame().Done()
}

// addBias adds a per-channel bias [C] to x [N, H, W, C]
func addBias(x, bias *Node) *Node {
	dims := x.Shape().Dimensions
	return Add(x, BroadcastToDims(Reshape(bias, 1, 1, 1, dims[3]), dims...))
}
