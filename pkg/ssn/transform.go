package ssn

import (
	"fmt"

	"github.com/cyclopcam/ssn/pkg/weights"
	. "github.com/gomlx/gomlx/graph"
)

const (
	MapTransformDense = "dense"
	MapTransformConv  = "conv"
)

// MapTransform moves an attention map [N, F, F, 1] to where a predicate says the
// object should be, guided by the predicate embedding 'query' [N, 1, PredicateDim].
type MapTransform interface {
	Name() string

	// Width of the predicate embedding that Apply expects
	PredicateDim() int

	// Apply returns the transformed map [N, F, F, 1], and the activation just before
	// its final sigmoid. The pre-activation is linear in query.
	Apply(l *Layers, att, query *Node) (out, preActivation *Node)
}

// NewMapTransform creates a transform by name ("dense" or "conv")
func NewMapTransform(name string, cfg *Config) (MapTransform, error) {
	switch name {
	case MapTransformDense, "":
		return &DenseMapTransform{FeatMapDim: cfg.FeatMapDim}, nil
	case MapTransformConv:
		return &ConvMapTransform{HiddenDim: cfg.HiddenDim}, nil
	}
	return nil, fmt.Errorf("%w: unknown map_transform '%v'", ErrInvalidConfig, name)
}

// DenseMapTransform treats the predicate embedding as an HxH matrix (H = F*F) and
// applies it to the flattened attention map.
type DenseMapTransform struct {
	FeatMapDim int
}

func (d *DenseMapTransform) Name() string {
	return MapTransformDense
}

func (d *DenseMapTransform) PredicateDim() int {
	h := d.FeatMapDim * d.FeatMapDim
	return h * h
}

func (d *DenseMapTransform) Apply(l *Layers, att, query *Node) (*Node, *Node) {
	f := d.FeatMapDim
	h := f * f
	n := att.Shape().Dimensions[0]
	// [N,1,H] * [N,H,H] -> [N,H,H], then the sum over the last axis is the matrix-vector product
	flat := BroadcastToDims(Reshape(att, n, 1, h), n, h, h)
	matrix := Reshape(query, n, h, h)
	pre := ReduceSum(Mul(flat, matrix), 2)
	out := Reshape(Sigmoid(pre), n, f, f, 1)
	l.summary.add("map_transform_dense", "MapTransform", out, []string{"subject_attention", "predicate_embedding"})
	return out, pre
}

// ConvMapTransform lifts the attention map to HiddenDim channels with a 3x3
// convolution, then gates the channels by the predicate embedding.
type ConvMapTransform struct {
	HiddenDim int
}

func (c *ConvMapTransform) Name() string {
	return MapTransformConv
}

func (c *ConvMapTransform) PredicateDim() int {
	return c.HiddenDim
}

func (c *ConvMapTransform) Apply(l *Layers, att, query *Node) (*Node, *Node) {
	const name = "map_transform_conv"
	g := att.Graph()
	d := att.Shape().Dimensions
	kernel := l.variable(name+"/kernel", weights.GlorotUniform, 3, 3, d[3], c.HiddenDim)
	bias := l.variable(name+"/bias", weights.Zeros, c.HiddenDim)
	x := addBias(Convolve(att, kernel.ValueGraph(g)).PadSame().Done(), bias.ValueGraph(g))
	dims := x.Shape().Dimensions
	q := BroadcastToDims(Reshape(query, d[0], 1, 1, c.HiddenDim), dims...)
	pre := Reshape(ReduceSum(Mul(x, q), 3), d[0], d[1], d[2], 1)
	out := Sigmoid(pre)
	l.summary.add(name, "MapTransform", out, []string{"subject_attention", "predicate_embedding"}, kernel, bias)
	return out, pre
}
