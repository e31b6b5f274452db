package ssn

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/cyclopcam/ssn/pkg/backbone"
	"github.com/cyclopcam/ssn/pkg/perfstats"
	"github.com/cyclopcam/ssn/pkg/weights"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
)

var ErrShapeMismatch = errors.New("Shape mismatch")
var ErrIndexOutOfRange = errors.New("Category id out of range")

// Model is a built SSN. Its weights live in Context: the frozen backbone below
// ScopeBackbone, and the trainable embeddings, map transform and upsampling
// below ScopeSSN.
type Model struct {
	Config    *Config
	Transform MapTransform
	Backend   backends.Backend
	Context   *context.Context
	Profile   *perfstats.Profile // "predict" and "backward" timings

	extractor backbone.FeatureExtractor
	upsample  int
	rows      []SummaryRow
	trainable []weights.Entry
	forward   *context.Exec
	backward  *context.Exec
}

// Inputs returns the names of the model inputs, in the order Predict feeds them
func (m *Model) Inputs() []string {
	return []string{InputImage, InputSubject, InputPredicate, InputObject}
}

// Outputs returns the names of the model outputs, each [N, input_dim^2]
func (m *Model) Outputs() []string {
	return []string{"subject", "object"}
}

// Frozen returns the backbone variables
func (m *Model) Frozen() []weights.Entry {
	return weights.Variables(m.Context.In(ScopeBackbone))
}

// Trainable returns the variables that receive gradients
func (m *Model) Trainable() []weights.Entry {
	return m.trainable
}

// Variable returns the trainable variable at name (eg "entity_embedding/embeddings"), or nil
func (m *Model) Variable(name string) *context.Variable {
	for _, e := range m.trainable {
		if e.Name == name {
			return e.Variable
		}
	}
	return nil
}

func (m *Model) compile() error {
	return exceptions.TryCatch[error](func() {
		m.forward = context.NewExec(m.Backend, m.Context, func(ctx *context.Context, inputs []*Node) []*Node {
			out := m.buildGraph(ctx, inputs[0], inputs[1], inputs[2], inputs[3], nil)
			return []*Node{out.Subject, out.Object, out.SubjectAttention, out.PredicateAttention, out.PredicatePreActivation, out.ObjectAttention}
		})
		m.backward = context.NewExec(m.Backend, m.Context, func(ctx *context.Context, inputs []*Node) []*Node {
			out := m.buildGraph(ctx, inputs[0], inputs[1], inputs[2], inputs[3], nil)
			loss := Add(ReduceAllSum(Mul(out.Subject, inputs[4])), ReduceAllSum(Mul(out.Object, inputs[5])))
			g := loss.Graph()
			params := make([]*Node, len(m.trainable))
			for i, e := range m.trainable {
				params[i] = e.ValueGraph(g)
			}
			return Gradient(loss, params...)
		})
	})
}

// Batch is one set of model inputs
type Batch struct {
	Images     *tensors.Tensor // float32 [N, input_dim, input_dim, 3], preprocessed for the backbone
	Subjects   []int
	Predicates []int
	Objects    []int
}

// idTensor validates category ids and packs them as int32 [n, 1]
func idTensor(name string, ids []int, n, vocab int) (*tensors.Tensor, error) {
	if len(ids) != n {
		return nil, fmt.Errorf("%w: %v %v ids for a batch of %v images", ErrShapeMismatch, len(ids), name, n)
	}
	data := make([]int32, n)
	for i, id := range ids {
		if id < 0 || id >= vocab || id > math.MaxInt32 {
			return nil, fmt.Errorf("%w: %v id %v is not in [0, %v)", ErrIndexOutOfRange, name, id, vocab)
		}
		data[i] = int32(id)
	}
	return tensors.FromFlatDataAndDimensions(data, n, 1), nil
}

// feeds converts a batch into the arguments of the forward graph
func (m *Model) feeds(b *Batch) ([]any, error) {
	cfg := m.Config
	if b.Images == nil {
		return nil, fmt.Errorf("%w: batch has no images", ErrShapeMismatch)
	}
	dims := b.Images.Shape().Dimensions
	if b.Images.DType() != dtypes.Float32 || len(dims) != 4 || dims[0] < 1 || !slices.Equal(dims[1:], []int{cfg.InputDim, cfg.InputDim, 3}) {
		return nil, fmt.Errorf("%w: images are %v, expected float32 [N, %v, %v, 3]", ErrShapeMismatch, b.Images.Shape(), cfg.InputDim, cfg.InputDim)
	}
	n := dims[0]
	subjects, err := idTensor("subject", b.Subjects, n, cfg.NumObjects)
	if err != nil {
		return nil, err
	}
	predicates, err := idTensor("predicate", b.Predicates, n, cfg.NumPredicates)
	if err != nil {
		return nil, err
	}
	objects, err := idTensor("object", b.Objects, n, cfg.NumObjects)
	if err != nil {
		return nil, err
	}
	return []any{b.Images, subjects, predicates, objects}, nil
}

// Prediction is the result of one forward pass
type Prediction struct {
	Subject *tensors.Tensor // [N, input_dim^2] in (0,1)
	Object  *tensors.Tensor // [N, input_dim^2] in (0,1)

	// Intermediate maps, each [N, F, F, 1] except PredicatePreActivation,
	// which is the predicate transform before its sigmoid
	SubjectAttention       *tensors.Tensor
	PredicateAttention     *tensors.Tensor
	PredicatePreActivation *tensors.Tensor
	ObjectAttention        *tensors.Tensor

	model  *Model
	inputs []any
}

// Predict runs the graph forward. It does not modify any variable, so repeated
// calls with the same batch produce identical results.
func (m *Model) Predict(b *Batch) (*Prediction, error) {
	inputs, err := m.feeds(b)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	var results []*tensors.Tensor
	if err := exceptions.TryCatch[error](func() { results = m.forward.Call(inputs...) }); err != nil {
		return nil, err
	}
	m.Profile.AddSample("predict", time.Since(start))
	return &Prediction{
		Subject:                results[0],
		Object:                 results[1],
		SubjectAttention:       results[2],
		PredicateAttention:     results[3],
		PredicatePreActivation: results[4],
		ObjectAttention:        results[5],
		model:                  m,
		inputs:                 inputs,
	}, nil
}

// Backward returns the gradient of a loss with respect to every trainable
// variable, keyed by variable name, given the gradient of that loss with respect
// to each output. Either output gradient may be nil, which counts as zero.
// Frozen backbone variables never receive gradients.
func (p *Prediction) Backward(dSubject, dObject *tensors.Tensor) (map[string]*tensors.Tensor, error) {
	m := p.model
	want := p.Subject.Shape().Dimensions
	seed := func(name string, d *tensors.Tensor) (*tensors.Tensor, error) {
		if d == nil {
			return weights.Zeroed(want...), nil
		}
		if d.DType() != dtypes.Float32 || !slices.Equal(d.Shape().Dimensions, want) {
			return nil, fmt.Errorf("%w: %v gradient is %v, expected %v", ErrShapeMismatch, name, d.Shape(), want)
		}
		return d, nil
	}
	dS, err := seed("subject", dSubject)
	if err != nil {
		return nil, err
	}
	dO, err := seed("object", dObject)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	var results []*tensors.Tensor
	args := append(slices.Clone(p.inputs), dS, dO)
	if err := exceptions.TryCatch[error](func() { results = m.backward.Call(args...) }); err != nil {
		return nil, err
	}
	m.Profile.AddSample("backward", time.Since(start))
	grads := map[string]*tensors.Tensor{}
	for i, e := range m.trainable {
		grads[e.Name] = results[i]
	}
	return grads, nil
}
