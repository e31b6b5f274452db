// Package ssn builds the SSN, a network that localizes the subject and object of a
// visual relationship (subject - predicate - object) inside an image.
//
// The graph runs image -> frozen backbone features -> subject attention ->
// predicate map transform -> predicate gated features -> object attention, and
// upsamples both attention maps to full image resolution.
package ssn

import (
	"fmt"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/ssn/pkg/backbone"
	"github.com/cyclopcam/ssn/pkg/kibi"
	"github.com/cyclopcam/ssn/pkg/perfstats"
	"github.com/cyclopcam/ssn/pkg/weights"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/backends/simplego"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
)

// Names of the graph's inputs
const (
	InputImage     = "input_image"
	InputSubject   = "input_subject"
	InputPredicate = "input_predicate"
	InputObject    = "input_object"
)

// Context scopes of the frozen and the trainable variables
const (
	ScopeBackbone = "backbone"
	ScopeSSN      = "ssn"
)

// ArchitectureBuilder assembles an SSN from a Config and a backbone
type ArchitectureBuilder struct {
	log       logs.Log
	cfg       *Config
	extractor backbone.FeatureExtractor
	backend   backends.Backend
}

func NewArchitectureBuilder(log logs.Log, cfg *Config, extractor backbone.FeatureExtractor) *ArchitectureBuilder {
	return &ArchitectureBuilder{
		log:       log,
		cfg:       cfg,
		extractor: extractor,
	}
}

// WithBackend runs the model on backend instead of the pure Go one
func (b *ArchitectureBuilder) WithBackend(backend backends.Backend) *ArchitectureBuilder {
	b.backend = backend
	return b
}

// Build creates the model. All structural problems (bad configuration, backbone
// output that does not fit the configuration, mismatched embedding widths) are
// reported here, by building the graph once for a batch of one.
func (b *ArchitectureBuilder) Build() (*Model, error) {
	cfg := b.cfg
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	k, _ := cfg.UpsampleSteps()
	transform, _ := NewMapTransform(cfg.MapTransform, cfg)
	b.warnUnused()

	backend := b.backend
	if backend == nil {
		var err error
		if backend, err = simplego.New(""); err != nil {
			return nil, fmt.Errorf("Failed to create backend: %w", err)
		}
	}

	m := &Model{
		Config:    cfg,
		Transform: transform,
		Backend:   backend,
		Context:   context.New(),
		Profile:   perfstats.NewProfile(),
		extractor: b.extractor,
		upsample:  k,
	}
	rec := newSummaryRecorder()
	var outputShape string
	err := exceptions.TryCatch[error](func() {
		g := NewGraph(backend, "ssn_build")
		image := Parameter(g, InputImage, shapes.Make(dtypes.Float32, 1, cfg.InputDim, cfg.InputDim, 3))
		ids := shapes.Make(dtypes.Int32, 1, 1)
		subject := Parameter(g, InputSubject, ids)
		predicate := Parameter(g, InputPredicate, ids)
		object := Parameter(g, InputObject, ids)
		out := m.buildGraph(m.Context, image, subject, predicate, object, rec)
		outputShape = shapeString(out.Subject.Shape().Dimensions)
	})
	if err != nil {
		return nil, err
	}
	m.rows = rec.rows
	m.trainable = weights.Variables(m.Context.In(ScopeSSN))
	if err := m.compile(); err != nil {
		return nil, err
	}

	frozen := weights.Count(m.Context, false)
	trainable := weights.Count(m.Context, true)
	b.log.Infof("Built SSN: %v upsampling steps, %v map transform, outputs %v", k, transform.Name(), outputShape)
	b.log.Infof("Parameters: %v frozen (%v), %v trainable (%v)",
		frozen, kibi.FormatBytes(int64(frozen)*4),
		trainable, kibi.FormatBytes(int64(trainable)*4))
	return m, nil
}

// warnUnused reports configuration options that are declared but have no effect on the graph
func (b *ArchitectureBuilder) warnUnused() {
	cfg := b.cfg
	if !cfg.UseSubject || !cfg.UsePredicate || !cfg.UseObject {
		b.log.Warnf("use_subject=%v use_predicate=%v use_object=%v are ignored: all three pathways are always built", cfg.UseSubject, cfg.UsePredicate, cfg.UseObject)
	}
	if cfg.Dropout != 0 {
		b.log.Warnf("dropout=%v is ignored: the SSN graph has no dropout layers", cfg.Dropout)
	}
	if cfg.EmbeddingDim != 0 {
		b.log.Debugf("embedding_dim=%v is not used", cfg.EmbeddingDim)
	}
}

// graphNodes are the interesting nodes of one SSN graph
type graphNodes struct {
	Features               *Node // [N, F, F, C] backbone output
	SubjectAttention       *Node // [N, F, F, 1]
	PredicateAttention     *Node // [N, F, F, 1]
	PredicatePreActivation *Node // predicate transform before its sigmoid
	ObjectAttention        *Node // [N, F, F, 1]
	Subject                *Node // [N, input_dim^2]
	Object                 *Node // [N, input_dim^2]
}

// buildGraph adds the SSN to the graph of image. ids are int32 [N, 1].
// It panics on any structural problem.
func (m *Model) buildGraph(ctx *context.Context, image, subject, predicate, object *Node, rec *summaryRecorder) *graphNodes {
	cfg := m.Config
	out := &graphNodes{}
	rec.add(InputImage, "InputLayer", image, nil)
	rec.add(InputSubject, "InputLayer", subject, nil)
	rec.add(InputPredicate, "InputLayer", predicate, nil)
	rec.add(InputObject, "InputLayer", object, nil)

	// Image features
	backboneCtx := ctx.In(ScopeBackbone)
	features, err := m.extractor.Extract(backboneCtx, image)
	if err != nil {
		panic(fmt.Errorf("Backbone %v: %w", m.extractor.Name(), err))
	}
	fd := features.Shape().Dimensions
	if len(fd) != 4 || fd[1] != cfg.FeatMapDim || fd[2] != cfg.FeatMapDim {
		panic(fmt.Errorf("%w: backbone %v produces %v, but feat_map_dim is %v", ErrShapeMismatch, m.extractor.Name(), features.Shape(), cfg.FeatMapDim))
	}
	if rec != nil {
		frozen := []*context.Variable{}
		for _, e := range weights.Variables(backboneCtx) {
			frozen = append(frozen, e.Variable)
		}
		rec.add(m.extractor.Name(), "Backbone", features, []string{InputImage}, frozen...)
	}
	out.Features = features

	// Category embeddings
	l := NewLayers(ctx.In(ScopeSSN), cfg.Seed)
	l.summary = rec
	entities := l.EmbeddingTable("entity_embedding", cfg.NumObjects, cfg.HiddenDim)
	predicates := l.EmbeddingTable("predicate_embedding", cfg.NumPredicates, m.Transform.PredicateDim())
	embeddedSubject := l.Embed("subject_embedding", entities, subject, InputSubject)
	embeddedPredicate := l.Embed("predicate_embedding", predicates, predicate, InputPredicate)
	embeddedObject := l.Embed("object_embedding", entities, object, InputObject)

	// Subject attention, predicate transform, and object attention over the gated features
	out.SubjectAttention = l.Attention("subject_attention", features, embeddedSubject, m.extractor.Name(), "subject_embedding")
	out.PredicateAttention, out.PredicatePreActivation = m.Transform.Apply(l, out.SubjectAttention, embeddedPredicate)
	gated := Mul(features, BroadcastToDims(out.PredicateAttention, fd...))
	rec.add("predicate_gating", "Multiply", gated, []string{m.extractor.Name(), "map_transform_" + m.Transform.Name()})
	out.ObjectAttention = l.Attention("object_attention", gated, embeddedObject, "predicate_gating", "object_embedding")

	// Full resolution masks
	subjectMap := l.Upsampling(out.SubjectAttention, "subject_att", m.upsample, "subject_attention")
	objectMap := l.Upsampling(out.ObjectAttention, "object_att", m.upsample, "object_attention")
	out.Subject = l.Flatten("subject", subjectMap, "subject_att")
	out.Object = l.Flatten("object", objectMap, "object_att")
	return out
}
