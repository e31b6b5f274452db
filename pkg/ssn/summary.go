package ssn

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/cyclopcam/ssn/pkg/kibi"
	"github.com/cyclopcam/ssn/pkg/weights"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
)

// SummaryRow is one layer of a model summary
type SummaryRow struct {
	Name        string
	Type        string
	OutputShape string
	Params      int      // Weights first used by this layer
	ConnectedTo []string // Layers that feed this one
}

// summaryRecorder collects rows while the model graph is built. A nil recorder
// ignores everything, so graphs built for execution skip the bookkeeping.
// Variables are attributed to the first layer that uses them, so a shared
// embedding table is only counted once.
type summaryRecorder struct {
	rows []SummaryRow
	seen map[*context.Variable]bool
}

func newSummaryRecorder() *summaryRecorder {
	return &summaryRecorder{
		seen: map[*context.Variable]bool{},
	}
}

func (s *summaryRecorder) add(name, typ string, out *Node, inputs []string, vars ...*context.Variable) {
	if s == nil {
		return
	}
	row := SummaryRow{
		Name:        name,
		Type:        typ,
		OutputShape: shapeString(out.Shape().Dimensions),
		ConnectedTo: inputs,
	}
	for _, v := range vars {
		if !s.seen[v] {
			s.seen[v] = true
			row.Params += v.Shape().Size()
		}
	}
	s.rows = append(s.rows, row)
}

// shapeString formats dims the way Keras does, with the batch axis as None
func shapeString(dims []int) string {
	parts := []string{"None"}
	for _, d := range dims[1:] {
		parts = append(parts, strconv.Itoa(d))
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// SummaryRows lists the layers of the model in the order they were built
func (m *Model) SummaryRows() []SummaryRow {
	return m.rows
}

// Summary writes a Keras style table of the model's layers and weight totals
func (m *Model) Summary(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Layer (type)\tOutput Shape\tParam #\tConnected to\n")
	for _, r := range m.rows {
		fmt.Fprintf(tw, "%v (%v)\t%v\t%v\t%v\n", r.Name, r.Type, r.OutputShape, r.Params, strings.Join(r.ConnectedTo, ", "))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	frozen := weights.Count(m.Context, false)
	trainable := weights.Count(m.Context, true)
	fmt.Fprintf(w, "Total params: %v (%v)\n", frozen+trainable, kibi.FormatBytes(int64(frozen+trainable)*4))
	fmt.Fprintf(w, "Trainable params: %v\n", trainable)
	_, err := fmt.Fprintf(w, "Non-trainable params: %v\n", frozen)
	return err
}
