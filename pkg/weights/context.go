package weights

import (
	"fmt"
	"path"
	"slices"
	"sort"
	"strings"

	"github.com/gomlx/gomlx/ml/context"
)

// Variable returns the context variable at the slash separated path name (eg
// "conv1/kernel") below ctx. If it doesn't exist yet, it is created with the value
// that src holds for name. Like the rest of gomlx graph building, failures panic:
// the error from src, or ErrShapeMismatch if an existing variable has other dims.
func Variable(ctx *context.Context, src Source, name string, trainable bool, dims ...int) *context.Variable {
	parts := strings.Split(name, "/")
	for _, scope := range parts[:len(parts)-1] {
		ctx = ctx.In(scope)
	}
	leaf := parts[len(parts)-1]
	if v := ctx.GetVariable(leaf); v != nil {
		if !slices.Equal(v.Shape().Dimensions, dims) {
			panic(fmt.Errorf("%w: variable %v is %v, expected %v", ErrShapeMismatch, name, v.Shape(), dims))
		}
		return v
	}
	value, err := src.Load(name, dims)
	if err != nil {
		panic(err)
	}
	return ctx.VariableWithValue(leaf, value).SetTrainable(trainable)
}

// Entry is a context variable with its path relative to some scope
type Entry struct {
	Name string
	*context.Variable
}

// Variables lists the variables below ctx's scope, sorted by their relative path
func Variables(ctx *context.Context) []Entry {
	prefix := strings.TrimSuffix(ctx.Scope(), "/") + "/"
	entries := []Entry{}
	ctx.EnumerateVariables(func(v *context.Variable) {
		full := path.Join(v.Scope(), v.Name())
		if strings.HasPrefix(full, prefix) {
			entries = append(entries, Entry{Name: full[len(prefix):], Variable: v})
		}
	})
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name < entries[j].Name
	})
	return entries
}

// Count returns the number of scalars held by the variables below ctx's scope
// that are (or are not) trainable
func Count(ctx *context.Context, trainable bool) int {
	n := 0
	for _, e := range Variables(ctx) {
		if e.Trainable == trainable {
			n += e.Shape().Size()
		}
	}
	return n
}

// Collect captures the current values of the variables below ctx's scope.
// Tensors are shared, not copied.
func Collect(ctx *context.Context) *Bundle {
	b := NewBundle()
	for _, e := range Variables(ctx) {
		b.Set(e.Name, e.Value())
	}
	return b
}
