// Package weights stores named tensors, and places them into a model's variables.
//
// A Bundle is a set of named tensors with a simple binary encoding (".ssnw" files).
// Variable creates (or finds) a gomlx context variable whose initial value comes
// from a Source, which is either a Bundle of pretrained values or an initializer.
package weights

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"slices"
	"sort"

	"github.com/gomlx/gomlx/types/tensors"
)

// File header. The magic number spells "SSNW" when read as little endian bytes.
const (
	bundleMagic   = 0x574E5353
	bundleVersion = 1
	maxRank       = 8
	maxNameLen    = 1024

	// Tensor data is read in chunks of this many floats, so that a header which
	// claims a huge tensor cannot make us allocate more than the input holds.
	readChunk = 64 * 1024
)

var ErrBadFormat = errors.New("Invalid weights file")
var ErrMissing = errors.New("Weight not found")
var ErrShapeMismatch = errors.New("Weight has the wrong shape")

// Source supplies initial values for variables
type Source interface {
	Load(name string, dims []int) (*tensors.Tensor, error)
}

// SourceFunc adapts a function to a Source
type SourceFunc func(name string, dims []int) (*tensors.Tensor, error)

func (f SourceFunc) Load(name string, dims []int) (*tensors.Tensor, error) {
	return f(name, dims)
}

// Bundle is a set of named float32 tensors
type Bundle struct {
	tensors map[string]*tensors.Tensor
}

func NewBundle() *Bundle {
	return &Bundle{
		tensors: map[string]*tensors.Tensor{},
	}
}

func (b *Bundle) Set(name string, t *tensors.Tensor) {
	b.tensors[name] = t
}

// Get returns the named tensor, or nil
func (b *Bundle) Get(name string) *tensors.Tensor {
	return b.tensors[name]
}

func (b *Bundle) Len() int {
	return len(b.tensors)
}

// Names returns all tensor names, sorted
func (b *Bundle) Names() []string {
	names := make([]string, 0, len(b.tensors))
	for k := range b.tensors {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Load implements Source. The stored tensor is returned as-is, not copied.
func (b *Bundle) Load(name string, dims []int) (*tensors.Tensor, error) {
	t := b.tensors[name]
	if t == nil {
		return nil, fmt.Errorf("%w: %v", ErrMissing, name)
	}
	if !isFloat32(t) || !slices.Equal(Dims(t), dims) {
		return nil, fmt.Errorf("%w: %v is %v, expected %v", ErrShapeMismatch, name, t.Shape(), dims)
	}
	return t, nil
}

// Encode writes the bundle. Tensors are written in name order, so the encoding
// of a bundle is deterministic.
func (b *Bundle) Encode(w io.Writer) error {
	bw := bufio.NewWriter(w)
	le := binary.LittleEndian
	if err := binary.Write(bw, le, uint32(bundleMagic)); err != nil {
		return err
	}
	if err := binary.Write(bw, le, uint16(bundleVersion)); err != nil {
		return err
	}
	if err := binary.Write(bw, le, uint32(len(b.tensors))); err != nil {
		return err
	}
	for _, name := range b.Names() {
		t := b.tensors[name]
		dims := Dims(t)
		if len(name) > maxNameLen || len(dims) > maxRank || !isFloat32(t) {
			return fmt.Errorf("Cannot encode tensor '%v' %v", name, t.Shape())
		}
		if err := binary.Write(bw, le, uint16(len(name))); err != nil {
			return err
		}
		if _, err := bw.WriteString(name); err != nil {
			return err
		}
		if err := binary.Write(bw, le, uint8(len(dims))); err != nil {
			return err
		}
		for _, d := range dims {
			if err := binary.Write(bw, le, uint32(d)); err != nil {
				return err
			}
		}
		if err := binary.Write(bw, le, Flat(t)); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// Decode reads a bundle written by Encode
func Decode(r io.Reader) (*Bundle, error) {
	br := bufio.NewReader(r)
	le := binary.LittleEndian

	var magic uint32
	if err := binary.Read(br, le, &magic); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadFormat, err)
	}
	if magic != bundleMagic {
		return nil, fmt.Errorf("%w: magic number %x", ErrBadFormat, magic)
	}
	var version uint16
	if err := binary.Read(br, le, &version); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadFormat, err)
	}
	if version != bundleVersion {
		return nil, fmt.Errorf("%w: unsupported version %v", ErrBadFormat, version)
	}
	var count uint32
	if err := binary.Read(br, le, &count); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadFormat, err)
	}

	b := NewBundle()
	for i := uint32(0); i < count; i++ {
		name, t, err := decodeTensor(br)
		if err != nil {
			return nil, fmt.Errorf("%w: tensor %v: %w", ErrBadFormat, i, err)
		}
		if b.tensors[name] != nil {
			return nil, fmt.Errorf("%w: duplicate tensor '%v'", ErrBadFormat, name)
		}
		b.tensors[name] = t
	}
	return b, nil
}

func decodeTensor(r io.Reader) (string, *tensors.Tensor, error) {
	le := binary.LittleEndian
	var nameLen uint16
	if err := binary.Read(r, le, &nameLen); err != nil {
		return "", nil, err
	}
	if nameLen > maxNameLen {
		return "", nil, fmt.Errorf("name too long (%v)", nameLen)
	}
	name := make([]byte, nameLen)
	if _, err := io.ReadFull(r, name); err != nil {
		return "", nil, err
	}
	var rank uint8
	if err := binary.Read(r, le, &rank); err != nil {
		return "", nil, err
	}
	if rank > maxRank {
		return "", nil, fmt.Errorf("rank %v too large", rank)
	}
	raw := make([]uint32, rank)
	if err := binary.Read(r, le, raw); err != nil {
		return "", nil, err
	}
	dims := make([]int, rank)
	total := int64(1)
	for i, d := range raw {
		dims[i] = int(d)
		total *= int64(d)
		if total > math.MaxInt32 {
			return "", nil, fmt.Errorf("tensor '%s' is too large", name)
		}
	}
	data, err := readFloats(r, int(total))
	if err != nil {
		return "", nil, fmt.Errorf("tensor '%s': %w", name, err)
	}
	return string(name), NewTensor(data, dims...), nil
}

// readFloats reads n little endian float32s. Memory grows with what is actually
// read, so truncated input fails before a large allocation.
func readFloats(r io.Reader, n int) ([]float32, error) {
	data := make([]float32, 0, min(n, readChunk))
	chunk := make([]float32, min(n, readChunk))
	for len(data) < n {
		c := chunk[:min(n-len(data), readChunk)]
		if err := binary.Read(r, binary.LittleEndian, c); err != nil {
			return nil, err
		}
		data = append(data, c...)
	}
	return data, nil
}

// Save writes the bundle to a file
func (b *Bundle) Save(filename string) error {
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	if err := b.Encode(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// LoadFile reads a bundle from a file
func LoadFile(filename string) (*Bundle, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Decode(f)
}
