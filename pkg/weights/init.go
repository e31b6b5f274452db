package weights

import (
	"math/rand/v2"
	"strings"

	"github.com/chewxy/math32"
	"github.com/gomlx/gomlx/types/tensors"
)

// Initializer creates a fresh tensor with the given dimensions
type Initializer func(rng *rand.Rand, dims []int) *tensors.Tensor

func Zeros(rng *rand.Rand, dims []int) *tensors.Tensor {
	return Zeroed(dims...)
}

func Ones(rng *rand.Rand, dims []int) *tensors.Tensor {
	data := make([]float32, size(dims))
	for i := range data {
		data[i] = 1
	}
	return NewTensor(data, dims...)
}

// Uniform draws from U(-limit, limit). Keras uses Uniform(0.05) for embedding tables.
func Uniform(limit float32) Initializer {
	return func(rng *rand.Rand, dims []int) *tensors.Tensor {
		data := make([]float32, size(dims))
		for i := range data {
			data[i] = (rng.Float32()*2 - 1) * limit
		}
		return NewTensor(data, dims...)
	}
}

// GlorotUniform is the Keras default for convolution kernels.
// For a kernel [KH, KW, A, B], fan_in = KH*KW*A and fan_out = KH*KW*B.
func GlorotUniform(rng *rand.Rand, dims []int) *tensors.Tensor {
	fanIn, fanOut := fans(dims)
	limit := math32.Sqrt(6 / float32(fanIn+fanOut))
	return Uniform(limit)(rng, dims)
}

func fans(dims []int) (in, out int) {
	switch len(dims) {
	case 0:
		return 1, 1
	case 1:
		return dims[0], dims[0]
	case 2:
		return dims[0], dims[1]
	}
	receptive := size(dims[:len(dims)-2])
	return receptive * dims[len(dims)-2], receptive * dims[len(dims)-1]
}

// RandomSource invents values for any requested weight, choosing an initializer
// from the Keras naming convention of the weight (kernel, bias, gamma, ...).
// It stands in for pretrained weights when none are available.
type RandomSource struct {
	rng *rand.Rand
}

func NewRandomSource(seed uint64) *RandomSource {
	return &RandomSource{
		rng: rand.New(rand.NewPCG(seed, seed^0x9E3779B97F4A7C15)),
	}
}

func (r *RandomSource) Load(name string, dims []int) (*tensors.Tensor, error) {
	return InitializerFor(name)(r.rng, dims), nil
}

// InitializerFor returns the Keras default initializer for a weight, by the last
// element of its name (eg "res2a_branch2a/kernel")
func InitializerFor(name string) Initializer {
	leaf := name[strings.LastIndexByte(name, '/')+1:]
	switch leaf {
	case "bias", "beta", "moving_mean":
		return Zeros
	case "gamma", "moving_variance":
		return Ones
	case "embeddings":
		return Uniform(0.05)
	}
	return GlorotUniform
}
