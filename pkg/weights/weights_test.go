package weights

import (
	"bytes"
	"encoding/binary"
	"math/rand/v2"
	"path/filepath"
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/stretchr/testify/require"
)

func sampleBundle() *Bundle {
	b := NewBundle()
	k := make([]float32, 3*3*2*4)
	for i := range k {
		k[i] = float32(i) * 0.25
	}
	b.Set("conv1/kernel", NewTensor(k, 3, 3, 2, 4))
	b.Set("conv1/bias", NewTensor([]float32{-1, 0, 1, 2}, 4))
	return b
}

func TestBundleEncoding(t *testing.T) {
	b := sampleBundle()
	require.Equal(t, []string{"conv1/bias", "conv1/kernel"}, b.Names())

	var buf bytes.Buffer
	require.NoError(t, b.Encode(&buf))
	require.Equal(t, []byte("SSNW"), buf.Bytes()[:4])

	// Encoding is deterministic
	var buf2 bytes.Buffer
	require.NoError(t, b.Encode(&buf2))
	require.Equal(t, buf.Bytes(), buf2.Bytes())

	d, err := Decode(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	require.Equal(t, 2, d.Len())
	require.True(t, Equal(d.Get("conv1/kernel"), b.Get("conv1/kernel")))
	require.True(t, Equal(d.Get("conv1/bias"), b.Get("conv1/bias")))

	_, err = Decode(bytes.NewReader(buf.Bytes()[:len(buf.Bytes())-3]))
	require.ErrorIs(t, err, ErrBadFormat)

	corrupt := bytes.Clone(buf.Bytes())
	corrupt[0] = 'X'
	_, err = Decode(bytes.NewReader(corrupt))
	require.ErrorIs(t, err, ErrBadFormat)
}

// A header that claims a tensor of ~2^31 floats, followed by a few bytes of data
func hugeHeader() []byte {
	var buf bytes.Buffer
	le := binary.LittleEndian
	binary.Write(&buf, le, uint32(bundleMagic))
	binary.Write(&buf, le, uint16(bundleVersion))
	binary.Write(&buf, le, uint32(1))
	binary.Write(&buf, le, uint16(1))
	buf.WriteString("x")
	binary.Write(&buf, le, uint8(2))
	binary.Write(&buf, le, uint32(46340))
	binary.Write(&buf, le, uint32(46340))
	buf.Write([]byte{1, 2, 3, 4, 5, 6, 7, 8})
	return buf.Bytes()
}

func TestDecodeTruncatedHugeTensor(t *testing.T) {
	_, err := Decode(bytes.NewReader(hugeHeader()))
	require.ErrorIs(t, err, ErrBadFormat)

	// Dimensions whose product overflows int32 are rejected outright
	raw := hugeHeader()
	binary.LittleEndian.PutUint32(raw[len(raw)-12:], 1<<20)
	_, err = Decode(bytes.NewReader(raw))
	require.ErrorIs(t, err, ErrBadFormat)
}

func TestReadFloats(t *testing.T) {
	n := readChunk*2 + 5
	var buf bytes.Buffer
	want := make([]float32, n)
	for i := range want {
		want[i] = float32(i)
	}
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, want))
	got, err := readFloats(bytes.NewReader(buf.Bytes()), n)
	require.NoError(t, err)
	require.Equal(t, want, got)

	_, err = readFloats(bytes.NewReader(buf.Bytes()[:buf.Len()-1]), n)
	require.Error(t, err)

	empty, err := readFloats(bytes.NewReader(nil), 0)
	require.NoError(t, err)
	require.Len(t, empty, 0)
}

func TestBundleFile(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "test.ssnw")
	b := sampleBundle()
	require.NoError(t, b.Save(filename))
	d, err := LoadFile(filename)
	require.NoError(t, err)
	require.Equal(t, b.Names(), d.Names())
}

func TestBundleSource(t *testing.T) {
	b := sampleBundle()
	v, err := b.Load("conv1/bias", []int{4})
	require.NoError(t, err)
	require.Equal(t, float32(2), Flat(v)[3])

	_, err = b.Load("conv1/bias", []int{5})
	require.ErrorIs(t, err, ErrShapeMismatch)

	_, err = b.Load("conv2/bias", []int{4})
	require.ErrorIs(t, err, ErrMissing)
}

func TestDigest(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, sampleBundle().Encode(&buf))
	d := Digest(buf.Bytes())
	require.Len(t, d, 64)
	require.NoError(t, Verify(buf.Bytes(), d))
	require.NoError(t, Verify(buf.Bytes(), ""))

	tampered := bytes.Clone(buf.Bytes())
	tampered[len(tampered)-1] ^= 1
	require.ErrorIs(t, Verify(tampered, d), ErrDigestMismatch)
}

func TestContextVariables(t *testing.T) {
	ctx := context.New()
	frozen := ctx.In("backbone")
	k := Variable(frozen, sampleBundle(), "conv1/kernel", false, 3, 3, 2, 4)
	require.False(t, k.Trainable)
	require.Same(t, k, Variable(frozen, sampleBundle(), "conv1/kernel", false, 3, 3, 2, 4))

	err := exceptions.TryCatch[error](func() {
		Variable(frozen, sampleBundle(), "conv1/gamma", false, 4)
	})
	require.ErrorIs(t, err, ErrMissing)
	err = exceptions.TryCatch[error](func() {
		Variable(frozen, sampleBundle(), "conv1/kernel", false, 3, 3, 2, 5)
	})
	require.ErrorIs(t, err, ErrShapeMismatch)

	trainable := ctx.In("ssn")
	q := Variable(trainable, NewRandomSource(1), "embedding_1/embeddings", true, 10, 8)
	require.True(t, q.Trainable)
	for _, v := range Flat(q.Value()) {
		require.LessOrEqual(t, v, float32(0.05))
		require.GreaterOrEqual(t, v, float32(-0.05))
	}

	require.Equal(t, 3*3*2*4, Count(frozen, false))
	require.Equal(t, 0, Count(frozen, true))
	require.Equal(t, 80, Count(trainable, true))
	require.Equal(t, 80, Count(ctx, true))

	entries := Variables(ctx)
	require.Len(t, entries, 2)
	require.Equal(t, "backbone/conv1/kernel", entries[0].Name)
	require.Equal(t, "ssn/embedding_1/embeddings", entries[1].Name)

	b := Collect(frozen)
	require.Equal(t, []string{"conv1/kernel"}, b.Names())
	require.True(t, Equal(sampleBundle().Get("conv1/kernel"), b.Get("conv1/kernel")))
}

func TestInitializers(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 1))
	require.Equal(t, []float32{0, 0}, Flat(InitializerFor("x/bias")(rng, []int{2})))
	require.Equal(t, []float32{1, 1}, Flat(InitializerFor("bn/moving_variance")(rng, []int{2})))

	// Glorot limit for [3,3,4,4] is sqrt(6 / (36+36))
	k := InitializerFor("conv/kernel")(rng, []int{3, 3, 4, 4})
	require.Equal(t, []int{3, 3, 4, 4}, Dims(k))
	for _, v := range Flat(k) {
		require.Less(t, v, float32(0.2887))
		require.Greater(t, v, float32(-0.2887))
	}

	// Same seed, same weights
	a, _ := NewRandomSource(7).Load("k", []int{16})
	b, _ := NewRandomSource(7).Load("k", []int{16})
	require.True(t, Equal(a, b))
}
