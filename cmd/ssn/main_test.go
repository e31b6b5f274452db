package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/ssn/pkg/backbone"
	"github.com/cyclopcam/ssn/pkg/imagex"
	"github.com/cyclopcam/ssn/pkg/region"
	"github.com/cyclopcam/ssn/pkg/ssn"
	"github.com/cyclopcam/ssn/pkg/vocab"
	"github.com/cyclopcam/ssn/pkg/weights"
	"github.com/stretchr/testify/require"
)

func testModel(t *testing.T) *ssn.Model {
	cfg := ssn.NewConfig()
	cfg.InputDim = 32
	cfg.FeatMapDim = 4
	cfg.HiddenDim = 8
	cfg.NumObjects = 6
	cfg.NumPredicates = 3
	extractor := backbone.NewPatchEmbedding(weights.NewRandomSource(1), cfg.FeatMapDim, cfg.HiddenDim)
	m, err := ssn.NewArchitectureBuilder(logs.NewTestingLog(t), cfg, extractor).Build()
	require.NoError(t, err)
	return m
}

// testImages writes n small JPEGs of different sizes and colors
func testImages(t *testing.T, dir string, n int) []string {
	filenames := []string{}
	for i := 0; i < n; i++ {
		size := 20 + i*10
		img := cimg.NewImage(size, size, cimg.PixelFormatRGB)
		for j := range img.Pixels {
			img.Pixels[j] = byte(j*(i+1)) & 0xff
		}
		fn := filepath.Join(dir, filepath.Base(t.Name())+string(rune('a'+i))+".jpg")
		require.NoError(t, imagex.WriteJPEG(img, fn, 90))
		filenames = append(filenames, fn)
	}
	return filenames
}

func TestLocalizeWithoutVocabulary(t *testing.T) {
	dir := t.TempDir()
	m := testModel(t)
	opt := &localizeOptions{
		images:     testImages(t, dir, 2),
		subject:    "1",
		predicate:  "2",
		object:     "5",
		threshold:  0.5,
		preprocess: string(imagex.PreprocessCaffe),
		outPrefix:  filepath.Join(dir, "out"),
		profile:    true,
	}
	var buf bytes.Buffer
	require.NoError(t, localize(logs.NewTestingLog(t), m, opt, &buf))

	var results []region.Localization
	require.NoError(t, json.Unmarshal(buf.Bytes(), &results))
	require.Len(t, results, 2)
	for i, r := range results {
		require.Equal(t, opt.images[i], r.Image)
		require.Equal(t, region.Relationship{Subject: 1, Predicate: 2, Object: 5}, r.Relationship)
		require.Equal(t, float32(0.5), r.Threshold)
		require.Equal(t, 32*32, r.Subject.Mask.Count)
		require.Equal(t, 32*32, r.Object.Mask.Count)
		require.Greater(t, r.Subject.PeakValue, float32(0))
		require.LessOrEqual(t, r.Object.PeakValue, float32(1))
		require.GreaterOrEqual(t, r.Layout.PeakDistance, float32(0))

		for _, name := range []string{"subject", "object", "overlay"} {
			st, err := os.Stat(outputName(opt.outPrefix, i, 2, name))
			require.NoError(t, err)
			require.Greater(t, st.Size(), int64(0))
		}
	}
	require.Contains(t, buf.String(), `"layout"`)

	// Names need a vocabulary
	opt.subject = "person"
	require.ErrorIs(t, localize(logs.NewTestingLog(t), m, opt, &buf), vocab.ErrUnknownName)

	// Ids beyond the model's vocabulary are rejected by the model
	opt.subject = "6"
	require.ErrorIs(t, localize(logs.NewTestingLog(t), m, opt, &buf), ssn.ErrIndexOutOfRange)
}

func TestLocalizeWithVocabulary(t *testing.T) {
	dir := t.TempDir()
	objects := filepath.Join(dir, "objects.txt")
	require.NoError(t, os.WriteFile(objects, []byte("person\nhorse\nhat\ndog\ncar\nroad\n"), 0644))
	predicates := filepath.Join(dir, "predicates.json")
	require.NoError(t, os.WriteFile(predicates, []byte(`["on", "wearing", "next to"]`), 0644))

	opt := &localizeOptions{
		images:         testImages(t, dir, 1),
		subject:        "Person",
		predicate:      "wearing",
		object:         "hat",
		objectVocab:    objects,
		predicateVocab: predicates,
		threshold:      0.25,
		preprocess:     string(imagex.PreprocessUnit),
		outPrefix:      filepath.Join(dir, "single"),
	}
	var buf bytes.Buffer
	require.NoError(t, localize(logs.NewTestingLog(t), testModel(t), opt, &buf))
	var results []region.Localization
	require.NoError(t, json.Unmarshal(buf.Bytes(), &results))
	require.Len(t, results, 1)
	require.Equal(t, "person - wearing - hat", results[0].Relationship.String())
	require.Equal(t, 0, results[0].Relationship.Subject)
	require.Equal(t, 1, results[0].Relationship.Predicate)
	require.Equal(t, 2, results[0].Relationship.Object)

	_, err := os.Stat(filepath.Join(dir, "single-overlay.jpg"))
	require.NoError(t, err)

	opt.images = append(opt.images, filepath.Join(dir, "missing.jpg"))
	require.Error(t, localize(logs.NewTestingLog(t), testModel(t), opt, &buf))
}

func TestOutputName(t *testing.T) {
	require.Equal(t, "x-subject.jpg", outputName("x", 0, 1, "subject"))
	require.Equal(t, "x-3-overlay.jpg", outputName("x", 3, 5, "overlay"))
}
