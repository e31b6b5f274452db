package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/akamensky/argparse"
	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/ssn/pkg/backbone"
	"github.com/cyclopcam/ssn/pkg/imagex"
	"github.com/cyclopcam/ssn/pkg/kibi"
	"github.com/cyclopcam/ssn/pkg/region"
	"github.com/cyclopcam/ssn/pkg/ssn"
	"github.com/cyclopcam/ssn/pkg/vocab"
	"github.com/cyclopcam/ssn/pkg/weights"
	"github.com/cyclopcam/ssn/pkg/weightstore"
	"github.com/gomlx/gomlx/backends/simplego"
)

func check(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

type weightOptions struct {
	source    string
	cacheDir  string
	cacheSize string
	digest    string
	random    bool
}

func openResolver(logger logs.Log, opt *weightOptions) (*weightstore.Resolver, error) {
	if opt.source == "" {
		return nil, fmt.Errorf("No weights source. Use --weights, or --random for untrained backbone weights")
	}
	cacheBytes, err := kibi.ParseBytes(opt.cacheSize)
	if err != nil {
		return nil, fmt.Errorf("Invalid cache size '%v': %w", opt.cacheSize, err)
	}
	return weightstore.Open(logger, opt.source, opt.cacheDir, cacheBytes)
}

func loadBackbone(logger logs.Log, cfg *ssn.Config, opt *weightOptions) (backbone.FeatureExtractor, error) {
	if opt.random {
		logger.Warnf("Using random backbone weights")
		return backbone.NewResNet50(weights.NewRandomSource(cfg.Seed), cfg.BackboneLayer), nil
	}
	resolver, err := openResolver(logger, opt)
	if err != nil {
		return nil, err
	}
	resolver.SetDigest(cfg.Backbone, opt.digest)
	bundle, err := resolver.Resolve(cfg.Backbone)
	if err != nil {
		return nil, err
	}
	return backbone.NewResNet50(bundle, cfg.BackboneLayer), nil
}

func buildModel(logger logs.Log, configFile string, opt *weightOptions) (*ssn.Model, error) {
	cfg := ssn.NewConfig()
	if configFile != "" {
		var err error
		if cfg, err = ssn.LoadConfig(configFile); err != nil {
			return nil, err
		}
	}
	extractor, err := loadBackbone(logger, cfg, opt)
	if err != nil {
		return nil, err
	}
	return ssn.NewArchitectureBuilder(logger, cfg, extractor).Build()
}

// initWeights publishes randomly initialized backbone weights, so that the rest of
// the pipeline can be exercised without pretrained weights.
func initWeights(logger logs.Log, configFile string, opt *weightOptions, seed int) error {
	cfg := ssn.NewConfig()
	if configFile != "" {
		var err error
		if cfg, err = ssn.LoadConfig(configFile); err != nil {
			return err
		}
	}
	resolver, err := openResolver(logger, opt)
	if err != nil {
		return err
	}
	backend, err := simplego.New("")
	if err != nil {
		return err
	}
	resnet := backbone.NewResNet50(weights.NewRandomSource(uint64(seed)), cfg.BackboneLayer)
	bundle, err := backbone.Weights(backend, resnet, cfg.InputDim)
	if err != nil {
		return err
	}
	digest, err := resolver.Publish(cfg.Backbone, bundle)
	if err != nil {
		return err
	}
	fmt.Printf("%v %v\n", weightstore.BlobName(cfg.Backbone), digest)
	return nil
}

type localizeOptions struct {
	images         []string
	subject        string
	predicate      string
	object         string
	objectVocab    string
	predicateVocab string
	threshold      float32
	preprocess     string
	outPrefix      string
	profile        bool
}

func loadVocab(filename string) (*vocab.Vocabulary, error) {
	if filename == "" {
		return nil, nil
	}
	return vocab.Load(filename)
}

// outputName is where a rendered mask of image i goes. The index is only added
// when there is more than one image.
func outputName(prefix string, i, n int, name string) string {
	if n == 1 {
		return fmt.Sprintf("%v-%v.jpg", prefix, name)
	}
	return fmt.Sprintf("%v-%v-%v.jpg", prefix, i, name)
}

func writeImages(img *cimg.Image, subjectMask, objectMask []float32, dim int, prefix string, i, n int) error {
	for name, mask := range map[string][]float32{"subject": subjectMask, "object": objectMask} {
		maskImg, err := imagex.MaskToImage(mask, dim)
		if err != nil {
			return err
		}
		if err := imagex.WriteJPEG(maskImg, outputName(prefix, i, n, name), 95); err != nil {
			return err
		}
	}
	overlay, err := imagex.Overlay(img, subjectMask, objectMask, dim)
	if err != nil {
		return err
	}
	return imagex.WriteJPEG(overlay, outputName(prefix, i, n, "overlay"), 90)
}

// localize finds one relationship in every image, with a single batched prediction,
// and writes a JSON array with one localization per image to w
func localize(logger logs.Log, m *ssn.Model, opt *localizeOptions, w io.Writer) error {
	objects, err := loadVocab(opt.objectVocab)
	if err != nil {
		return err
	}
	predicates, err := loadVocab(opt.predicateVocab)
	if err != nil {
		return err
	}
	rel := region.Relationship{}
	if rel.Subject, err = objects.Lookup(opt.subject); err != nil {
		return fmt.Errorf("Subject: %w", err)
	}
	if rel.Predicate, err = predicates.Lookup(opt.predicate); err != nil {
		return fmt.Errorf("Predicate: %w", err)
	}
	if rel.Object, err = objects.Lookup(opt.object); err != nil {
		return fmt.Errorf("Object: %w", err)
	}
	rel.SubjectName = objects.Name(rel.Subject)
	rel.PredicateName = predicates.Name(rel.Predicate)
	rel.ObjectName = objects.Name(rel.Object)

	dim := m.Config.InputDim
	n := len(opt.images)
	imgs, err := imagex.LoadImages(opt.images)
	if err != nil {
		return err
	}
	images, err := imagex.Batch(imgs, dim, imagex.Preprocessing(opt.preprocess))
	if err != nil {
		return err
	}
	batch := &ssn.Batch{Images: images}
	for range imgs {
		batch.Subjects = append(batch.Subjects, rel.Subject)
		batch.Predicates = append(batch.Predicates, rel.Predicate)
		batch.Objects = append(batch.Objects, rel.Object)
	}
	logger.Infof("Localizing %v in %v images", rel, n)
	p, err := m.Predict(batch)
	if err != nil {
		return err
	}
	subjectMasks := weights.Flat(p.Subject)
	objectMasks := weights.Flat(p.Object)

	results := []*region.Localization{}
	for i, img := range imgs {
		subjectMask := subjectMasks[i*dim*dim : (i+1)*dim*dim]
		objectMask := objectMasks[i*dim*dim : (i+1)*dim*dim]
		result, err := region.Localize(rel, subjectMask, objectMask, dim, opt.threshold)
		if err != nil {
			return err
		}
		result.Image = opt.images[i]
		results = append(results, result)
		if opt.outPrefix != "" {
			if err := writeImages(img, subjectMask, objectMask, dim, opt.outPrefix, i, n); err != nil {
				return err
			}
		}
	}

	if opt.profile {
		for _, e := range m.Profile.Report() {
			logger.Infof("%-10v %4v x %v", e.Key, e.Samples, e.Average())
		}
	}

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(results)
}

func main() {
	parser := argparse.NewParser("ssn", "Localize the subject and object of a visual relationship")
	configFile := parser.String("c", "config", &argparse.Options{Help: "Model configuration file (.json or .yaml). Defaults are used if omitted", Required: false, Default: ""})
	weightSource := parser.String("w", "weights", &argparse.Options{Help: "Backbone weights: a directory, http(s):// URL, or gs://bucket/prefix", Required: false, Default: ""})
	cacheDir := parser.String("", "cache", &argparse.Options{Help: "Cache directory for remote weights", Required: false, Default: ""})
	cacheSize := parser.String("", "cachesize", &argparse.Options{Help: "Maximum size of the weights cache, eg '2 GB'", Required: false, Default: "2 GB"})
	digest := parser.String("", "digest", &argparse.Options{Help: "Expected BLAKE2b-256 digest of the backbone weights file", Required: false, Default: ""})
	random := parser.Flag("", "random", &argparse.Options{Help: "Use randomly initialized backbone weights", Default: false})

	summaryCmd := parser.NewCommand("summary", "Build the model and print its layers")

	localizeCmd := parser.NewCommand("localize", "Localize a relationship in an image")
	images := localizeCmd.StringList("i", "image", &argparse.Options{Help: "Input image. Repeat to localize in several images at once", Required: true})
	subject := localizeCmd.String("s", "subject", &argparse.Options{Help: "Subject category (name or id)", Required: true})
	predicate := localizeCmd.String("p", "predicate", &argparse.Options{Help: "Predicate (name or id)", Required: true})
	object := localizeCmd.String("o", "object", &argparse.Options{Help: "Object category (name or id)", Required: true})
	objectVocab := localizeCmd.String("", "objects", &argparse.Options{Help: "File of object category names, one per id", Required: false, Default: ""})
	predicateVocab := localizeCmd.String("", "predicates", &argparse.Options{Help: "File of predicate names, one per id", Required: false, Default: ""})
	threshold := localizeCmd.Float("t", "threshold", &argparse.Options{Help: "Mask threshold for region boxes", Required: false, Default: 0.5})
	preprocess := localizeCmd.Selector("", "preprocess", []string{string(imagex.PreprocessCaffe), string(imagex.PreprocessUnit), string(imagex.PreprocessNone)}, &argparse.Options{Help: "Image preprocessing expected by the backbone", Required: false, Default: string(imagex.PreprocessCaffe)})
	outPrefix := localizeCmd.String("", "out", &argparse.Options{Help: "Write <out>-subject.jpg, <out>-object.jpg and <out>-overlay.jpg", Required: false, Default: ""})
	profile := localizeCmd.Flag("", "profile", &argparse.Options{Help: "Print model timing", Default: false})

	initCmd := parser.NewCommand("init-weights", "Publish randomly initialized backbone weights to the weights source")
	seed := initCmd.Int("", "seed", &argparse.Options{Help: "Random seed", Required: false, Default: 1})

	err := parser.Parse(os.Args)
	if err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	logger, _ := logs.NewLog()

	wopt := &weightOptions{
		source:    *weightSource,
		cacheDir:  *cacheDir,
		cacheSize: *cacheSize,
		digest:    *digest,
		random:    *random,
	}

	switch {
	case summaryCmd.Happened():
		m, err := buildModel(logger, *configFile, wopt)
		check(err)
		check(m.Summary(os.Stdout))
	case localizeCmd.Happened():
		m, err := buildModel(logger, *configFile, wopt)
		check(err)
		check(localize(logger, m, &localizeOptions{
			images:         *images,
			subject:        *subject,
			predicate:      *predicate,
			object:         *object,
			objectVocab:    *objectVocab,
			predicateVocab: *predicateVocab,
			threshold:      float32(*threshold),
			preprocess:     *preprocess,
			outPrefix:      *outPrefix,
			profile:        *profile,
		}, os.Stdout))
	case initCmd.Happened():
		check(initWeights(logger, *configFile, wopt, *seed))
	}
}
