// Package imagex converts between cimg images and the tensors that the SSN
// consumes and produces.
package imagex

import (
	"fmt"
	"runtime"

	"github.com/bmharper/cimg/v2"
	"github.com/gomlx/gomlx/types/tensors"
	"golang.org/x/sync/errgroup"
)

type Preprocessing string

const (
	// Keras 'caffe' mode, used by the ImageNet ResNet50 weights: RGB -> BGR, then
	// subtract the ImageNet channel means. No scaling.
	PreprocessCaffe Preprocessing = "caffe"
	// Scale to [0, 1]
	PreprocessUnit Preprocessing = "unit"
	// Raw 0..255 values
	PreprocessNone Preprocessing = "none"
)

// ImageNet means in BGR order
var caffeMeans = [3]float32{103.939, 116.779, 123.68}

// Resize returns img as a dim x dim RGB image. Aspect ratio is not preserved.
func Resize(img *cimg.Image, dim int) *cimg.Image {
	rgb := img.ToRGB()
	if rgb.Width == dim && rgb.Height == dim {
		return rgb
	}
	return cimg.ResizeNew(rgb, dim, dim, nil)
}

// writePixels writes the resized image into dst, which holds dim*dim*3 floats
func writePixels(img *cimg.Image, dst []float32, dim int, pre Preprocessing) {
	rgb := Resize(img, dim)
	for y := 0; y < dim; y++ {
		src := rgb.Pixels[y*rgb.Stride : y*rgb.Stride+dim*3]
		row := dst[y*dim*3 : (y+1)*dim*3]
		for x := 0; x < dim; x++ {
			r, g, b := float32(src[x*3]), float32(src[x*3+1]), float32(src[x*3+2])
			switch pre {
			case PreprocessCaffe:
				row[x*3] = b - caffeMeans[0]
				row[x*3+1] = g - caffeMeans[1]
				row[x*3+2] = r - caffeMeans[2]
			case PreprocessUnit:
				row[x*3] = r / 255
				row[x*3+1] = g / 255
				row[x*3+2] = b / 255
			default:
				row[x*3] = r
				row[x*3+1] = g
				row[x*3+2] = b
			}
		}
	}
}

// Batch resizes and preprocesses images into one float32 tensor [N, dim, dim, 3]
func Batch(images []*cimg.Image, dim int, pre Preprocessing) (*tensors.Tensor, error) {
	if len(images) == 0 || dim <= 0 {
		return nil, fmt.Errorf("Cannot make a batch of %v images at %v x %v", len(images), dim, dim)
	}
	example := dim * dim * 3
	data := make([]float32, len(images)*example)
	for i, img := range images {
		writePixels(img, data[i*example:(i+1)*example], dim, pre)
	}
	return tensors.FromFlatDataAndDimensions(data, len(images), dim, dim, 3), nil
}

// LoadImages decodes image files concurrently. The result is in the order of filenames.
func LoadImages(filenames []string) ([]*cimg.Image, error) {
	images := make([]*cimg.Image, len(filenames))
	var group errgroup.Group
	group.SetLimit(runtime.NumCPU())
	for i, fn := range filenames {
		group.Go(func() error {
			img, err := cimg.ReadFile(fn)
			if err != nil {
				return fmt.Errorf("Failed to read %v: %w", fn, err)
			}
			images[i] = img
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return images, nil
}

func toByte(v float32) byte {
	return byte(min(max(v*255+0.5, 0), 255))
}

// MaskToImage renders a dim x dim mask with values in [0,1] as a grayscale RGB image
func MaskToImage(mask []float32, dim int) (*cimg.Image, error) {
	if len(mask) != dim*dim {
		return nil, fmt.Errorf("Mask of %v values is not %v x %v", len(mask), dim, dim)
	}
	img := cimg.NewImage(dim, dim, cimg.PixelFormatRGB)
	for y := 0; y < dim; y++ {
		row := img.Pixels[y*img.Stride:]
		for x := 0; x < dim; x++ {
			v := toByte(mask[y*dim+x])
			row[x*3], row[x*3+1], row[x*3+2] = v, v, v
		}
	}
	return img, nil
}

// Overlay tints the resized image red where the subject mask is high, and blue
// where the object mask is high.
func Overlay(img *cimg.Image, subject, object []float32, dim int) (*cimg.Image, error) {
	if len(subject) != dim*dim || len(object) != dim*dim {
		return nil, fmt.Errorf("Masks do not match %v x %v", dim, dim)
	}
	src := Resize(img, dim)
	out := cimg.NewImage(dim, dim, cimg.PixelFormatRGB)
	for y := 0; y < dim; y++ {
		in := src.Pixels[y*src.Stride:]
		row := out.Pixels[y*out.Stride:]
		for x := 0; x < dim; x++ {
			s, o := subject[y*dim+x], object[y*dim+x]
			r, g, b := float32(in[x*3])/255, float32(in[x*3+1])/255, float32(in[x*3+2])/255
			row[x*3] = toByte(r*(1-s) + s)
			row[x*3+1] = toByte(g * (1 - max(s, o)))
			row[x*3+2] = toByte(b*(1-o) + o)
		}
	}
	return out, nil
}

// WriteJPEG saves img at the given quality
func WriteJPEG(img *cimg.Image, filename string, quality int) error {
	return img.WriteJPEG(filename, cimg.MakeCompressParams(cimg.Sampling444, quality, 0), 0644)
}
