// Package region turns the per-pixel masks that the SSN produces into boxes and
// summary numbers that a person can read.
package region

import (
	"fmt"

	"github.com/cyclopcam/ssn/pkg/stats"
)

// Region is the part of a mask whose values are at or above a threshold
type Region struct {
	Box       Rect          `json:"box"`       // Bounding box of all pixels >= threshold. Empty if there are none.
	Peak      Point         `json:"peak"`      // Location of the highest value
	PeakValue float32       `json:"peakValue"` // The highest value
	Coverage  float32       `json:"coverage"`  // Fraction of pixels >= threshold
	Mask      stats.Summary `json:"mask"`      // Distribution of all mask values
}

// FromMask finds the region of a width x height mask, stored row by row
func FromMask(mask []float32, width, height int, threshold float32) (Region, error) {
	if width <= 0 || height <= 0 || len(mask) != width*height {
		return Region{}, fmt.Errorf("Mask of %v values is not %v x %v", len(mask), width, height)
	}
	r := Region{
		Mask: stats.Summarize(mask),
	}
	r.PeakValue = float32(r.Mask.Max)
	r.Peak = Point{X: r.Mask.ArgMax % width, Y: r.Mask.ArgMax / width}

	minX, minY := width, height
	maxX, maxY := -1, -1
	n := 0
	for y := 0; y < height; y++ {
		row := mask[y*width : (y+1)*width]
		for x, v := range row {
			if v < threshold {
				continue
			}
			n++
			minX = min(minX, x)
			maxX = max(maxX, x)
			minY = min(minY, y)
			maxY = max(maxY, y)
		}
	}
	if n != 0 {
		r.Box = Rect{X: minX, Y: minY, Width: maxX - minX + 1, Height: maxY - minY + 1}
	}
	r.Coverage = float32(n) / float32(len(mask))
	return r, nil
}
