// Package kibi formats and parses byte sizes in 1024 based units
package kibi

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

var ErrInvalidByteSize = errors.New("Invalid byte size")

type unit struct {
	name  string
	size  int64
	alias []string
}

// Largest first
var units = []unit{
	{"PB", 1 << 50, []string{"p", "pb", "pib"}},
	{"TB", 1 << 40, []string{"t", "tb", "tib"}},
	{"GB", 1 << 30, []string{"g", "gb", "gib"}},
	{"MB", 1 << 20, []string{"m", "mb", "mib"}},
	{"KB", 1 << 10, []string{"k", "kb", "kib"}},
}

var sizeRegex = regexp.MustCompile(`^(\d+(?:\.\d+)?)\s*([a-z]*)$`)

// FormatBytes uses the largest unit that b fills at least once, with at most one
// decimal, eg "512 bytes", "1.5 KB", "35 MB".
func FormatBytes(b int64) string {
	for _, u := range units {
		if b >= u.size {
			v := math.Round(float64(b)/float64(u.size)*10) / 10
			return strconv.FormatFloat(v, 'f', -1, 64) + " " + u.name
		}
	}
	return fmt.Sprintf("%v bytes", b)
}

// ParseBytes reads sizes like "2 GB", "1.5g", "512 KiB" or "4096".
// Units are case insensitive. Fractions need a unit, and are rounded to the nearest byte.
func ParseBytes(v string) (int64, error) {
	m := sizeRegex.FindStringSubmatch(strings.ToLower(strings.TrimSpace(v)))
	if m == nil {
		return 0, fmt.Errorf("%w '%v'", ErrInvalidByteSize, v)
	}
	number, suffix := m[1], m[2]
	size := int64(0)
	switch suffix {
	case "", "b", "bytes":
		size = 1
	default:
		for _, u := range units {
			for _, a := range u.alias {
				if suffix == a {
					size = u.size
				}
			}
		}
	}
	if size == 0 {
		return 0, fmt.Errorf("%w '%v': unknown unit '%v'", ErrInvalidByteSize, v, suffix)
	}
	if size == 1 {
		n, err := strconv.ParseInt(number, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w '%v': %w", ErrInvalidByteSize, v, err)
		}
		return n, nil
	}
	f, err := strconv.ParseFloat(number, 64)
	if err != nil {
		return 0, fmt.Errorf("%w '%v': %w", ErrInvalidByteSize, v, err)
	}
	total := math.Round(f * float64(size))
	if total >= math.MaxInt64 {
		return 0, fmt.Errorf("%w '%v': too large", ErrInvalidByteSize, v)
	}
	return int64(total), nil
}
