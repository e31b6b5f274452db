// Package vocab maps category and predicate names to the integer ids that the
// SSN embeds.
package vocab

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

var ErrUnknownName = errors.New("Unknown name")

// Vocabulary is an ordered list of names. The id of a name is its index.
type Vocabulary struct {
	Names []string
	ids   map[string]int
}

func New(names []string) (*Vocabulary, error) {
	v := &Vocabulary{
		Names: names,
		ids:   map[string]int{},
	}
	for i, n := range names {
		key := normalize(n)
		if _, exists := v.ids[key]; exists {
			return nil, fmt.Errorf("Duplicate name '%v' in vocabulary", n)
		}
		v.ids[key] = i
	}
	return v, nil
}

// Load reads a vocabulary from a .json or .yaml list of names, or from a text
// file with one name per line.
func Load(filename string) (*Vocabulary, error) {
	raw, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	var names []string
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".json":
		err = json.Unmarshal(raw, &names)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(raw, &names)
	default:
		scanner := bufio.NewScanner(bytes.NewReader(raw))
		for scanner.Scan() {
			if line := strings.TrimSpace(scanner.Text()); line != "" {
				names = append(names, line)
			}
		}
		err = scanner.Err()
	}
	if err != nil {
		return nil, fmt.Errorf("Failed to read vocabulary %v: %w", filename, err)
	}
	return New(names)
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func (v *Vocabulary) Len() int {
	return len(v.Names)
}

// Name returns the name of id, or "" if id is out of range
func (v *Vocabulary) Name(id int) string {
	if v == nil || id < 0 || id >= len(v.Names) {
		return ""
	}
	return v.Names[id]
}

// Lookup accepts either a name (case insensitive) or a decimal id.
// A nil vocabulary only accepts ids.
func (v *Vocabulary) Lookup(s string) (int, error) {
	if id, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
		if v != nil && (id < 0 || id >= len(v.Names)) {
			return 0, fmt.Errorf("%w: id %v is not in [0, %v)", ErrUnknownName, id, len(v.Names))
		}
		return id, nil
	}
	if v == nil {
		return 0, fmt.Errorf("%w: '%v' (no vocabulary loaded)", ErrUnknownName, s)
	}
	id, ok := v.ids[normalize(s)]
	if !ok {
		return 0, fmt.Errorf("%w: '%v'", ErrUnknownName, s)
	}
	return id, nil
}
