package service

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// LabelIndex maps a model output position to its class name.
type LabelIndex []string

// LoadLabelIndex reads a JSON object such as {"0": "Apple___Apple_scab"}.
func LoadLabelIndex(path string) (LabelIndex, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read label index: %v", ErrConfiguration, err)
	}
	return ParseLabelIndex(data)
}

// ParseLabelIndex requires the keys to be exactly 0..N-1.
func ParseLabelIndex(data []byte) (LabelIndex, error) {
	var raw map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: parse label index: %v", ErrConfiguration, err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: label index is empty", ErrConfiguration)
	}

	labels := make(LabelIndex, len(raw))
	for k, v := range raw {
		idx, err := strconv.Atoi(strings.TrimSpace(k))
		if err != nil {
			return nil, fmt.Errorf("%w: label index key %q is not an integer", ErrConfiguration, k)
		}
		if idx < 0 || idx >= len(raw) {
			return nil, fmt.Errorf("%w: label index key %d out of range [0,%d)", ErrConfiguration, idx, len(raw))
		}
		if labels[idx] != "" {
			return nil, fmt.Errorf("%w: duplicate label index key %d", ErrConfiguration, idx)
		}
		if strings.TrimSpace(v) == "" {
			return nil, fmt.Errorf("%w: empty label for index %d", ErrConfiguration, idx)
		}
		labels[idx] = v
	}
	return labels, nil
}

// Validate checks that every index the model can produce has a label.
func (l LabelIndex) Validate(numClasses int) error {
	if numClasses <= 0 {
		return fmt.Errorf("%w: model reports %d classes", ErrConfiguration, numClasses)
	}
	if len(l) != numClasses {
		return fmt.Errorf("%w: label index has %d entries, model outputs %d classes", ErrConfiguration, len(l), numClasses)
	}
	for i, s := range l {
		if s == "" {
			return fmt.Errorf("%w: missing label for index %d", ErrConfiguration, i)
		}
	}
	return nil
}

// Label never fails; unknown positions are named class_<i>.
func (l LabelIndex) Label(i int) string {
	if i >= 0 && i < len(l) && l[i] != "" {
		return l[i]
	}
	return fmt.Sprintf("class_%d", i)
}
