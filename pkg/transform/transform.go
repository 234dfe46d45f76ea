// Package transform provides reversible byte transformations applied to file
// content on its way into a target tree.
package transform

import "fmt"

// Transformer converts content on the way into a target and back.
// Implementations must be safe for concurrent use.
type Transformer interface {
	Name() string
	Transform(data []byte) ([]byte, error)
	InverseTransform(data []byte) ([]byte, error)
}

// Chain applies transformers in order; InverseTransform undoes them in reverse.
type Chain []Transformer

func (c Chain) Name() string {
	name := ""
	for i, t := range c {
		if i > 0 {
			name += "+"
		}
		name += t.Name()
	}
	return name
}

func (c Chain) Transform(data []byte) ([]byte, error) {
	var err error
	for _, t := range c {
		if data, err = t.Transform(data); err != nil {
			return nil, fmt.Errorf("%s: %w", t.Name(), err)
		}
	}
	return data, nil
}

func (c Chain) InverseTransform(data []byte) ([]byte, error) {
	var err error
	for i := len(c) - 1; i >= 0; i-- {
		if data, err = c[i].InverseTransform(data); err != nil {
			return nil, fmt.Errorf("%s: %w", c[i].Name(), err)
		}
	}
	return data, nil
}
