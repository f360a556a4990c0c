// Package persist stores tuner state as a hierarchical tree of labelled nodes
// with string attributes, encoded as YAML.
package persist

import (
	"errors"
	"fmt"
	"io"
	"strconv"

	"gopkg.in/yaml.v3"
)

// ErrMalformedDocument is returned for documents that cannot be decoded or read back.
var ErrMalformedDocument = errors.New("malformed document")

// Node is one element of a document tree
type Node struct {
	Label      string            `yaml:"label"`
	Attributes map[string]string `yaml:"attributes,omitempty"`
	Children   []*Node           `yaml:"children,omitempty"`
}

// NewDocument returns an empty root node
func NewDocument(label string) *Node {
	return &Node{Label: label}
}

// CreateChild appends and returns a new child node
func (n *Node) CreateChild(label string) *Node {
	child := &Node{Label: label}
	n.Children = append(n.Children, child)
	return child
}

// Child returns the first child with the label, nil if absent
func (n *Node) Child(label string) *Node {
	for _, c := range n.Children {
		if c.Label == label {
			return c
		}
	}
	return nil
}

// ChildrenNamed returns every child with the label, in document order
func (n *Node) ChildrenNamed(label string) []*Node {
	var out []*Node
	for _, c := range n.Children {
		if c.Label == label {
			out = append(out, c)
		}
	}
	return out
}

// Has reports whether the attribute is present
func (n *Node) Has(key string) bool {
	_, ok := n.Attributes[key]
	return ok
}

// SetString stores a string attribute
func (n *Node) SetString(key, value string) {
	if n.Attributes == nil {
		n.Attributes = make(map[string]string)
	}
	n.Attributes[key] = value
}

// SetFloat stores a float attribute with full precision; NaN and infinities round-trip.
func (n *Node) SetFloat(key string, value float64) {
	n.SetString(key, strconv.FormatFloat(value, 'g', -1, 64))
}

// SetBool stores a boolean attribute
func (n *Node) SetBool(key string, value bool) {
	n.SetString(key, strconv.FormatBool(value))
}

// SetInt stores an integer attribute
func (n *Node) SetInt(key string, value int) {
	n.SetString(key, strconv.Itoa(value))
}

// Attr returns the attribute value, "" when absent
func (n *Node) Attr(key string) string {
	return n.Attributes[key]
}

// Float parses a float attribute
func (n *Node) Float(key string) (float64, error) {
	raw, ok := n.Attributes[key]
	if !ok {
		return 0, fmt.Errorf("%w: %s: missing attribute %q", ErrMalformedDocument, n.Label, key)
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s.%s: %v", ErrMalformedDocument, n.Label, key, err)
	}
	return v, nil
}

// Bool parses a boolean attribute
func (n *Node) Bool(key string) (bool, error) {
	raw, ok := n.Attributes[key]
	if !ok {
		return false, fmt.Errorf("%w: %s: missing attribute %q", ErrMalformedDocument, n.Label, key)
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%w: %s.%s: %v", ErrMalformedDocument, n.Label, key, err)
	}
	return v, nil
}

// Int parses an integer attribute
func (n *Node) Int(key string) (int, error) {
	raw, ok := n.Attributes[key]
	if !ok {
		return 0, fmt.Errorf("%w: %s: missing attribute %q", ErrMalformedDocument, n.Label, key)
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s.%s: %v", ErrMalformedDocument, n.Label, key, err)
	}
	return v, nil
}

// Encode writes the tree as YAML
func Encode(w io.Writer, root *Node) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(root); err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	return enc.Close()
}

// Decode reads a tree written by Encode
func Decode(r io.Reader) (*Node, error) {
	var root Node
	if err := yaml.NewDecoder(r).Decode(&root); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedDocument, err)
	}
	if root.Label == "" {
		return nil, fmt.Errorf("%w: root node has no label", ErrMalformedDocument)
	}
	return &root, nil
}
