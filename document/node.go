// Package document binds a directive node tree to live queries and call
// actions. The tree comes from an external directive compiler as JSON or
// YAML; this package never tokenizes document text itself.
package document

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/c360/hypernote/errors"
)

// NodeKind discriminates document nodes
type NodeKind string

// Node kinds produced by the directive compiler
const (
	KindText      NodeKind = "text"
	KindHeading   NodeKind = "heading"
	KindParagraph NodeKind = "paragraph"
	KindLink      NodeKind = "link"
	KindQuery     NodeKind = "query-directive"
	KindAction    NodeKind = "action-directive"
)

// Node is one element of the tree. Value is set on text nodes, Level on
// headings, URL on links, Attributes on the two directive kinds.
type Node struct {
	Kind       NodeKind          `json:"kind" yaml:"kind"`
	Value      string            `json:"value,omitempty" yaml:"value,omitempty"`
	Level      int               `json:"level,omitempty" yaml:"level,omitempty"`
	URL        string            `json:"url,omitempty" yaml:"url,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty" yaml:"attributes,omitempty"`
	Children   []*Node           `json:"children,omitempty" yaml:"children,omitempty"`
}

// Text returns the concatenated text of n and its descendants
func (n *Node) Text() string {
	if n == nil {
		return ""
	}
	if n.Kind == KindText {
		return n.Value
	}
	var b strings.Builder
	for _, child := range n.Children {
		b.WriteString(child.Text())
	}
	return b.String()
}

// Attr returns an attribute value, "" when absent
func (n *Node) Attr(key string) string {
	return n.Attributes[key]
}

// Parse decodes a node tree. data is either a list of nodes or a single
// node, in YAML or JSON. Attribute scalars of any type decode as strings.
func Parse(data []byte) ([]*Node, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidNode, err), "document", "Parse", "decode tree")
	}
	if root.Kind == 0 || len(root.Content) == 0 {
		return nil, nil
	}

	doc := root.Content[0]
	var nodes []*Node
	switch doc.Kind {
	case yaml.SequenceNode:
		if err := doc.Decode(&nodes); err != nil {
			return nil, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidNode, err), "document", "Parse", "decode nodes")
		}
	case yaml.MappingNode:
		var n Node
		if err := doc.Decode(&n); err != nil {
			return nil, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidNode, err), "document", "Parse", "decode node")
		}
		nodes = []*Node{&n}
	default:
		return nil, errors.WrapInvalid(fmt.Errorf("%w: expected a node or a list of nodes", errors.ErrInvalidNode),
			"document", "Parse", "decode tree")
	}

	for _, n := range nodes {
		if err := validate(n); err != nil {
			return nil, err
		}
	}
	return nodes, nil
}

func validate(n *Node) error {
	if n == nil {
		return errors.WrapInvalid(fmt.Errorf("%w: null node", errors.ErrInvalidNode), "document", "validate", "check node")
	}
	switch n.Kind {
	case KindText, KindHeading, KindParagraph, KindLink, KindQuery, KindAction:
	default:
		return errors.WrapInvalid(fmt.Errorf("%w: unknown kind %q", errors.ErrInvalidNode, n.Kind),
			"document", "validate", "check kind")
	}
	if (n.Kind == KindQuery || n.Kind == KindAction) && n.Attributes == nil {
		n.Attributes = map[string]string{}
	}
	for _, child := range n.Children {
		if err := validate(child); err != nil {
			return err
		}
	}
	return nil
}

// Walk visits n and its descendants depth first. Returning false from fn
// skips the node's children.
func Walk(nodes []*Node, fn func(n *Node) bool) {
	for _, n := range nodes {
		if n == nil {
			continue
		}
		if fn(n) {
			Walk(n.Children, fn)
		}
	}
}
