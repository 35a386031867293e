package document

import (
	"strings"
)

// Render writes the tree as plain text, interpolating references against
// the current query records. A query whose record has not arrived renders
// as a loading line.
func (d *Document) Render() string {
	var b strings.Builder
	for _, n := range d.nodes {
		d.render(&b, n)
	}
	return strings.TrimRight(b.String(), "\n") + "\n"
}

func (d *Document) render(b *strings.Builder, n *Node) {
	engine := d.binder.engine

	switch n.Kind {
	case KindText:
		b.WriteString(engine.Text(n.Value))

	case KindHeading:
		level := min(max(n.Level, 1), 6)
		b.WriteString(strings.Repeat("#", level))
		b.WriteByte(' ')
		d.renderChildren(b, n)
		b.WriteString("\n\n")

	case KindParagraph:
		d.renderChildren(b, n)
		b.WriteString("\n\n")

	case KindLink:
		b.WriteByte('[')
		d.renderChildren(b, n)
		url := n.URL
		if url == "" {
			url = "#"
		}
		b.WriteString("](" + url + ")")

	case KindQuery:
		id := strings.TrimPrefix(n.Attr("id"), "#")
		if _, ok := d.binder.store.QueryResult(id); !ok {
			b.WriteString("Loading query " + id + "...\n\n")
			return
		}
		d.renderChildren(b, n)

	case KindAction:
		b.WriteString("[ ")
		label := n.Text()
		if label == "" {
			label = "Button"
		}
		b.WriteString(engine.Text(label))
		b.WriteString(" ]")
	}
}

func (d *Document) renderChildren(b *strings.Builder, n *Node) {
	for _, child := range n.Children {
		d.render(b, child)
	}
}
