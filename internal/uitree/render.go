package uitree

import (
	"html"
	"strings"
)

// RenderHTML materializes a sanitized tree as an escaped HTML fragment.
// Every text and attribute value passes through html.EscapeString; the
// builder never interpolates raw input. Interactive nodes carry a
// data-action-id attribute; non-button interactive tags additionally get
// role="button" and tabindex="0" so UI clients can wire Enter/Space
// activation alongside click.
func RenderHTML(node Node) string {
	var sb strings.Builder
	renderNode(&sb, node)
	return sb.String()
}

func renderNode(sb *strings.Builder, node Node) {
	if node.Kind == KindText {
		sb.WriteString(html.EscapeString(node.Text))
		return
	}
	if node.Kind != KindElement || node.Tag == "" {
		return
	}

	sb.WriteByte('<')
	sb.WriteString(node.Tag)
	if node.ClassName != "" {
		sb.WriteString(` class="`)
		sb.WriteString(html.EscapeString(node.ClassName))
		sb.WriteByte('"')
	}
	if node.ActionID != "" {
		sb.WriteString(` data-action-id="`)
		sb.WriteString(html.EscapeString(node.ActionID))
		sb.WriteByte('"')
		if node.Tag != "button" {
			sb.WriteString(` role="button" tabindex="0"`)
		}
	}
	sb.WriteByte('>')

	if voidTags[node.Tag] {
		return
	}

	for _, child := range node.Children {
		renderNode(sb, child)
	}

	sb.WriteString("</")
	sb.WriteString(node.Tag)
	sb.WriteByte('>')
}
