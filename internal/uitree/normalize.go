package uitree

import (
	"regexp"
	"strings"
)

// Structural budgets for untrusted trees. Exceeding a budget truncates the
// tree rather than rejecting it: the projection must always render something.
const (
	MaxDepth       = 12
	MaxNodes       = 300
	MaxTextRunes   = 8000
	MaxClassTokens = 8
)

// allowedTags is the element allow-list. Unknown tags coerce to div.
var allowedTags = map[string]bool{
	"div": true, "span": true, "p": true,
	"h1": true, "h2": true, "h3": true, "h4": true,
	"ul": true, "ol": true, "li": true,
	"b": true, "i": true, "em": true, "strong": true,
	"code": true, "pre": true,
	"button": true, "a": true,
	"br": true, "hr": true,
}

// voidTags render without children or a closing tag.
var voidTags = map[string]bool{"br": true, "hr": true}

var (
	classTokenRe = regexp.MustCompile(`^[A-Za-z0-9_-]{1,40}$`)
	actionIDRe   = regexp.MustCompile(`^(overlay|widget/[A-Za-z0-9_-]{1,64}):[A-Za-z0-9_-]{1,64}(-[0-9]+)?$`)
)

// budget is the shared resource counter threaded through the recursive walk.
// A single counter bounds the whole tree regardless of shape, so a wide
// shallow tree and a narrow deep one spend from the same pool.
type budget struct {
	nodes int
}

func (b *budget) take() bool {
	if b.nodes >= MaxNodes {
		return false
	}
	b.nodes++
	return true
}

// Normalize converts an arbitrary untrusted value (decoded JSON) into a
// bounded, allow-listed tree. Any input that fails to parse as a known kind
// collapses to an empty text node.
func Normalize(raw interface{}) Node {
	b := &budget{}
	node, ok := normalize(raw, 1, b)
	if !ok {
		return TextNode("")
	}
	return node
}

func normalize(raw interface{}, depth int, b *budget) (Node, bool) {
	if depth > MaxDepth || !b.take() {
		return Node{}, false
	}

	m, ok := raw.(map[string]interface{})
	if !ok {
		return Node{}, false
	}

	kind, _ := m["kind"].(string)
	switch NodeKind(kind) {
	case KindText:
		text, _ := m["text"].(string)
		return TextNode(text), true

	case KindElement:
		tag, _ := m["tag"].(string)
		tag = strings.ToLower(tag)
		if !allowedTags[tag] {
			tag = "div"
		}

		node := Node{Kind: KindElement, Tag: tag}

		if class, ok := m["className"].(string); ok {
			node.ClassName = cleanClassName(class)
		}
		if action, ok := m["actionId"].(string); ok && actionIDRe.MatchString(action) {
			node.ActionID = action
		}

		if voidTags[tag] {
			return node, true
		}

		children, _ := m["children"].([]interface{})
		for _, rawChild := range children {
			child, ok := normalize(rawChild, depth+1, b)
			if !ok {
				continue
			}
			node.Children = append(node.Children, child)
		}
		return node, true

	default:
		return Node{}, false
	}
}

// cleanClassName keeps at most MaxClassTokens well-formed class tokens.
func cleanClassName(raw string) string {
	var kept []string
	for _, token := range strings.Fields(raw) {
		if len(kept) >= MaxClassTokens {
			break
		}
		if classTokenRe.MatchString(token) {
			kept = append(kept, token)
		}
	}
	return strings.Join(kept, " ")
}

func clampText(text string) string {
	runes := []rune(text)
	if len(runes) > MaxTextRunes {
		return string(runes[:MaxTextRunes])
	}
	return text
}
