package uitree

// NodeKind discriminates the two node shapes
type NodeKind string

const (
	KindText    NodeKind = "text"
	KindElement NodeKind = "element"
)

// Node is one sanitized UI tree node. Text nodes carry only Text; element
// nodes carry Tag plus optional ClassName, ActionID and Children. Trees are
// rebuilt on every show/upsert call and never mutated in place.
type Node struct {
	Kind      NodeKind `json:"kind"`
	Text      string   `json:"text,omitempty"`
	Tag       string   `json:"tag,omitempty"`
	ClassName string   `json:"className,omitempty"`
	ActionID  string   `json:"actionId,omitempty"`
	Children  []Node   `json:"children,omitempty"`
}

// TextNode builds a sanitized text node, truncating oversized input.
func TextNode(text string) Node {
	return Node{Kind: KindText, Text: clampText(text)}
}

// CollectActionIDs returns every action id present in the tree in
// depth-first order. The host uses this to know which ids are live for a
// surface after a render.
func CollectActionIDs(node Node) []string {
	var out []string
	collectActionIDs(node, &out)
	return out
}

func collectActionIDs(node Node, out *[]string) {
	if node.ActionID != "" {
		*out = append(*out, node.ActionID)
	}
	for _, child := range node.Children {
		collectActionIDs(child, out)
	}
}
