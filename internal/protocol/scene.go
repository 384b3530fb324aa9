package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
)

// NodeType is the scene graph node kind. Only Hook and Grabbable matter to
// the hub; the rest are carried through opaquely.
type NodeType int

const (
	NodeContainer NodeType = iota
	NodeOrigin
	NodeTransform
	NodeModel
	NodePanel
	NodePoker
	NodeGrabbable
	NodeHandle
	NodeGrabber
	NodeHook
	NodeLine
)

// Node is the subset of a scene graph node the hub indexes
type Node struct {
	Type           NodeType `json:"type"`
	ID             int      `json:"id"`
	PersistentName string   `json:"persistentName,omitempty"`
	Children       []*Node  `json:"children,omitempty"`
}

// ParseNode decodes the indexed subset of a raw scene graph. A null or
// empty root yields nil.
func ParseNode(raw json.RawMessage) (*Node, error) {
	if IsNullJSON(raw) {
		return nil, nil
	}
	var node Node
	if err := json.Unmarshal(raw, &node); err != nil {
		return nil, fmt.Errorf("failed to decode scene graph: %w", err)
	}
	return &node, nil
}

// IsNullJSON reports whether raw is absent or the JSON literal null
func IsNullJSON(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// HookRef is a gadget's hook attachment: either a literal hook path that has
// not been resolved yet, or the address of the hook node it resolved to.
type HookRef struct {
	Path string
	Addr *EndpointAddr
}

// IsResolved reports whether the hook points at a live node address
func (h *HookRef) IsResolved() bool {
	return h != nil && h.Addr != nil
}

func (h *HookRef) IsZero() bool {
	return h == nil || (h.Addr == nil && h.Path == "")
}

func (h *HookRef) String() string {
	switch {
	case h.IsZero():
		return "<none>"
	case h.Addr != nil:
		return h.Addr.String()
	default:
		return h.Path
	}
}

func (h HookRef) MarshalJSON() ([]byte, error) {
	if h.Addr != nil {
		return json.Marshal(h.Addr)
	}
	if h.Path != "" {
		return json.Marshal(h.Path)
	}
	return []byte("null"), nil
}

func (h *HookRef) UnmarshalJSON(data []byte) error {
	*h = HookRef{}
	if IsNullJSON(data) {
		return nil
	}
	trimmed := bytes.TrimSpace(data)
	if trimmed[0] == '"' {
		return json.Unmarshal(trimmed, &h.Path)
	}
	var addr EndpointAddr
	if err := json.Unmarshal(trimmed, &addr); err != nil {
		return err
	}
	h.Addr = &addr
	return nil
}

// HookPath identifies a hook by its owning gadget's persistence UUID and the
// hook's persistent name.
type HookPath struct {
	GadgetUUID     string
	PersistentName string
}

var hookPathPattern = regexp.MustCompile(`^/gadget/(.*)/(.*)$`)

// ParseHookPath decodes "/gadget/<uuid>/<persistentName>". The second return
// value is false for strings that are not gadget hook paths.
func ParseHookPath(path string) (HookPath, bool) {
	match := hookPathPattern.FindStringSubmatch(path)
	if match == nil {
		return HookPath{}, false
	}
	return HookPath{GadgetUUID: match[1], PersistentName: match[2]}, true
}

func (p HookPath) String() string {
	return "/gadget/" + p.GadgetUUID + "/" + p.PersistentName
}
