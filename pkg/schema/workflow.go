package schema

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
)

// NodeKind enumerates the kinds of nodes on the canvas. The wire values
// match the version-1 workflow file format, including the legacy
// "nanoBanana" discriminator for image generation nodes.
type NodeKind string

const (
	NodeKindImageInput    NodeKind = "imageInput"
	NodeKindAnnotation    NodeKind = "annotation"
	NodeKindPrompt        NodeKind = "prompt"
	NodeKindImageGenerate NodeKind = "nanoBanana"
	NodeKindLLMGenerate   NodeKind = "llmGenerate"
	NodeKindOutput        NodeKind = "output"
)

// PortKind identifies a connection handle. An empty handle on a legacy
// edge is image-compatible.
type PortKind string

const (
	PortImage PortKind = "image"
	PortText  PortKind = "text"
)

// ImageCompatible reports whether the handle accepts image payloads.
func (p PortKind) ImageCompatible() bool {
	return p == PortImage || p == ""
}

// Matches reports whether two handles may be connected.
func (p PortKind) Matches(other PortKind) bool {
	if p.ImageCompatible() && other.ImageCompatible() {
		return true
	}
	return p == other
}

// ProviderType identifies an image/video generation provider.
type ProviderType string

const (
	ProviderGemini    ProviderType = "gemini"
	ProviderReplicate ProviderType = "replicate"
	ProviderFal       ProviderType = "fal"
)

// LLMProvider identifies a text generation provider.
type LLMProvider string

const (
	LLMProviderGoogle LLMProvider = "google"
	LLMProviderOpenAI LLMProvider = "openai"
)

// Position is a node's canvas position.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Size is a node's rendered dimensions.
type Size struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// SelectedModel pins an image generation node to a specific provider model.
type SelectedModel struct {
	Provider    ProviderType `json:"provider"`
	ModelID     string       `json:"modelId"`
	DisplayName string       `json:"displayName"`
}

// NodeData is the tagged union of per-kind node payloads. Exactly one
// concrete variant backs each node, keyed by the node's kind.
type NodeData interface {
	Kind() NodeKind
}

// ImageInputData holds a user-supplied source image.
type ImageInputData struct {
	Image      string `json:"image"`
	Filename   string `json:"filename"`
	Dimensions *Size  `json:"dimensions"`
}

func (*ImageInputData) Kind() NodeKind { return NodeKindImageInput }

// AnnotationData holds an image with overlay annotations. The overlay
// shapes are opaque to the engine; burn-in happens in the editor.
type AnnotationData struct {
	SourceImage string            `json:"sourceImage"`
	Annotations []json.RawMessage `json:"annotations"`
	OutputImage string            `json:"outputImage"`
}

func (*AnnotationData) Kind() NodeKind { return NodeKindAnnotation }

// PromptData holds user-authored prompt text.
type PromptData struct {
	Prompt string `json:"prompt"`
}

func (*PromptData) Kind() NodeKind { return NodeKindPrompt }

// ImageGenerateData holds the inputs, configuration, and output of an
// image/video generation node. InputImages and InputPrompt freeze the
// inputs of the last execution so a node can regenerate even after
// upstream nodes change.
type ImageGenerateData struct {
	InputImages     []string          `json:"inputImages"`
	InputPrompt     string            `json:"inputPrompt"`
	OutputImage     string            `json:"outputImage"`
	Model           string            `json:"model"`
	AspectRatio     string            `json:"aspectRatio"`
	Resolution      string            `json:"resolution"`
	UseGoogleSearch bool              `json:"useGoogleSearch"`
	SelectedModel   *SelectedModel    `json:"selectedModel,omitempty"`
	Parameters      map[string]any    `json:"parameters,omitempty"`
	DynamicInputs   map[string]string `json:"dynamicInputs,omitempty"`
	Status          NodeStatus        `json:"status"`
	Error           string            `json:"error"`
}

func (*ImageGenerateData) Kind() NodeKind { return NodeKindImageGenerate }

// LLMGenerateData holds the inputs, configuration, and output of a text
// generation node.
type LLMGenerateData struct {
	InputPrompt string      `json:"inputPrompt"`
	OutputText  string      `json:"outputText"`
	Provider    LLMProvider `json:"provider"`
	Model       string      `json:"model"`
	Temperature float64     `json:"temperature"`
	MaxTokens   int         `json:"maxTokens"`
	Status      NodeStatus  `json:"status"`
	Error       string      `json:"error"`
}

func (*LLMGenerateData) Kind() NodeKind { return NodeKindLLMGenerate }

// OutputData is a pure sink holding the final image of a branch.
type OutputData struct {
	Image string `json:"image"`
}

func (*OutputData) Kind() NodeKind { return NodeKindOutput }

// DefaultNodeData returns the initial payload for a freshly created node.
func DefaultNodeData(kind NodeKind) NodeData {
	switch kind {
	case NodeKindImageInput:
		return &ImageInputData{}
	case NodeKindAnnotation:
		return &AnnotationData{Annotations: []json.RawMessage{}}
	case NodeKindPrompt:
		return &PromptData{}
	case NodeKindImageGenerate:
		return &ImageGenerateData{
			InputImages: []string{},
			Model:       "nano-banana-pro",
			AspectRatio: "1:1",
			Resolution:  "1K",
			Status:      NodeStatusIdle,
		}
	case NodeKindLLMGenerate:
		return &LLMGenerateData{
			Provider:    LLMProviderGoogle,
			Model:       "gemini-2.5-flash",
			Temperature: 0.7,
			MaxTokens:   1024,
			Status:      NodeStatusIdle,
		}
	case NodeKindOutput:
		return &OutputData{}
	default:
		return nil
	}
}

// Node is a single typed node on the canvas.
type Node struct {
	ID       string
	Kind     NodeKind
	Position Position
	Size     *Size
	Data     NodeData
}

// nodeEnvelope is the wire representation of a Node.
type nodeEnvelope struct {
	ID       string          `json:"id"`
	Type     NodeKind        `json:"type"`
	Position Position        `json:"position"`
	Style    *Size           `json:"style,omitempty"`
	Data     json.RawMessage `json:"data"`
}

func (n *Node) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(n.Data)
	if err != nil {
		return nil, fmt.Errorf("marshal node %s data: %w", n.ID, err)
	}
	return json.Marshal(nodeEnvelope{
		ID:       n.ID,
		Type:     n.Kind,
		Position: n.Position,
		Style:    n.Size,
		Data:     data,
	})
}

func (n *Node) UnmarshalJSON(raw []byte) error {
	var env nodeEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return err
	}
	data := DefaultNodeData(env.Type)
	if data == nil {
		return NewErrorf(ErrCodeValidation, "node %s has unknown kind: %s", env.ID, env.Type)
	}
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, data); err != nil {
			return fmt.Errorf("unmarshal node %s data: %w", env.ID, err)
		}
	}
	n.ID = env.ID
	n.Kind = env.Type
	n.Position = env.Position
	n.Size = env.Style
	n.Data = data
	return nil
}

// Edge connects a source handle to a target handle. Pause marks the edge
// as an execution breakpoint.
type Edge struct {
	ID           string
	Source       string
	SourceHandle PortKind
	Target       string
	TargetHandle PortKind
	Pause        bool
}

// edgeEnvelope is the wire representation of an Edge. The pause flag
// lives under data.hasPause in the version-1 format.
type edgeEnvelope struct {
	ID           string    `json:"id"`
	Source       string    `json:"source"`
	SourceHandle PortKind  `json:"sourceHandle,omitempty"`
	Target       string    `json:"target"`
	TargetHandle PortKind  `json:"targetHandle,omitempty"`
	Data         *edgeData `json:"data,omitempty"`
}

type edgeData struct {
	HasPause bool `json:"hasPause"`
}

func (e *Edge) MarshalJSON() ([]byte, error) {
	env := edgeEnvelope{
		ID:           e.ID,
		Source:       e.Source,
		SourceHandle: e.SourceHandle,
		Target:       e.Target,
		TargetHandle: e.TargetHandle,
	}
	if e.Pause {
		env.Data = &edgeData{HasPause: true}
	}
	return json.Marshal(env)
}

func (e *Edge) UnmarshalJSON(raw []byte) error {
	var env edgeEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return err
	}
	e.ID = env.ID
	e.Source = env.Source
	e.SourceHandle = env.SourceHandle
	e.Target = env.Target
	e.TargetHandle = env.TargetHandle
	e.Pause = env.Data != nil && env.Data.HasPause
	return nil
}

// Graph owns the full node and edge sets of one workflow document.
// It is mutated through its methods by the editor surface, and its node
// data is mutated by the engine during a run.
type Graph struct {
	Nodes []*Node `json:"nodes"`
	Edges []*Edge `json:"edges"`

	nextID int
}

// NewGraph creates an empty graph.
func NewGraph() *Graph {
	return &Graph{}
}

// NodeByID returns the node with the given ID, or nil.
func (g *Graph) NodeByID(id string) *Node {
	for _, n := range g.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}

// EdgeByID returns the edge with the given ID, or nil.
func (g *Graph) EdgeByID(id string) *Edge {
	for _, e := range g.Edges {
		if e.ID == id {
			return e
		}
	}
	return nil
}

// IncomingEdges returns all edges targeting the given node, in insertion
// order. Insertion order is load-bearing: it determines input aggregation
// order in the resolver.
func (g *Graph) IncomingEdges(nodeID string) []*Edge {
	var in []*Edge
	for _, e := range g.Edges {
		if e.Target == nodeID {
			in = append(in, e)
		}
	}
	return in
}

// AddNode creates a node of the given kind with default data at the
// given position and returns it.
func (g *Graph) AddNode(kind NodeKind, pos Position) (*Node, error) {
	data := DefaultNodeData(kind)
	if data == nil {
		return nil, NewErrorf(ErrCodeValidation, "unknown node kind: %s", kind)
	}
	g.nextID++
	n := &Node{
		ID:       fmt.Sprintf("%s-%d", kind, g.nextID),
		Kind:     kind,
		Position: pos,
		Data:     data,
	}
	g.Nodes = append(g.Nodes, n)
	return n, nil
}

// RemoveNode deletes a node and cascades removal of every edge touching it.
func (g *Graph) RemoveNode(id string) bool {
	idx := -1
	for i, n := range g.Nodes {
		if n.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false
	}
	g.Nodes = append(g.Nodes[:idx], g.Nodes[idx+1:]...)
	kept := g.Edges[:0]
	for _, e := range g.Edges {
		if e.Source != id && e.Target != id {
			kept = append(kept, e)
		}
	}
	g.Edges = kept
	return true
}

// Connect adds an edge between two nodes. Handles must be of matching
// port kinds and both endpoints must exist.
func (g *Graph) Connect(source string, sourceHandle PortKind, target string, targetHandle PortKind) (*Edge, error) {
	if g.NodeByID(source) == nil {
		return nil, NewErrorf(ErrCodeNotFound, "source node not found: %s", source)
	}
	if g.NodeByID(target) == nil {
		return nil, NewErrorf(ErrCodeNotFound, "target node not found: %s", target)
	}
	if !sourceHandle.Matches(targetHandle) {
		return nil, NewErrorf(ErrCodeValidation,
			"cannot connect %q handle to %q handle", sourceHandle, targetHandle)
	}
	e := &Edge{
		ID:           edgeID(source, target, sourceHandle, targetHandle),
		Source:       source,
		SourceHandle: sourceHandle,
		Target:       target,
		TargetHandle: targetHandle,
	}
	g.Edges = append(g.Edges, e)
	return e, nil
}

func edgeID(source, target string, sh, th PortKind) string {
	s, t := string(sh), string(th)
	if s == "" {
		s = "default"
	}
	if t == "" {
		t = "default"
	}
	return fmt.Sprintf("edge-%s-%s-%s-%s", source, target, s, t)
}

// RemoveEdge deletes an edge by ID.
func (g *Graph) RemoveEdge(id string) bool {
	for i, e := range g.Edges {
		if e.ID == id {
			g.Edges = append(g.Edges[:i], g.Edges[i+1:]...)
			return true
		}
	}
	return false
}

// ToggleEdgePause flips the pause breakpoint on an edge.
func (g *Graph) ToggleEdgePause(id string) bool {
	e := g.EdgeByID(id)
	if e == nil {
		return false
	}
	e.Pause = !e.Pause
	return true
}

// CloneNodes duplicates the given nodes plus the edges connecting them to
// each other, remapping IDs and offsetting positions. Used for paste.
func (g *Graph) CloneNodes(ids []string, offset Position) ([]*Node, error) {
	selected := make(map[string]bool, len(ids))
	for _, id := range ids {
		if g.NodeByID(id) == nil {
			return nil, NewErrorf(ErrCodeNotFound, "node not found: %s", id)
		}
		selected[id] = true
	}

	idMap := make(map[string]string, len(ids))
	var clones []*Node
	for _, n := range g.Nodes {
		if !selected[n.ID] {
			continue
		}
		// Round-trip through JSON to deep-copy the tagged data payload.
		raw, err := json.Marshal(n)
		if err != nil {
			return nil, fmt.Errorf("clone node %s: %w", n.ID, err)
		}
		clone := &Node{}
		if err := json.Unmarshal(raw, clone); err != nil {
			return nil, fmt.Errorf("clone node %s: %w", n.ID, err)
		}
		g.nextID++
		clone.ID = fmt.Sprintf("%s-%d", clone.Kind, g.nextID)
		clone.Position.X += offset.X
		clone.Position.Y += offset.Y
		idMap[n.ID] = clone.ID
		clones = append(clones, clone)
	}

	g.Nodes = append(g.Nodes, clones...)

	for _, e := range g.Edges {
		src, okS := idMap[e.Source]
		dst, okT := idMap[e.Target]
		if !okS || !okT {
			continue
		}
		g.Edges = append(g.Edges, &Edge{
			ID:           edgeID(src, dst, e.SourceHandle, e.TargetHandle),
			Source:       src,
			SourceHandle: e.SourceHandle,
			Target:       dst,
			TargetHandle: e.TargetHandle,
			Pause:        e.Pause,
		})
	}
	return clones, nil
}

var nodeIDSuffix = regexp.MustCompile(`-(\d+)$`)

// syncNextID advances the ID counter past the highest numeric suffix so
// loaded graphs never collide with newly added nodes.
func (g *Graph) syncNextID() {
	max := 0
	for _, n := range g.Nodes {
		if m := nodeIDSuffix.FindStringSubmatch(n.ID); m != nil {
			if v, err := strconv.Atoi(m[1]); err == nil && v > max {
				max = v
			}
		}
	}
	g.nextID = max
}

// WorkflowFile is the version-1 JSON save format. Transient node status
// and error fields round-trip as-is; a re-run overwrites them.
type WorkflowFile struct {
	Version   int     `json:"version"`
	Name      string  `json:"name"`
	Nodes     []*Node `json:"nodes"`
	Edges     []*Edge `json:"edges"`
	EdgeStyle string  `json:"edgeStyle,omitempty"`
}

// CurrentFileVersion is the only supported workflow file version.
const CurrentFileVersion = 1

// Graph builds a Graph from the file's node and edge sets.
func (f *WorkflowFile) Graph() *Graph {
	g := &Graph{Nodes: f.Nodes, Edges: f.Edges}
	g.syncNextID()
	return g
}

// FileFromGraph snapshots a graph into the save format.
func FileFromGraph(name string, g *Graph, edgeStyle string) *WorkflowFile {
	return &WorkflowFile{
		Version:   CurrentFileVersion,
		Name:      name,
		Nodes:     g.Nodes,
		Edges:     g.Edges,
		EdgeStyle: edgeStyle,
	}
}
