package engine

import (
	"github.com/canvasflow/canvasflow/pkg/schema"
)

// Inputs are the aggregated upstream outputs feeding one node.
// Images accumulate in edge order; text is last-writer-wins across
// text producers. An empty Text means no text input is available.
type Inputs struct {
	Images []string
	Text   string
}

// HasImage reports whether at least one image input is present.
func (in Inputs) HasImage() bool { return len(in.Images) > 0 }

// HasText reports whether a non-empty text input is present.
func (in Inputs) HasText() bool { return in.Text != "" }

// ResolveInputs walks a node's incoming edges in insertion order and
// collects what each connected producer currently outputs. The edge's
// target handle decides what an edge may deliver: an image-compatible
// handle (including the absent legacy handle) carries only image
// outputs, a text handle only text outputs. A text producer wired into
// an image handle contributes nothing, and vice versa.
func ResolveInputs(g *schema.Graph, nodeID string) Inputs {
	var in Inputs
	for _, e := range g.IncomingEdges(nodeID) {
		src := g.NodeByID(e.Source)
		if src == nil {
			continue
		}
		switch {
		case e.TargetHandle.ImageCompatible():
			if img := imageOutput(src); img != "" {
				in.Images = append(in.Images, img)
			}
		case e.TargetHandle == schema.PortText:
			if text := textOutput(src); text != "" {
				in.Text = text
			}
		}
	}
	return in
}

// imageOutput returns the node's current image output, if its kind
// produces one.
func imageOutput(n *schema.Node) string {
	switch data := n.Data.(type) {
	case *schema.ImageInputData:
		return data.Image
	case *schema.AnnotationData:
		return data.OutputImage
	case *schema.ImageGenerateData:
		return data.OutputImage
	}
	return ""
}

// textOutput returns the node's current text output, if its kind
// produces one.
func textOutput(n *schema.Node) string {
	switch data := n.Data.(type) {
	case *schema.PromptData:
		return data.Prompt
	case *schema.LLMGenerateData:
		return data.OutputText
	}
	return ""
}
