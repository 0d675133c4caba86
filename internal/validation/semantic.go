package validation

import (
	"fmt"
	"strings"

	"github.com/canvasflow/canvasflow/pkg/schema"
)

// Report collects human-readable validation findings. Errors block
// execution; warnings do not.
type Report struct {
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// Valid reports whether the workflow may execute.
func (r *Report) Valid() bool { return len(r.Errors) == 0 }

func (r *Report) errorf(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

func (r *Report) warnf(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// ValidateGraph runs the semantic checks on a workflow graph: edge
// integrity, port-kind compatibility, required generation inputs,
// acyclicity, and ambiguous text wiring.
func ValidateGraph(g *schema.Graph) *Report {
	report := &Report{}
	if g == nil || len(g.Nodes) == 0 {
		report.errorf("Workflow is empty")
		return report
	}

	seen := make(map[string]bool, len(g.Nodes))
	for _, n := range g.Nodes {
		if seen[n.ID] {
			report.errorf("duplicate node id %q", n.ID)
		}
		seen[n.ID] = true
	}

	for _, e := range g.Edges {
		src := g.NodeByID(e.Source)
		dst := g.NodeByID(e.Target)
		if src == nil {
			report.errorf("edge %q references missing source node %q", e.ID, e.Source)
		}
		if dst == nil {
			report.errorf("edge %q references missing target node %q", e.ID, e.Target)
		}
		if src != nil && dst != nil && !e.SourceHandle.Matches(e.TargetHandle) {
			report.errorf("edge %q connects incompatible ports %q -> %q", e.ID, e.SourceHandle, e.TargetHandle)
		}
	}

	for _, n := range g.Nodes {
		switch n.Kind {
		case schema.NodeKindImageGenerate:
			checkImageGenerateInputs(g, n, report)
		case schema.NodeKindAnnotation:
			checkAnnotationInputs(g, n, report)
		case schema.NodeKindOutput:
			if !hasIncomingImage(g, n.ID) {
				report.errorf("Output node %q missing image input", n.ID)
			}
		}
	}

	checkAcyclic(g, report)
	checkDuplicateTextProducers(g, report)
	return report
}

// checkImageGenerateInputs requires an image and a text edge unless the
// node carries dynamic inputs, which replace the wired mapping.
func checkImageGenerateInputs(g *schema.Graph, n *schema.Node, report *Report) {
	if data, ok := n.Data.(*schema.ImageGenerateData); ok && len(data.DynamicInputs) > 0 {
		return
	}
	imageConnected := false
	textConnected := false
	for _, e := range g.IncomingEdges(n.ID) {
		if e.TargetHandle == schema.PortText {
			textConnected = true
		} else if e.TargetHandle.ImageCompatible() {
			imageConnected = true
		}
	}
	if !imageConnected {
		report.errorf("Generate node %q missing image input", n.ID)
	}
	if !textConnected {
		report.errorf("Generate node %q missing text input", n.ID)
	}
}

// checkAnnotationInputs accepts either a connected edge or a manually
// loaded source image.
func checkAnnotationInputs(g *schema.Graph, n *schema.Node, report *Report) {
	if len(g.IncomingEdges(n.ID)) > 0 {
		return
	}
	if data, ok := n.Data.(*schema.AnnotationData); ok && data.SourceImage != "" {
		return
	}
	report.errorf("Annotation node %q missing image input", n.ID)
}

func hasIncomingImage(g *schema.Graph, nodeID string) bool {
	for _, e := range g.IncomingEdges(nodeID) {
		if e.TargetHandle.ImageCompatible() {
			return true
		}
	}
	return false
}

// checkAcyclic runs a DFS over incoming edges looking for back edges.
func checkAcyclic(g *schema.Graph, report *Report) {
	const (
		unvisited = 0
		visiting  = 1
		visited   = 2
	)
	state := make(map[string]int, len(g.Nodes))

	var visit func(id string) bool
	visit = func(id string) bool {
		switch state[id] {
		case visited:
			return true
		case visiting:
			return false
		}
		state[id] = visiting
		for _, e := range g.IncomingEdges(id) {
			if g.NodeByID(e.Source) == nil {
				continue
			}
			if !visit(e.Source) {
				return false
			}
		}
		state[id] = visited
		return true
	}

	for _, n := range g.Nodes {
		if !visit(n.ID) {
			report.errorf("workflow contains a cycle through node %q", n.ID)
			return
		}
	}
}

// checkDuplicateTextProducers warns when several text producers feed the
// same node; execution keeps the last writer, which is easy to miss.
func checkDuplicateTextProducers(g *schema.Graph, report *Report) {
	for _, n := range g.Nodes {
		var producers []string
		for _, e := range g.IncomingEdges(n.ID) {
			if e.TargetHandle == schema.PortText {
				producers = append(producers, e.Source)
			}
		}
		if len(producers) > 1 {
			report.warnf("node %q has %d text inputs (%s); only the last one wired takes effect",
				n.ID, len(producers), strings.Join(producers, ", "))
		}
	}
}
