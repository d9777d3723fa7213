// ABOUTME: Draws a plan's dependency DAG as DOT text and renders it to SVG/PNG via graphviz.
// ABOUTME: ToDOTWithStatus colors each step by its outcome in a run summary.
package render

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strings"

	"github.com/2389-research/planrun/engine"
	"github.com/2389-research/planrun/report"
)

// Fill colors for step outcomes.
const (
	ColorSucceeded = "#4CAF50"
	ColorFailed    = "#F44336"
	ColorActive    = "#FFC107"
	ColorSkipped   = "#FF9800"
	ColorUnknown   = "#9C27B0"
	ColorPending   = "#9E9E9E"
)

// Formats accepted by Render.
const (
	FormatDOT = "dot"
	FormatSVG = "svg"
	FormatPNG = "png"
)

// ErrGraphvizMissing is returned for svg/png output when the dot binary is not on PATH.
var ErrGraphvizMissing = errors.New("render: graphviz dot command not found")

// ToDOT writes plan as a left-to-right digraph, one node per step labelled with its operation.
func ToDOT(plan *engine.Plan) string {
	return toDOT(plan, nil)
}

// ToDOTWithStatus is ToDOT with each node filled by its outcome in summary.
// active, when set, marks the step currently running.
func ToDOTWithStatus(plan *engine.Plan, summary *report.Summary, active string) string {
	attrs := make(map[string]map[string]string)
	if summary != nil {
		for _, row := range summary.Steps {
			attrs[row.ID] = map[string]string{"style": "filled", "fillcolor": outcomeColor(row.Outcome)}
			if row.LastError != "" {
				attrs[row.ID]["tooltip"] = row.LastError
			}
		}
	}
	if active != "" {
		attrs[active] = map[string]string{"style": "filled,bold", "fillcolor": ColorActive}
	}
	return toDOT(plan, attrs)
}

func toDOT(plan *engine.Plan, extra map[string]map[string]string) string {
	if plan == nil {
		return ""
	}
	name := plan.ID
	if name == "" {
		name = "plan"
	}

	var buf strings.Builder
	fmt.Fprintf(&buf, "digraph %s {\n", quoteID(name))
	buf.WriteString("  rankdir=\"LR\"\n")
	buf.WriteString("  node [fontname=\"Helvetica\", shape=\"box\"]\n")

	for _, step := range plan.Steps {
		attrs := map[string]string{"label": step.ID + "\\n" + step.Operation}
		if step.CircuitBreaker.FailureThreshold > 0 {
			attrs["peripheries"] = "2"
		}
		for k, v := range extra[step.ID] {
			attrs[k] = v
		}
		fmt.Fprintf(&buf, "  %s [%s]\n", quoteID(step.ID), formatAttrs(attrs))
	}
	for _, step := range plan.Steps {
		for _, dep := range step.DependsOn {
			fmt.Fprintf(&buf, "  %s -> %s\n", quoteID(dep), quoteID(step.ID))
		}
	}
	buf.WriteString("}\n")
	return buf.String()
}

func outcomeColor(o engine.StepOutcome) string {
	switch o {
	case engine.OutcomeSucceeded:
		return ColorSucceeded
	case engine.OutcomeFailed:
		return ColorFailed
	case engine.OutcomeSkipped:
		return ColorSkipped
	case engine.OutcomeUnknown:
		return ColorUnknown
	default:
		return ColorPending
	}
}

// GraphvizAvailable reports whether the dot command is installed.
func GraphvizAvailable() bool {
	_, err := exec.LookPath("dot")
	return err == nil
}

// Render returns dot text as-is for FormatDOT, or pipes it through graphviz for svg and png.
func Render(ctx context.Context, dotText, format string) ([]byte, error) {
	if dotText == "" {
		return nil, errors.New("render: empty DOT text")
	}
	switch format {
	case FormatDOT:
		return []byte(dotText), nil
	case FormatSVG, FormatPNG:
		return graphviz(ctx, dotText, format)
	default:
		return nil, fmt.Errorf("render: unsupported format %q: supported formats are dot, svg, png", format)
	}
}

func graphviz(ctx context.Context, dotText, format string) ([]byte, error) {
	if !GraphvizAvailable() {
		return nil, fmt.Errorf("%w: install graphviz to render %s", ErrGraphvizMissing, format)
	}
	cmd := exec.CommandContext(ctx, "dot", "-T"+format)
	cmd.Stdin = strings.NewReader(dotText)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("render: graphviz failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

// formatAttrs writes key="value" pairs in key order.
func formatAttrs(attrs map[string]string) string {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, quoteValue(attrs[k])))
	}
	return strings.Join(parts, ", ")
}

// quoteValue quotes a DOT string, leaving \n escapes intact for multi-line labels.
func quoteValue(v string) string {
	v = strings.ReplaceAll(v, `"`, `\"`)
	return `"` + v + `"`
}

// quoteID returns bare identifiers as-is and quotes anything else.
func quoteID(id string) string {
	for _, c := range id {
		if !isIDChar(c) {
			return quoteValue(id)
		}
	}
	if id == "" || (id[0] >= '0' && id[0] <= '9') {
		return quoteValue(id)
	}
	return id
}

func isIDChar(c rune) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_'
}
