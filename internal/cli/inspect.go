package cli

import (
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/born-ml/caffenet/caffe"
)

// InspectOptions holds flags for the inspect command.
type InspectOptions struct {
	*RootOptions
}

// InspectResult is the JSON payload of the inspect command.
type InspectResult struct {
	Name        string           `json:"name"`
	Input       string           `json:"input"`
	InputShape  []int            `json:"input_shape"`
	Output      string           `json:"output"`
	Complete    bool             `json:"complete"`
	ParamCount  int              `json:"param_count"`
	Nodes       []NodeInfo       `json:"nodes"`
	Blobs       []BlobInfo       `json:"blobs"`
	Skipped     []string         `json:"skipped"`
	Diagnostics []DiagnosticInfo `json:"diagnostics"`
}

// NodeInfo describes one compiled node.
type NodeInfo struct {
	Name      string   `json:"name"`
	Op        string   `json:"op"`
	LayerType string   `json:"layer_type"`
	Inputs    []string `json:"inputs"`
	Output    string   `json:"output"`
	Params    int      `json:"params"`
	Bound     bool     `json:"bound"`
}

// BlobInfo is one entry of the inferred shape table.
type BlobInfo struct {
	Name  string `json:"name"`
	Shape string `json:"shape"`
}

// DiagnosticInfo is one build diagnostic.
type DiagnosticInfo struct {
	Kind    string `json:"kind"`
	Layer   string `json:"layer"`
	Type    string `json:"type"`
	Message string `json:"message"`
}

// NewInspectCommand creates the inspect command.
func NewInspectCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InspectOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "inspect [definition.prototxt [weights.caffemodel]]",
		Short: "Show the compiled graph of a network",
		Long: `Compile a network definition and print its nodes, the inferred blob
shapes and any layers that could not be compiled.

When weights are given, the bound column shows which nodes received them.`,
		Args:          modelArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(opts, args, cmd)
		},
	}

	return cmd
}

func runInspect(opts *InspectOptions, args []string, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)
	model, _, err := loadModel(f, opts.Config, args, nil)
	if err != nil {
		return err
	}
	result := describe(model)
	if f.JSON() {
		return f.Success(result)
	}
	renderInspect(f.Writer, result)
	return nil
}

// describe collects the inspect payload. Slices are never nil so the JSON
// output is stable.
func describe(model *caffe.Model) InspectResult {
	res := InspectResult{
		Name:        model.Name(),
		Input:       model.InputName(),
		InputShape:  model.InputShape().Dims(model.InputBatch()),
		Output:      model.OutputName(),
		Complete:    model.Complete(),
		ParamCount:  model.ParamCount(),
		Nodes:       []NodeInfo{},
		Blobs:       []BlobInfo{},
		Skipped:     append([]string{}, model.Skipped()...),
		Diagnostics: []DiagnosticInfo{},
	}
	for _, n := range model.Nodes() {
		res.Nodes = append(res.Nodes, NodeInfo{
			Name:      n.Name,
			Op:        n.Kind.String(),
			LayerType: n.LayerType,
			Inputs:    append([]string{}, n.Inputs...),
			Output:    n.Output,
			Params:    n.ParamCount(),
			Bound:     n.Bound(),
		})
	}
	shapes := model.Shapes()
	for _, name := range shapes.Names() {
		s, _ := shapes.Get(name)
		res.Blobs = append(res.Blobs, BlobInfo{Name: name, Shape: s.String()})
	}
	for _, d := range model.Diagnostics() {
		res.Diagnostics = append(res.Diagnostics, DiagnosticInfo{
			Kind:    d.Kind.String(),
			Layer:   d.Layer,
			Type:    d.Type,
			Message: d.Message,
		})
	}
	return res
}

var (
	headerStyle = lipgloss.NewStyle().Padding(0, 1).Bold(true).Reverse(true)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	numberStyle = cellStyle.Align(lipgloss.Right)
)

func newTable(rightAligned ...int) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.RoundedBorder()).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row < 0: // header
				return headerStyle
			case slices.Contains(rightAligned, col):
				return numberStyle
			default:
				return cellStyle
			}
		})
}

func renderInspect(w io.Writer, res InspectResult) {
	fmt.Fprintf(w, "Network %q: input %q %v, output %q\n", res.Name, res.Input, res.InputShape, res.Output)
	fmt.Fprintf(w, "%d node(s), %s parameter value(s)\n\n", len(res.Nodes), humanize.Comma(int64(res.ParamCount)))

	nodes := newTable(5).Headers("#", "Node", "Op", "Inputs", "Output", "Params", "Bound")
	for i, n := range res.Nodes {
		bound := "yes"
		if !n.Bound {
			bound = "no"
		}
		params := "-"
		if n.Params > 0 {
			params = humanize.Comma(int64(n.Params))
		}
		nodes.Row(strconv.Itoa(i), n.Name, n.Op, strings.Join(n.Inputs, ", "), n.Output, params, bound)
	}
	fmt.Fprintln(w, nodes.String())

	blobs := newTable().Headers("Blob", "Shape")
	for _, b := range res.Blobs {
		blobs.Row(b.Name, b.Shape)
	}
	fmt.Fprintln(w, blobs.String())

	if len(res.Diagnostics) == 0 {
		return
	}
	diags := newTable().Headers("Kind", "Layer", "Type", "Message")
	for _, d := range res.Diagnostics {
		diags.Row(d.Kind, d.Layer, d.Type, d.Message)
	}
	fmt.Fprintln(w, diags.String())
}
