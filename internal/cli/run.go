package cli

import (
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/born-ml/caffenet/tensor"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions

	Fill  float32
	Seed  int64
	Top   int
	Batch int
}

// RunResult is the JSON payload of the run command.
type RunResult struct {
	Name   string    `json:"name"`
	Output string    `json:"output"`
	Shape  []int     `json:"shape"`
	Top    [][]Score `json:"top"`
}

// Score is one ranked output value.
type Score struct {
	Index int     `json:"index"`
	Value float32 `json:"value"`
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run [definition.prototxt [weights.caffemodel]]",
		Short: "Run one forward pass on a synthetic input",
		Long: `Compile a network, bind its weights and run a forward pass on a
synthetic input batch. The highest scoring outputs of every sample are printed.

The input is uniform random noise from --seed, or the constant --fill.`,
		Args:          modelArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(opts, args, cmd)
		},
	}

	cmd.Flags().Float32Var(&opts.Fill, "fill", 0, "set every input value to this constant")
	cmd.Flags().Int64Var(&opts.Seed, "seed", 1, "seed of the random input")
	cmd.Flags().IntVarP(&opts.Top, "top", "k", 5, "number of outputs to print per sample")
	cmd.Flags().IntVarP(&opts.Batch, "batch", "b", 0, "batch size (default: from the definition)")

	return cmd
}

func runRun(opts *RunOptions, args []string, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)
	cfg := *opts.Config
	if cmd.Flags().Changed("fill") {
		fill := opts.Fill
		cfg.Input.Fill = &fill
	}
	if cmd.Flags().Changed("seed") {
		cfg.Input.Seed = opts.Seed
	}
	if cmd.Flags().Changed("top") {
		cfg.Output.Top = opts.Top
	}
	if cmd.Flags().Changed("batch") {
		cfg.Input.Batch = opts.Batch
	}
	if err := cfg.Validate(); err != nil {
		return f.Fail(ExitCommandError, ErrCodeGeneric, "invalid options", err)
	}

	model, _, err := loadModel(f, &cfg, args, nil)
	if err != nil {
		return err
	}
	input, err := syntheticInput(model, cfg.Input)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeGeneric, "creating input", err)
	}
	klog.V(1).Infof("running %q on input %v", model.Name(), input.Shape())

	output, err := model.Forward(input)
	if err != nil {
		return f.Fail(ExitFailure, ErrCodeForward, "forward pass", err)
	}

	result := RunResult{
		Name:   model.Name(),
		Output: model.OutputName(),
		Shape:  append([]int{}, output.Shape()...),
		Top:    topK(output, cfg.Output.Top),
	}
	if f.JSON() {
		return f.Success(result)
	}
	renderRun(f.Writer, result)
	return nil
}

// topK ranks the values of every sample of out, highest first. Ties keep
// the lower index first.
func topK(out *tensor.RawTensor, k int) [][]Score {
	shape := out.Shape()
	samples := 1
	if len(shape) > 0 {
		samples = shape[0]
	}
	values := out.AsFloat32()
	per := len(values) / max(samples, 1)
	res := make([][]Score, samples)
	for s := range samples {
		row := values[s*per : (s+1)*per]
		idx := make([]int, len(row))
		for i := range idx {
			idx[i] = i
		}
		sort.SliceStable(idx, func(a, b int) bool { return row[idx[a]] > row[idx[b]] })
		n := min(k, len(idx))
		res[s] = make([]Score, n)
		for i := range n {
			res[s][i] = Score{Index: idx[i], Value: row[idx[i]]}
		}
	}
	return res
}

func renderRun(w io.Writer, res RunResult) {
	fmt.Fprintf(w, "Network %q: output %q %v\n", res.Name, res.Output, res.Shape)
	for s, scores := range res.Top {
		table := newTable(0, 1, 2).Headers("Rank", "Index", "Value")
		for i, sc := range scores {
			table.Row(fmt.Sprintf("%d", i+1), fmt.Sprintf("%d", sc.Index), fmt.Sprintf("%.6g", sc.Value))
		}
		fmt.Fprintf(w, "\nSample %d\n%s\n", s, table.String())
	}
}
