package cli

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/born-ml/caffenet/backend/cpu"
	"github.com/born-ml/caffenet/tensor"
)

// BenchOptions holds flags for the bench command.
type BenchOptions struct {
	*RootOptions

	Iterations int
	Workers    int
	NoProgress bool
}

// BenchResult is the JSON payload of the bench command.
type BenchResult struct {
	Name        string  `json:"name"`
	Iterations  int     `json:"iterations"`
	Workers     int     `json:"workers"`
	Batch       int     `json:"batch"`
	InputBytes  int     `json:"input_bytes"`
	TotalMillis float64 `json:"total_ms"`
	MeanMillis  float64 `json:"mean_ms"`
	MinMillis   float64 `json:"min_ms"`
	MaxMillis   float64 `json:"max_ms"`
	Throughput  float64 `json:"samples_per_second"`
}

// NewBenchCommand creates the bench command.
func NewBenchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &BenchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "bench [definition.prototxt [weights.caffemodel]]",
		Short: "Measure forward pass latency",
		Long: `Run repeated forward passes of a network on one synthetic input.

With more than one worker, passes run concurrently on the same model and
every kernel runs single threaded.`,
		Args:          modelArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBench(opts, args, cmd)
		},
	}

	cmd.Flags().IntVarP(&opts.Iterations, "iterations", "n", 20, "number of forward passes")
	cmd.Flags().IntVarP(&opts.Workers, "workers", "w", 1, "number of concurrent forward passes")
	cmd.Flags().BoolVar(&opts.NoProgress, "no-progress", false, "do not draw a progress bar")

	return cmd
}

func runBench(opts *BenchOptions, args []string, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)
	cfg := *opts.Config
	if cmd.Flags().Changed("iterations") {
		cfg.Bench.Iterations = opts.Iterations
	}
	if cmd.Flags().Changed("workers") {
		cfg.Bench.Workers = opts.Workers
	}
	if err := cfg.Validate(); err != nil {
		return f.Fail(ExitCommandError, ErrCodeGeneric, "invalid options", err)
	}

	var backend tensor.Backend = cpu.New()
	if cfg.Bench.Workers > 1 {
		backend = cpu.NewSequential()
	}
	model, _, err := loadModel(f, &cfg, args, backend)
	if err != nil {
		return err
	}
	input, err := syntheticInput(model, cfg.Input)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeGeneric, "creating input", err)
	}

	var bar *progressbar.ProgressBar
	if !opts.NoProgress {
		bar = progressbar.NewOptions(cfg.Bench.Iterations,
			progressbar.OptionSetDescription(model.Name()),
			progressbar.OptionSetWriter(f.ErrWriter),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("passes"),
			progressbar.OptionSetTheme(progressbar.ThemeASCII),
		)
	}

	latencies := make([]time.Duration, cfg.Bench.Iterations)
	var barMu sync.Mutex
	var g errgroup.Group
	g.SetLimit(cfg.Bench.Workers)
	start := time.Now()
	for i := range cfg.Bench.Iterations {
		g.Go(func() error {
			t0 := time.Now()
			if _, err := model.Forward(input); err != nil {
				return errors.WithMessagef(err, "pass %d", i)
			}
			latencies[i] = time.Since(t0)
			if bar != nil {
				barMu.Lock()
				_ = bar.Add(1)
				barMu.Unlock()
			}
			return nil
		})
	}
	err = g.Wait()
	total := time.Since(start)
	if bar != nil {
		_ = bar.Finish()
		fmt.Fprintln(f.ErrWriter)
	}
	if err != nil {
		return f.Fail(ExitFailure, ErrCodeForward, "forward pass", err)
	}

	result := summarize(latencies, total)
	result.Name = model.Name()
	result.Workers = cfg.Bench.Workers
	result.Batch = input.Shape()[0]
	result.InputBytes = input.ByteSize()
	result.Throughput = float64(result.Iterations*result.Batch) / total.Seconds()
	klog.V(1).Infof("bench %q: %d passes in %s", result.Name, result.Iterations, total)

	if f.JSON() {
		return f.Success(result)
	}
	renderBench(f.Writer, result)
	return nil
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// summarize fills the timing fields of a BenchResult.
func summarize(latencies []time.Duration, total time.Duration) BenchResult {
	res := BenchResult{Iterations: len(latencies), TotalMillis: millis(total)}
	if len(latencies) == 0 {
		return res
	}
	lo, hi, sum := latencies[0], latencies[0], time.Duration(0)
	for _, l := range latencies {
		lo, hi = min(lo, l), max(hi, l)
		sum += l
	}
	res.MinMillis = millis(lo)
	res.MaxMillis = millis(hi)
	res.MeanMillis = millis(sum) / float64(len(latencies))
	return res
}

func renderBench(w io.Writer, res BenchResult) {
	fmt.Fprintf(w, "Network %q: %s passes, %d worker(s), batch %d (%s input)\n",
		res.Name, humanize.Comma(int64(res.Iterations)), res.Workers, res.Batch,
		humanize.Bytes(uint64(res.InputBytes))) //nolint:gosec // G115: Byte sizes are never negative.
	table := newTable(1).Headers("Metric", "Value")
	table.Row("total", fmt.Sprintf("%.2f ms", res.TotalMillis))
	table.Row("mean", fmt.Sprintf("%.3f ms", res.MeanMillis))
	table.Row("min", fmt.Sprintf("%.3f ms", res.MinMillis))
	table.Row("max", fmt.Sprintf("%.3f ms", res.MaxMillis))
	table.Row("throughput", humanize.FormatFloat("#,###.##", res.Throughput)+" samples/s")
	fmt.Fprintln(w, table.String())
}
