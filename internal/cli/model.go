package cli

import (
	"math/rand"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/born-ml/caffenet/backend/cpu"
	"github.com/born-ml/caffenet/caffe"
	"github.com/born-ml/caffenet/internal/config"
	"github.com/born-ml/caffenet/tensor"
)

// modelArgs accepts "[definition [weights]]"; missing paths come from the
// config file.
var modelArgs = cobra.RangeArgs(0, 2)

// modelPaths resolves the definition and weights paths of a command.
func modelPaths(cfg *config.Config, args []string) (definition, weights string, err error) {
	definition, weights = cfg.Model.Definition, cfg.Model.Weights
	if len(args) > 0 {
		definition = args[0]
	}
	if len(args) > 1 {
		weights = args[1]
	}
	if definition == "" {
		return "", "", errors.New("no network definition: pass it as an argument or set model.definition")
	}
	return definition, weights, nil
}

// loadModel compiles the definition and binds the weights, if any. Bind
// issues are reported on f's error stream; they fail the load only in strict
// mode.
func loadModel(f *OutputFormatter, cfg *config.Config, args []string, backend tensor.Backend) (*caffe.Model, caffe.BindReport, error) {
	definition, weights, err := modelPaths(cfg, args)
	if err != nil {
		return nil, caffe.BindReport{}, f.Fail(ExitCommandError, ErrCodeNotFound, "resolving model", err)
	}
	for _, path := range []string{definition, weights} {
		if path == "" {
			continue
		}
		if _, statErr := os.Stat(path); statErr != nil {
			return nil, caffe.BindReport{}, f.Fail(ExitCommandError, ErrCodeNotFound, "opening model", statErr)
		}
	}

	if backend == nil {
		backend = cpu.New()
	}
	model, err := caffe.LoadDefinition(definition, backend, caffe.BuildOptions{Strict: cfg.Build.Strict})
	if err != nil {
		return nil, caffe.BindReport{}, f.Fail(ExitCommandError, ErrCodeDefinition, "loading definition", err)
	}
	for _, d := range model.Diagnostics() {
		f.Warnf("warning: %s: layer %q (%s): %s", d.Kind, d.Layer, d.Type, d.Message)
	}

	if weights == "" {
		klog.V(1).Infof("no weights given for %q, graph left unbound", model.Name())
		return model, caffe.BindReport{}, nil
	}
	records, err := caffe.ReadWeights(weights)
	if err != nil {
		return nil, caffe.BindReport{}, f.Fail(ExitCommandError, ErrCodeWeights, "reading weights", err)
	}
	report := model.Bind(records)
	for _, issue := range report.Issues {
		f.Warnf("warning: bind: %v", issue)
	}
	if !report.OK() && cfg.Build.Strict {
		return nil, report, f.Fail(ExitFailure, ErrCodeWeights, "binding weights", report.Err())
	}
	klog.V(1).Infof("bound %d layer(s) of %q", len(report.Bound), model.Name())
	return model, report, nil
}

// syntheticInput builds the input batch described by cfg.Input.
func syntheticInput(model *caffe.Model, in config.InputConfig) (*tensor.RawTensor, error) {
	batch := model.InputBatch()
	if in.Batch > 0 {
		batch = in.Batch
	}
	shape := tensor.Shape(model.InputShape().Dims(batch))
	if in.Fill != nil {
		return tensor.Full(shape, *in.Fill)
	}
	rng := rand.New(rand.NewSource(in.Seed)) //nolint:gosec // G404: Synthetic inputs need reproducibility, not security.
	data := make([]float32, shape.NumElements())
	for i := range data {
		data[i] = rng.Float32()
	}
	return tensor.FromFloat32(shape, data)
}
