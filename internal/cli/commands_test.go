package cli

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/caffenet/caffe"
	"github.com/born-ml/caffenet/tensor"
)

func decodeRun(t *testing.T, out string) RunResult {
	t.Helper()
	var resp struct {
		Status string    `json:"status"`
		Data   RunResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	require.Equal(t, "ok", resp.Status)
	return resp.Data
}

func TestInspectText(t *testing.T) {
	out, stderr, err := execute(t, "inspect", tinyDefinition)
	require.NoError(t, err)

	assert.Contains(t, out, `Network "tiny"`)
	assert.Contains(t, out, "5 node(s), 47 parameter value(s)")
	for _, want := range []string{"conv1", "Convolution", "pool1", "Linear", "(2, 2, 2)", "unsupported-layer"} {
		assert.Contains(t, out, want)
	}
	assert.Contains(t, stderr, `layer "lrn" (LRN)`)
}

func TestInspectJSON(t *testing.T) {
	out, _, err := execute(t, "--format", "json", "inspect", tinyDefinition)
	require.NoError(t, err)

	g := goldie.New(t, goldie.WithFixtureDir("testdata/golden"), goldie.WithNameSuffix(".golden"))
	g.Assert(t, "inspect_tiny", []byte(out))
}

func TestInspectBound(t *testing.T) {
	weights := writeTinyWeights(t)
	out, stderr, err := execute(t, "--format", "json", "inspect", tinyDefinition, weights)
	require.NoError(t, err)
	assert.NotContains(t, stderr, "bind:")

	var resp struct {
		Data InspectResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	for _, n := range resp.Data.Nodes {
		assert.True(t, n.Bound, n.Name)
	}
}

func TestInspectStrict(t *testing.T) {
	_, _, err := execute(t, "--strict", "inspect", tinyDefinition)
	require.Error(t, err)
	assert.ErrorIs(t, err, caffe.ErrUnsupportedLayer)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestInspectMissingFiles(t *testing.T) {
	_, _, err := execute(t, "inspect")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no network definition")
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, _, err = execute(t, "inspect", "testdata/missing.prototxt")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestRun(t *testing.T) {
	weights := writeTinyWeights(t)
	out, _, err := execute(t, "--format", "json", "run", tinyDefinition, weights, "--fill", "1", "-k", "3")
	require.NoError(t, err)

	// Pooled planes are all 1 and all 2, so fc1 = [12, 0, 1].
	res := decodeRun(t, out)
	assert.Equal(t, "prob", res.Output)
	assert.Equal(t, []int{1, 3}, res.Shape)
	require.Len(t, res.Top, 1)
	require.Len(t, res.Top[0], 3)
	assert.Equal(t, 0, res.Top[0][0].Index)
	assert.Equal(t, 2, res.Top[0][1].Index)
	assert.Equal(t, 1, res.Top[0][2].Index)
	assert.InDelta(t, 1.0, res.Top[0][0].Value, 1e-4)
}

func TestRunBatchText(t *testing.T) {
	weights := writeTinyWeights(t)
	out, _, err := execute(t, "run", tinyDefinition, weights, "--seed", "7", "--batch", "2", "--top", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "[2 3]")
	assert.Contains(t, out, "Sample 0")
	assert.Contains(t, out, "Sample 1")
}

func TestRunUnbound(t *testing.T) {
	out, _, err := execute(t, "--format", "json", "run", tinyDefinition)
	require.Error(t, err)
	assert.ErrorIs(t, err, caffe.ErrUnbound)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, `"code": "E005"`)
}

func TestRunInvalidTop(t *testing.T) {
	_, _, err := execute(t, "run", tinyDefinition, "--top", "0")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestBench(t *testing.T) {
	weights := writeTinyWeights(t)
	out, stderr, err := execute(t, "--format", "json", "bench", tinyDefinition, weights, "-n", "6", "-w", "3")
	require.NoError(t, err)
	assert.Contains(t, stderr, "tiny") // progress bar description

	var resp struct {
		Data BenchResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, 6, resp.Data.Iterations)
	assert.Equal(t, 3, resp.Data.Workers)
	assert.Equal(t, 1, resp.Data.Batch)
	assert.Equal(t, 16*4, resp.Data.InputBytes)
	assert.LessOrEqual(t, resp.Data.MinMillis, resp.Data.MeanMillis)
	assert.LessOrEqual(t, resp.Data.MeanMillis, resp.Data.MaxMillis)
}

func TestBenchText(t *testing.T) {
	weights := writeTinyWeights(t)
	out, stderr, err := execute(t, "bench", tinyDefinition, weights, "-n", "2", "--no-progress")
	require.NoError(t, err)
	assert.NotContains(t, stderr, "tiny")
	assert.Contains(t, out, "2 passes, 1 worker(s), batch 1 (64 B input)")
	assert.Contains(t, out, "throughput")
}

func TestBenchForwardError(t *testing.T) {
	_, _, err := execute(t, "bench", tinyDefinition, "-n", "2", "--no-progress")
	require.Error(t, err)
	assert.ErrorIs(t, err, caffe.ErrUnbound)
	assert.Equal(t, ExitFailure, GetExitCode(err))
}

func TestTopK(t *testing.T) {
	out, err := tensor.FromFloat32(tensor.Shape{2, 3}, []float32{0.1, 0.7, 0.2, 0.5, 0.5, 0.9})
	require.NoError(t, err)

	top := topK(out, 2)
	assert.Equal(t, [][]Score{
		{{Index: 1, Value: 0.7}, {Index: 2, Value: 0.2}},
		{{Index: 2, Value: 0.9}, {Index: 0, Value: 0.5}},
	}, top)

	assert.Len(t, topK(out, 10)[0], 3)
}

func TestSummarize(t *testing.T) {
	res := summarize([]time.Duration{2 * time.Millisecond, 4 * time.Millisecond, 6 * time.Millisecond}, 10*time.Millisecond)
	assert.Equal(t, 3, res.Iterations)
	assert.InDelta(t, 10.0, res.TotalMillis, 1e-9)
	assert.InDelta(t, 4.0, res.MeanMillis, 1e-9)
	assert.InDelta(t, 2.0, res.MinMillis, 1e-9)
	assert.InDelta(t, 6.0, res.MaxMillis, 1e-9)

	assert.Zero(t, summarize(nil, 0).MeanMillis)
}
