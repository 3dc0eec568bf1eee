package prototxt

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const lenetHead = `
name: "LeNet"   # a comment
input: "data"
input_dim: 1
input_dim: 1
input_dim: 28
input_dim: 28
layer {
  name: "conv1"
  type: "Convolution"
  bottom: "data"
  top: "conv1"
  param { lr_mult: 1 }
  convolution_param {
    num_output: 20
    kernel_size: 5
    stride: 1
    weight_filler { type: "xavier" }
  }
}
layers {
  name: 'relu1'
  type: RELU
  bottom: "conv1"
  top: "conv1"
}
`

func TestParseNetwork(t *testing.T) {
	msg, err := Parse(lenetHead)
	require.NoError(t, err)

	name, ok := msg.Scalar("name")
	require.True(t, ok)
	assert.Equal(t, "LeNet", name)
	assert.Equal(t, []string{"1", "1", "28", "28"}, msg.Scalars("input_dim"))

	layers := msg.Messages("layer")
	require.Len(t, layers, 1)
	conv := layers[0]
	typ, _ := conv.Scalar("type")
	assert.Equal(t, "Convolution", typ)

	params := conv.Messages("convolution_param")
	require.Len(t, params, 1)
	numOutput, _ := params[0].Scalar("num_output")
	assert.Equal(t, "20", numOutput)
	filler := params[0].Messages("weight_filler")
	require.Len(t, filler, 1)

	v1 := msg.Messages("layers")
	require.Len(t, v1, 1)
	relType, _ := v1[0].Get("type")
	assert.Equal(t, "RELU", relType.Value)
	assert.False(t, relType.Quoted)
	relName, _ := v1[0].Get("name")
	assert.True(t, relName.Quoted)
	assert.Equal(t, "relu1", relName.Value)
}

func TestParseLinesAreTracked(t *testing.T) {
	msg, err := Parse("a: 1\n\nb {\n  c: 2\n}\n")
	require.NoError(t, err)

	a, _ := msg.Get("a")
	b, _ := msg.Get("b")
	assert.Equal(t, 1, a.Line)
	assert.Equal(t, 3, b.Line)
	c, _ := b.Message.Get("c")
	assert.Equal(t, 4, c.Line)
}

func TestParseAlternateSyntax(t *testing.T) {
	msg, err := Parse(`shape: { dim: [1, 3, 32, 32] } other < x: -1.5e-3; y: "a" "b" >`)
	require.NoError(t, err)

	shapes := msg.Messages("shape")
	require.Len(t, shapes, 1)
	assert.Equal(t, []string{"1", "3", "32", "32"}, shapes[0].Scalars("dim"))

	other := msg.Messages("other")
	require.Len(t, other, 1)
	x, _ := other[0].Scalar("x")
	assert.Equal(t, "-1.5e-3", x)
	y, _ := other[0].Scalar("y")
	assert.Equal(t, "ab", y)
}

func TestParseStringEscapes(t *testing.T) {
	msg, err := Parse(`s: "a\"b\\c"`)
	require.NoError(t, err)
	s, _ := msg.Scalar("s")
	assert.Equal(t, `a"b\c`, s)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		line int
	}{
		{"missing close", "layer {\n name: \"x\"\n", 3},
		{"stray close", "a: 1\n}\n", 2},
		{"missing value", "a:\n}", 2},
		{"missing colon", "a 1", 1},
		{"bad char", "a: 1\n@", 2},
		{"unterminated string", "a: \"abc\nb: 1", 1},
		{"mismatched closer", "a < b: 1 }", 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.src)
			require.Error(t, err)
			var perr *ParseError
			require.ErrorAs(t, err, &perr)
			assert.Equal(t, tt.line, perr.Line, perr.Error())
		})
	}
}

func TestParseFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "net.prototxt")
	require.NoError(t, os.WriteFile(path, []byte(lenetHead), 0o600))

	msg, err := ParseFile(path)
	require.NoError(t, err)
	assert.Len(t, msg.Messages("layer"), 1)

	_, err = ParseFile(filepath.Join(t.TempDir(), "missing.prototxt"))
	assert.Error(t, err)
}
