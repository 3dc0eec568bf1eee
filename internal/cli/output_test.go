package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitSuccess},
		{"plain", io.EOF, ExitFailure},
		{"exit error", WrapExitError(ExitCommandError, "bad", io.EOF), ExitCommandError},
		{"wrapped", fmt.Errorf("outer: %w", WrapExitError(ExitCommandError, "bad", nil)), ExitCommandError},
		{"pkg/errors", errors.WithMessage(WrapExitError(ExitFailure, "bad", nil), "outer"), ExitFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, GetExitCode(tt.err))
		})
	}
}

func TestExitError(t *testing.T) {
	err := WrapExitError(ExitFailure, "loading", io.EOF)
	assert.Equal(t, "loading: EOF", err.Error())
	assert.ErrorIs(t, err, io.EOF)

	assert.Equal(t, "bare", (&ExitError{Code: ExitFailure, Message: "bare"}).Error())
}

func TestFormatterFail(t *testing.T) {
	var buf bytes.Buffer
	f := &OutputFormatter{Format: "json", Writer: &buf}
	err := f.Fail(ExitCommandError, ErrCodeNotFound, "opening model", io.EOF)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeNotFound, resp.Error.Code)
	assert.Equal(t, "opening model: EOF", resp.Error.Message)

	buf.Reset()
	f.Format = "text"
	_ = f.Fail(ExitFailure, ErrCodeForward, "forward pass", io.EOF)
	assert.Equal(t, "Error [E005]: forward pass: EOF\n", buf.String())

	// Without an error stream, warnings go to the main writer.
	buf.Reset()
	f.Warnf("warning: %d", 1)
	assert.Equal(t, "warning: 1\n", buf.String())
}
