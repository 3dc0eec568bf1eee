// Package prototxt parses the protobuf text format used by Caffe network
// definitions into an ordered tree of fields.
//
// The parser is schema-less: it keeps every field in file order and leaves
// scalar values as their literal text, so repeated fields (bottom, top,
// input_dim) and nested messages (convolution_param { ... }) survive
// untouched for the caller to interpret.
//
//	name: "LeNet"
//	layer {
//	  name: "conv1"
//	  type: "Convolution"
//	  bottom: "data"
//	  top: "conv1"
//	  convolution_param { num_output: 20 kernel_size: 5 }
//	}
package prototxt

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
)

// Field is one `name: value` or `name { ... }` entry of a message.
// Exactly one of Value and Message is meaningful.
type Field struct {
	Name    string
	Value   string   // Scalar literal with string quotes removed.
	Message *Message // Nested message, nil for scalars.
	Quoted  bool     // The scalar was a quoted string.

	// Line is the line number, starting at 1.
	Line int
}

// IsMessage reports whether the field holds a nested message.
func (f *Field) IsMessage() bool {
	return f.Message != nil
}

// Message is an ordered list of fields.
type Message struct {
	Fields []Field
}

// Get returns the first field named name.
func (m *Message) Get(name string) (*Field, bool) {
	for i := range m.Fields {
		if m.Fields[i].Name == name {
			return &m.Fields[i], true
		}
	}
	return nil, false
}

// All returns every field named name, in file order.
func (m *Message) All(name string) []*Field {
	var res []*Field
	for i := range m.Fields {
		if m.Fields[i].Name == name {
			res = append(res, &m.Fields[i])
		}
	}
	return res
}

// Scalar returns the value of the first scalar field named name.
func (m *Message) Scalar(name string) (string, bool) {
	f, ok := m.Get(name)
	if !ok || f.IsMessage() {
		return "", false
	}
	return f.Value, true
}

// Scalars returns the values of every scalar field named name.
func (m *Message) Scalars(name string) []string {
	var res []string
	for _, f := range m.All(name) {
		if !f.IsMessage() {
			res = append(res, f.Value)
		}
	}
	return res
}

// Messages returns every nested message named name.
func (m *Message) Messages(name string) []*Message {
	var res []*Message
	for _, f := range m.All(name) {
		if f.IsMessage() {
			res = append(res, f.Message)
		}
	}
	return res
}

// A ParseError is an error produced while trying to parse
// a prototxt document.
type ParseError struct {
	Message string

	// Line is the line number, starting at 1.
	Line int
}

// Error produces an error message that incorporates the
// error message and line number.
func (p *ParseError) Error() string {
	return fmt.Sprintf("line %d: %s", p.Line, p.Message)
}

// ParseFile parses a prototxt document from file.
//
//nolint:gosec // G304: Path is provided by the user, reading it is the point.
func ParseFile(path string) (*Message, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %q", path)
	}
	msg, err := Parse(string(data))
	if err != nil {
		return nil, errors.WithMessagef(err, "parsing %q", path)
	}
	return msg, nil
}

// Parse parses a prototxt document into its root message.
func Parse(contents string) (*Message, error) {
	p := &parser{lex: newLexer(contents)}
	if err := p.advance(); err != nil {
		return nil, err
	}
	root, err := p.parseFields(false)
	if err != nil {
		return nil, err
	}
	return root, nil
}
