package prototxt

// parser is a recursive-descent parser over lexer tokens with one token of
// lookahead in tok.
type parser struct {
	lex *lexer
	tok token
}

func (p *parser) advance() error {
	tok, err := p.lex.next()
	if err != nil {
		return err
	}
	p.tok = tok
	return nil
}

func (p *parser) errorf(msg string) error {
	return &ParseError{Message: msg, Line: p.tok.line}
}

func (p *parser) isPunct(s string) bool {
	return p.tok.kind == tokPunct && p.tok.text == s
}

// parseFields reads fields until EOF (top level) or the closing brace of a
// nested message, which is consumed.
func (p *parser) parseFields(nested bool, closer ...string) (*Message, error) {
	msg := &Message{}
	for {
		switch {
		case p.tok.kind == tokEOF:
			if nested {
				return nil, p.errorf("unexpected end of input: missing closing brace")
			}
			return msg, nil
		case p.tok.kind == tokPunct && (p.tok.text == "}" || p.tok.text == ">"):
			if !nested || len(closer) == 0 || p.tok.text != closer[0] {
				return nil, p.errorf("unexpected " + p.tok.text)
			}
			return msg, p.advance()
		case p.tok.kind != tokWord:
			return nil, p.errorf("expected field name, got " + describe(p.tok))
		}

		name, line := p.tok.text, p.tok.line
		if err := p.advance(); err != nil {
			return nil, err
		}
		fields, err := p.parseFieldValue(name, line)
		if err != nil {
			return nil, err
		}
		msg.Fields = append(msg.Fields, fields...)

		if p.isPunct(",") || p.isPunct(";") {
			if err := p.advance(); err != nil {
				return nil, err
			}
		}
	}
}

// parseFieldValue parses what follows a field name: `: scalar`,
// `: [a, b]`, `{ ... }`, `: { ... }` or `< ... >`.
func (p *parser) parseFieldValue(name string, line int) ([]Field, error) {
	hadColon := false
	if p.isPunct(":") {
		hadColon = true
		if err := p.advance(); err != nil {
			return nil, err
		}
	}

	switch {
	case p.isPunct("{") || p.isPunct("<"):
		closer := "}"
		if p.tok.text == "<" {
			closer = ">"
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		sub, err := p.parseFields(true, closer)
		if err != nil {
			return nil, err
		}
		return []Field{{Name: name, Message: sub, Line: line}}, nil
	case !hadColon:
		return nil, p.errorf("expected ':' or '{' after field " + name)
	case p.isPunct("["):
		return p.parseList(name, line)
	default:
		f, err := p.parseScalar(name, line)
		if err != nil {
			return nil, err
		}
		return []Field{f}, nil
	}
}

func (p *parser) parseScalar(name string, line int) (Field, error) {
	if p.tok.kind != tokWord && p.tok.kind != tokString {
		return Field{}, p.errorf("expected value for field " + name + ", got " + describe(p.tok))
	}
	f := Field{Name: name, Value: p.tok.text, Quoted: p.tok.kind == tokString, Line: line}
	if err := p.advance(); err != nil {
		return Field{}, err
	}
	// Adjacent string literals concatenate.
	for f.Quoted && p.tok.kind == tokString {
		f.Value += p.tok.text
		if err := p.advance(); err != nil {
			return Field{}, err
		}
	}
	return f, nil
}

// parseList expands `name: [a, b, c]` into repeated scalar fields.
func (p *parser) parseList(name string, line int) ([]Field, error) {
	if err := p.advance(); err != nil { // '['
		return nil, err
	}
	var res []Field
	for !p.isPunct("]") {
		if len(res) > 0 {
			if !p.isPunct(",") {
				return nil, p.errorf("expected ',' or ']' in list " + name)
			}
			if err := p.advance(); err != nil {
				return nil, err
			}
		}
		f, err := p.parseScalar(name, line)
		if err != nil {
			return nil, err
		}
		res = append(res, f)
	}
	return res, p.advance()
}

func describe(t token) string {
	switch t.kind {
	case tokEOF:
		return "end of input"
	case tokString:
		return "string " + `"` + t.text + `"`
	default:
		return "'" + t.text + "'"
	}
}
