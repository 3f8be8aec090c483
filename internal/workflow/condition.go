package workflow

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Condition expressions are a small closed grammar evaluated against the
// run's context map. No code execution: only comparisons and boolean
// combinators over named context fields.
//
//	expr    := or
//	or      := and ( "||" and )*
//	and     := not ( "&&" not )*
//	not     := "!" not | cmp
//	cmp     := operand ( ("==" | "!=" | ">" | ">=" | "<" | "<=") operand )?
//	operand := "(" expr ")" | field | string | number | true | false
//
// Fields are dotted paths into the context map ("threat.score"). A bare
// field used as a boolean is true when present and not false/zero/"".

type tokenKind int

const (
	tokenField tokenKind = iota
	tokenString
	tokenNumber
	tokenBool
	tokenOp  // == != > >= < <=
	tokenAnd // &&
	tokenOr  // ||
	tokenNot // !
	tokenLParen
	tokenRParen
	tokenEOF
)

type token struct {
	kind tokenKind
	text string
}

type lexer struct {
	input string
	pos   int
}

func (l *lexer) next() (token, error) {
	for l.pos < len(l.input) && unicode.IsSpace(rune(l.input[l.pos])) {
		l.pos++
	}
	if l.pos >= len(l.input) {
		return token{kind: tokenEOF}, nil
	}

	c := l.input[l.pos]
	switch c {
	case '(':
		l.pos++
		return token{kind: tokenLParen}, nil
	case ')':
		l.pos++
		return token{kind: tokenRParen}, nil
	case '&':
		if strings.HasPrefix(l.input[l.pos:], "&&") {
			l.pos += 2
			return token{kind: tokenAnd}, nil
		}
		return token{}, fmt.Errorf("unexpected %q at %d", c, l.pos)
	case '|':
		if strings.HasPrefix(l.input[l.pos:], "||") {
			l.pos += 2
			return token{kind: tokenOr}, nil
		}
		return token{}, fmt.Errorf("unexpected %q at %d", c, l.pos)
	case '!':
		if strings.HasPrefix(l.input[l.pos:], "!=") {
			l.pos += 2
			return token{kind: tokenOp, text: "!="}, nil
		}
		l.pos++
		return token{kind: tokenNot}, nil
	case '=':
		if strings.HasPrefix(l.input[l.pos:], "==") {
			l.pos += 2
			return token{kind: tokenOp, text: "=="}, nil
		}
		return token{}, fmt.Errorf("single '=' at %d, use '=='", l.pos)
	case '>', '<':
		op := string(c)
		l.pos++
		if l.pos < len(l.input) && l.input[l.pos] == '=' {
			op += "="
			l.pos++
		}
		return token{kind: tokenOp, text: op}, nil
	case '\'', '"':
		quote := c
		end := l.pos + 1
		for end < len(l.input) && l.input[end] != quote {
			end++
		}
		if end >= len(l.input) {
			return token{}, fmt.Errorf("unterminated string at %d", l.pos)
		}
		text := l.input[l.pos+1 : end]
		l.pos = end + 1
		return token{kind: tokenString, text: text}, nil
	}

	if c == '-' || (c >= '0' && c <= '9') {
		end := l.pos + 1
		for end < len(l.input) && (l.input[end] == '.' || (l.input[end] >= '0' && l.input[end] <= '9')) {
			end++
		}
		text := l.input[l.pos:end]
		l.pos = end
		return token{kind: tokenNumber, text: text}, nil
	}

	if isFieldChar(rune(c)) {
		end := l.pos + 1
		for end < len(l.input) && isFieldChar(rune(l.input[end])) {
			end++
		}
		text := l.input[l.pos:end]
		l.pos = end
		switch text {
		case "true", "false":
			return token{kind: tokenBool, text: text}, nil
		}
		return token{kind: tokenField, text: text}, nil
	}

	return token{}, fmt.Errorf("unexpected %q at %d", c, l.pos)
}

func isFieldChar(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '.'
}

type parser struct {
	lex  *lexer
	tok  token
	vars map[string]interface{}
}

// EvalCondition evaluates an expression against a context map. Any lexing,
// parsing, or type error is returned; callers treat errors as false.
func EvalCondition(expression string, vars map[string]interface{}) (bool, error) {
	if strings.TrimSpace(expression) == "" {
		return false, fmt.Errorf("empty condition expression")
	}
	p := &parser{lex: &lexer{input: expression}, vars: vars}
	if err := p.advance(); err != nil {
		return false, err
	}
	v, err := p.parseOr()
	if err != nil {
		return false, err
	}
	if p.tok.kind != tokenEOF {
		return false, fmt.Errorf("trailing input in expression")
	}
	return truthy(v), nil
}

func (p *parser) advance() error {
	tok, err := p.lex.next()
	if err != nil {
		return err
	}
	p.tok = tok
	return nil
}

func (p *parser) parseOr() (interface{}, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.tok.kind == tokenOr {
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = truthy(left) || truthy(right)
	}
	return left, nil
}

func (p *parser) parseAnd() (interface{}, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.tok.kind == tokenAnd {
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = truthy(left) && truthy(right)
	}
	return left, nil
}

func (p *parser) parseNot() (interface{}, error) {
	if p.tok.kind == tokenNot {
		if err := p.advance(); err != nil {
			return nil, err
		}
		v, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return !truthy(v), nil
	}
	return p.parseCmp()
}

func (p *parser) parseCmp() (interface{}, error) {
	left, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	if p.tok.kind != tokenOp {
		return left, nil
	}
	op := p.tok.text
	if err := p.advance(); err != nil {
		return nil, err
	}
	right, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	return compare(op, left, right)
}

func (p *parser) parseOperand() (interface{}, error) {
	switch p.tok.kind {
	case tokenLParen:
		if err := p.advance(); err != nil {
			return nil, err
		}
		v, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.tok.kind != tokenRParen {
			return nil, fmt.Errorf("missing closing parenthesis")
		}
		return v, p.advance()
	case tokenString:
		v := p.tok.text
		return v, p.advance()
	case tokenNumber:
		f, err := strconv.ParseFloat(p.tok.text, 64)
		if err != nil {
			return nil, fmt.Errorf("bad number %q", p.tok.text)
		}
		return f, p.advance()
	case tokenBool:
		v := p.tok.text == "true"
		return v, p.advance()
	case tokenField:
		v, err := lookupField(p.vars, p.tok.text)
		if err != nil {
			return nil, err
		}
		return v, p.advance()
	}
	return nil, fmt.Errorf("unexpected token in expression")
}

func lookupField(vars map[string]interface{}, path string) (interface{}, error) {
	parts := strings.Split(path, ".")
	var cur interface{} = vars
	for _, part := range parts {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("field %q not found", path)
		}
		cur, ok = m[part]
		if !ok {
			return nil, fmt.Errorf("field %q not found", path)
		}
	}
	return cur, nil
}

func compare(op string, left, right interface{}) (interface{}, error) {
	lf, lok := toFloat(left)
	rf, rok := toFloat(right)
	if lok && rok {
		switch op {
		case "==":
			return lf == rf, nil
		case "!=":
			return lf != rf, nil
		case ">":
			return lf > rf, nil
		case ">=":
			return lf >= rf, nil
		case "<":
			return lf < rf, nil
		case "<=":
			return lf <= rf, nil
		}
	}

	ls := fmt.Sprintf("%v", left)
	rs := fmt.Sprintf("%v", right)
	switch op {
	case "==":
		return ls == rs, nil
	case "!=":
		return ls != rs, nil
	case ">", ">=", "<", "<=":
		return nil, fmt.Errorf("ordering comparison needs numeric operands")
	}
	return nil, fmt.Errorf("unknown operator %q", op)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func truthy(v interface{}) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	case nil:
		return false
	}
	if f, ok := toFloat(v); ok {
		return f != 0
	}
	return true
}
