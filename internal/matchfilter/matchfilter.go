// Package matchfilter implements the small boolean expression language used
// by conditions to inspect extracted metadata. The grammar follows the
// downloader tool's own match-filter where practical:
//
//	expr    := or
//	or      := and ('|' and)*
//	and     := unary ('&' unary)*
//	unary   := '!' unary | primary
//	primary := '(' expr ')' | key '?' | key op value | key
//	op      := '=' | '!=' | '~=' | '>' | '<' | '>=' | '<='
//
// Keys are bare identifiers (dots traverse nested maps); values are
// single-quoted strings, numbers, or bare words. Absent keys are falsy and
// all comparisons against them are false.
package matchfilter

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

// Expr is a compiled filter.
type Expr interface {
	Match(info map[string]any) bool
}

// Parse compiles a filter expression. Regex patterns for ~= are compiled
// here so bad patterns fail at save time, not at evaluation.
func Parse(input string) (Expr, error) {
	toks, err := lex(input)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	e, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokEOF {
		return nil, fmt.Errorf("unexpected %q at position %d", p.peek().text, p.peek().pos)
	}
	return e, nil
}

type tokKind int

const (
	tokEOF tokKind = iota
	tokIdent
	tokString
	tokNumber
	tokOp     // = != ~= > < >= <=
	tokAnd    // &
	tokOr     // |
	tokNot    // !
	tokLParen // (
	tokRParen // )
	tokQuery  // ?
)

type token struct {
	kind tokKind
	text string
	pos  int
}

func lex(input string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(input) {
		c := input[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n':
			i++
		case c == '(':
			toks = append(toks, token{tokLParen, "(", i})
			i++
		case c == ')':
			toks = append(toks, token{tokRParen, ")", i})
			i++
		case c == '&':
			toks = append(toks, token{tokAnd, "&", i})
			i++
		case c == '|':
			toks = append(toks, token{tokOr, "|", i})
			i++
		case c == '?':
			toks = append(toks, token{tokQuery, "?", i})
			i++
		case c == '!':
			if i+1 < len(input) && input[i+1] == '=' {
				toks = append(toks, token{tokOp, "!=", i})
				i += 2
			} else {
				toks = append(toks, token{tokNot, "!", i})
				i++
			}
		case c == '~':
			if i+1 < len(input) && input[i+1] == '=' {
				toks = append(toks, token{tokOp, "~=", i})
				i += 2
			} else {
				return nil, fmt.Errorf("unexpected '~' at position %d", i)
			}
		case c == '=':
			toks = append(toks, token{tokOp, "=", i})
			i++
		case c == '>' || c == '<':
			op := string(c)
			if i+1 < len(input) && input[i+1] == '=' {
				op += "="
				i++
			}
			toks = append(toks, token{tokOp, op, i})
			i++
		case c == '\'':
			j := i + 1
			var sb strings.Builder
			for j < len(input) && input[j] != '\'' {
				if input[j] == '\\' && j+1 < len(input) {
					j++
				}
				sb.WriteByte(input[j])
				j++
			}
			if j >= len(input) {
				return nil, fmt.Errorf("unterminated string at position %d", i)
			}
			toks = append(toks, token{tokString, sb.String(), i})
			i = j + 1
		case c == '-' || c == '+' || unicode.IsDigit(rune(c)):
			j := i
			if c == '-' || c == '+' {
				j++
			}
			for j < len(input) && (unicode.IsDigit(rune(input[j])) || input[j] == '.') {
				j++
			}
			if j == i || (j == i+1 && (c == '-' || c == '+')) {
				return nil, fmt.Errorf("bad number at position %d", i)
			}
			toks = append(toks, token{tokNumber, input[i:j], i})
			i = j
		case isIdentStart(c):
			j := i
			for j < len(input) && isIdentChar(input[j]) {
				j++
			}
			toks = append(toks, token{tokIdent, input[i:j], i})
			i = j
		default:
			return nil, fmt.Errorf("unexpected character %q at position %d", c, i)
		}
	}
	toks = append(toks, token{tokEOF, "", len(input)})
	return toks, nil
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentChar(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9') || c == '.'
}

type parser struct {
	toks []token
	i    int
}

func (p *parser) peek() token { return p.toks[p.i] }

func (p *parser) next() token {
	t := p.toks[p.i]
	if t.kind != tokEOF {
		p.i++
	}
	return t
}

func (p *parser) parseOr() (Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokOr {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = orExpr{left, right}
	}
	return left, nil
}

func (p *parser) parseAnd() (Expr, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokAnd {
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = andExpr{left, right}
	}
	return left, nil
}

func (p *parser) parseUnary() (Expr, error) {
	if p.peek().kind == tokNot {
		p.next()
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return notExpr{inner}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (Expr, error) {
	t := p.next()
	switch t.kind {
	case tokLParen:
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if closing := p.next(); closing.kind != tokRParen {
			return nil, fmt.Errorf("expected ')' at position %d", closing.pos)
		}
		return inner, nil
	case tokIdent:
		switch p.peek().kind {
		case tokQuery:
			p.next()
			return presenceExpr{key: t.text}, nil
		case tokOp:
			op := p.next()
			val := p.next()
			switch val.kind {
			case tokString, tokNumber, tokIdent:
			default:
				return nil, fmt.Errorf("expected value after %q at position %d", op.text, val.pos)
			}
			cmp := cmpExpr{key: t.text, op: op.text, raw: val.text, quoted: val.kind == tokString}
			if op.text == "~=" {
				re, err := regexp.Compile(val.text)
				if err != nil {
					return nil, fmt.Errorf("bad regex %q: %w", val.text, err)
				}
				cmp.re = re
			}
			return cmp, nil
		default:
			return truthyExpr{key: t.text}, nil
		}
	}
	return nil, fmt.Errorf("unexpected %q at position %d", t.text, t.pos)
}

type andExpr struct{ l, r Expr }

func (e andExpr) Match(info map[string]any) bool { return e.l.Match(info) && e.r.Match(info) }

type orExpr struct{ l, r Expr }

func (e orExpr) Match(info map[string]any) bool { return e.l.Match(info) || e.r.Match(info) }

type notExpr struct{ inner Expr }

func (e notExpr) Match(info map[string]any) bool { return !e.inner.Match(info) }

type presenceExpr struct{ key string }

func (e presenceExpr) Match(info map[string]any) bool {
	v, ok := lookup(info, e.key)
	return ok && v != nil
}

type truthyExpr struct{ key string }

func (e truthyExpr) Match(info map[string]any) bool {
	v, ok := lookup(info, e.key)
	return ok && truthy(v)
}

type cmpExpr struct {
	key    string
	op     string
	raw    string
	quoted bool
	re     *regexp.Regexp
}

func (e cmpExpr) Match(info map[string]any) bool {
	v, ok := lookup(info, e.key)
	if !ok || v == nil {
		return false
	}

	if e.op == "~=" {
		return e.re.MatchString(stringify(v))
	}

	// Numeric comparison when both sides are numbers, else lexicographic.
	if lf, lok := toFloat(v); lok && !e.quoted {
		if rf, err := strconv.ParseFloat(e.raw, 64); err == nil {
			return compareFloat(lf, rf, e.op)
		}
	}
	return compareString(stringify(v), e.raw, e.op)
}

func compareFloat(l, r float64, op string) bool {
	switch op {
	case "=":
		return l == r
	case "!=":
		return l != r
	case ">":
		return l > r
	case "<":
		return l < r
	case ">=":
		return l >= r
	case "<=":
		return l <= r
	}
	return false
}

func compareString(l, r, op string) bool {
	switch op {
	case "=":
		return l == r
	case "!=":
		return l != r
	case ">":
		return l > r
	case "<":
		return l < r
	case ">=":
		return l >= r
	case "<=":
		return l <= r
	}
	return false
}

// lookup resolves a possibly dotted key against nested maps.
func lookup(info map[string]any, key string) (any, bool) {
	if info == nil {
		return nil, false
	}
	parts := strings.Split(key, ".")
	var cur any = info
	for _, part := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	case []any:
		return len(x) > 0
	case map[string]any:
		return len(x) > 0
	default:
		if f, ok := toFloat(v); ok {
			return f != 0
		}
		return true
	}
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case string:
		f, err := strconv.ParseFloat(x, 64)
		return f, err == nil
	}
	return 0, false
}

func stringify(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		// Render integral floats without the trailing .0 so numeric JSON
		// values compare naturally against bare words.
		if x == float64(int64(x)) {
			return strconv.FormatInt(int64(x), 10)
		}
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", v)
	}
}
