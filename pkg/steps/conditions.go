package steps

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cuemby/fleetagent/pkg/execctx"
	"github.com/cuemby/fleetagent/pkg/types"
)

// EvalContext supplies the runtime facts a condition expression consults.
// The same expression can be evaluated twice for one step: once normally
// before execution, and once with Canceled set to true from the
// job-cancellation callback, so that an always()-style condition can let a
// cleanup step run past a cancelled job.
type EvalContext struct {
	JobResult types.Result
	Canceled  bool
	Variables *execctx.VariableStore
}

// EvaluateCondition parses and evaluates a condition expression. An empty
// expression is the default condition: the step runs only if the job is
// currently succeeding (Succeeded or SucceededWithIssues).
func EvaluateCondition(expr string, ec EvalContext) (bool, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return ec.JobResult == types.ResultSucceeded || ec.JobResult == types.ResultSucceededWithIssues, nil
	}

	toks, err := tokenize(expr)
	if err != nil {
		return false, fmt.Errorf("condition %q: %w", expr, err)
	}
	p := &parser{tokens: toks}
	node, err := p.parseOr()
	if err != nil {
		return false, fmt.Errorf("condition %q: %w", expr, err)
	}
	if !p.atEnd() {
		return false, fmt.Errorf("condition %q: unexpected trailing input", expr)
	}
	val, err := node.eval(ec)
	if err != nil {
		return false, fmt.Errorf("condition %q: %w", expr, err)
	}
	return truthy(val), nil
}

// --- tokenizer -------------------------------------------------------------

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokString
	tokNumber
	tokLParen
	tokRParen
	tokComma
	tokAnd
	tokOr
	tokNot
	tokEq
	tokNe
)

type token struct {
	kind tokenKind
	text string
}

func tokenize(expr string) ([]token, error) {
	var toks []token
	r := []rune(expr)
	i := 0
	for i < len(r) {
		c := r[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '(':
			toks = append(toks, token{tokLParen, "("})
			i++
		case c == ')':
			toks = append(toks, token{tokRParen, ")"})
			i++
		case c == ',':
			toks = append(toks, token{tokComma, ","})
			i++
		case c == '!':
			if i+1 < len(r) && r[i+1] == '=' {
				toks = append(toks, token{tokNe, "!="})
				i += 2
			} else {
				toks = append(toks, token{tokNot, "!"})
				i++
			}
		case c == '=' && i+1 < len(r) && r[i+1] == '=':
			toks = append(toks, token{tokEq, "=="})
			i += 2
		case c == '&' && i+1 < len(r) && r[i+1] == '&':
			toks = append(toks, token{tokAnd, "&&"})
			i += 2
		case c == '|' && i+1 < len(r) && r[i+1] == '|':
			toks = append(toks, token{tokOr, "||"})
			i += 2
		case c == '\'' || c == '"':
			quote := c
			j := i + 1
			for j < len(r) && r[j] != quote {
				j++
			}
			if j >= len(r) {
				return nil, fmt.Errorf("unterminated string literal")
			}
			toks = append(toks, token{tokString, string(r[i+1 : j])})
			i = j + 1
		case c >= '0' && c <= '9':
			j := i
			for j < len(r) && (r[j] >= '0' && r[j] <= '9' || r[j] == '.') {
				j++
			}
			toks = append(toks, token{tokNumber, string(r[i:j])})
			i = j
		case isIdentStart(c):
			j := i
			for j < len(r) && isIdentPart(r[j]) {
				j++
			}
			toks = append(toks, token{tokIdent, string(r[i:j])})
			i = j
		default:
			return nil, fmt.Errorf("unexpected character %q", string(c))
		}
	}
	toks = append(toks, token{tokEOF, ""})
	return toks, nil
}

func isIdentStart(c rune) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c rune) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}

// --- AST ---------------------------------------------------------------

type node interface {
	eval(ec EvalContext) (interface{}, error)
}

type literal struct{ value interface{} }

func (l literal) eval(EvalContext) (interface{}, error) { return l.value, nil }

type binary struct {
	op          tokenKind
	left, right node
}

func (b binary) eval(ec EvalContext) (interface{}, error) {
	switch b.op {
	case tokAnd:
		l, err := b.left.eval(ec)
		if err != nil {
			return nil, err
		}
		if !truthy(l) {
			return false, nil
		}
		r, err := b.right.eval(ec)
		if err != nil {
			return nil, err
		}
		return truthy(r), nil
	case tokOr:
		l, err := b.left.eval(ec)
		if err != nil {
			return nil, err
		}
		if truthy(l) {
			return true, nil
		}
		r, err := b.right.eval(ec)
		if err != nil {
			return nil, err
		}
		return truthy(r), nil
	case tokEq, tokNe:
		l, err := b.left.eval(ec)
		if err != nil {
			return nil, err
		}
		r, err := b.right.eval(ec)
		if err != nil {
			return nil, err
		}
		eq := stringify(l) == stringify(r)
		if b.op == tokNe {
			return !eq, nil
		}
		return eq, nil
	}
	return nil, fmt.Errorf("unsupported operator")
}

type unaryNot struct{ operand node }

func (u unaryNot) eval(ec EvalContext) (interface{}, error) {
	v, err := u.operand.eval(ec)
	if err != nil {
		return nil, err
	}
	return !truthy(v), nil
}

type call struct {
	name string
	args []node
}

func (c call) eval(ec EvalContext) (interface{}, error) {
	switch strings.ToLower(c.name) {
	case "always":
		return true, nil
	case "succeeded":
		return ec.JobResult == types.ResultSucceeded || ec.JobResult == types.ResultSucceededWithIssues || ec.JobResult == types.ResultNone, nil
	case "failed":
		return ec.JobResult == types.ResultFailed, nil
	case "canceled":
		return ec.Canceled, nil
	case "succeededorfailed":
		return ec.JobResult != types.ResultCanceled, nil
	case "variables":
		if len(c.args) != 1 {
			return nil, fmt.Errorf("variables() takes exactly one argument")
		}
		nameVal, err := c.args[0].eval(ec)
		if err != nil {
			return nil, err
		}
		if ec.Variables == nil {
			return "", nil
		}
		v, ok := ec.Variables.Get(stringify(nameVal))
		if !ok {
			return "", nil
		}
		return v.Value, nil
	case "eq", "ne":
		if len(c.args) != 2 {
			return nil, fmt.Errorf("%s() takes exactly two arguments", c.name)
		}
		l, err := c.args[0].eval(ec)
		if err != nil {
			return nil, err
		}
		r, err := c.args[1].eval(ec)
		if err != nil {
			return nil, err
		}
		eq := stringify(l) == stringify(r)
		if strings.ToLower(c.name) == "ne" {
			return !eq, nil
		}
		return eq, nil
	case "contains":
		if len(c.args) != 2 {
			return nil, fmt.Errorf("contains() takes exactly two arguments")
		}
		l, err := c.args[0].eval(ec)
		if err != nil {
			return nil, err
		}
		r, err := c.args[1].eval(ec)
		if err != nil {
			return nil, err
		}
		return strings.Contains(stringify(l), stringify(r)), nil
	case "not":
		if len(c.args) != 1 {
			return nil, fmt.Errorf("not() takes exactly one argument")
		}
		v, err := c.args[0].eval(ec)
		if err != nil {
			return nil, err
		}
		return !truthy(v), nil
	}
	return nil, fmt.Errorf("unknown condition function %q", c.name)
}

func truthy(v interface{}) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t != "" && strings.ToLower(t) != "false"
	case float64:
		return t != 0
	default:
		return v != nil
	}
}

func stringify(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		if t {
			return "true"
		}
		return "false"
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// --- parser --------------------------------------------------------------

type parser struct {
	tokens []token
	pos    int
}

func (p *parser) peek() token  { return p.tokens[p.pos] }
func (p *parser) atEnd() bool  { return p.peek().kind == tokEOF }
func (p *parser) advance() token {
	t := p.tokens[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) expect(k tokenKind, what string) (token, error) {
	if p.peek().kind != k {
		return token{}, fmt.Errorf("expected %s, got %q", what, p.peek().text)
	}
	return p.advance(), nil
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokOr {
		p.advance()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = binary{op: tokOr, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseEquality()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokAnd {
		p.advance()
		right, err := p.parseEquality()
		if err != nil {
			return nil, err
		}
		left = binary{op: tokAnd, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseEquality() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokEq || p.peek().kind == tokNe {
		op := p.advance().kind
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = binary{op: op, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseUnary() (node, error) {
	if p.peek().kind == tokNot {
		p.advance()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return unaryNot{operand: operand}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (node, error) {
	t := p.peek()
	switch t.kind {
	case tokLParen:
		p.advance()
		n, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRParen, "')'"); err != nil {
			return nil, err
		}
		return n, nil
	case tokString:
		p.advance()
		return literal{value: t.text}, nil
	case tokNumber:
		p.advance()
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, err
		}
		return literal{value: f}, nil
	case tokIdent:
		p.advance()
		lower := strings.ToLower(t.text)
		if lower == "true" {
			return literal{value: true}, nil
		}
		if lower == "false" {
			return literal{value: false}, nil
		}
		if p.peek().kind == tokLParen {
			p.advance()
			var args []node
			if p.peek().kind != tokRParen {
				for {
					arg, err := p.parseOr()
					if err != nil {
						return nil, err
					}
					args = append(args, arg)
					if p.peek().kind == tokComma {
						p.advance()
						continue
					}
					break
				}
			}
			if _, err := p.expect(tokRParen, "')'"); err != nil {
				return nil, err
			}
			return call{name: t.text, args: args}, nil
		}
		return literal{value: t.text}, nil
	}
	return nil, fmt.Errorf("unexpected token %q", t.text)
}
