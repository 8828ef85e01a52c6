package render

import (
	"fmt"
	"strconv"
	"strings"
)

// Context is the variable scope a template is rendered against.
type Context map[string]any

const (
	tagOpen  = "{{"
	tagClose = "}}"
)

// Program is a compiled template. Compilation is pure; a Program can be
// cached and executed concurrently.
type Program struct {
	source string
	nodes  []node
}

func (p *Program) Execute(scope Context) (string, error) {
	var out strings.Builder
	out.Grow(len(p.source))
	for _, n := range p.nodes {
		if err := n.render(&out, scope); err != nil {
			return "", err
		}
	}
	return out.String(), nil
}

type node interface {
	render(out *strings.Builder, scope Context) error
}

type textNode string

func (n textNode) render(out *strings.Builder, _ Context) error {
	out.WriteString(string(n))
	return nil
}

type exprNode struct {
	expr expression
}

func (n exprNode) render(out *strings.Builder, scope Context) error {
	value, err := n.expr.eval(scope)
	if err != nil {
		return err
	}
	out.WriteString(formatValue(value))
	return nil
}

type ifNode struct {
	cond expression
	then []node
	alt  []node
}

func (n ifNode) render(out *strings.Builder, scope Context) error {
	value, err := n.cond.eval(scope)
	if err != nil {
		return err
	}
	branch := n.alt
	if truthy(value) {
		branch = n.then
	}
	for _, child := range branch {
		if err := child.render(out, scope); err != nil {
			return err
		}
	}
	return nil
}

type expression interface {
	eval(scope Context) (any, error)
}

type literalExpr struct {
	value any
}

func (e literalExpr) eval(Context) (any, error) { return e.value, nil }

// pathExpr resolves a dotted path into the scope. Missing segments resolve
// to nil rather than erroring, so optional fields render as empty.
type pathExpr []string

func (e pathExpr) eval(scope Context) (any, error) {
	var current any = map[string]any(scope)
	for _, segment := range e {
		m, ok := asMap(current)
		if !ok {
			return nil, nil
		}
		current = m[segment]
	}
	return current, nil
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case Context:
		return m, true
	case map[string]string:
		out := make(map[string]any, len(m))
		for k, s := range m {
			out[k] = s
		}
		return out, true
	default:
		return nil, false
	}
}

type callExpr struct {
	name string
	fn   helperFunc
	args []expression
}

func (e callExpr) eval(scope Context) (any, error) {
	args := make([]any, len(e.args))
	for i, arg := range e.args {
		value, err := arg.eval(scope)
		if err != nil {
			return nil, err
		}
		args[i] = value
	}
	result, err := e.fn(args)
	if err != nil {
		return nil, fmt.Errorf("helper %s: %w", e.name, err)
	}
	return result, nil
}

type compiler struct {
	helpers map[string]helperFunc
}

// Compile parses template source into a Program. The language is closed:
// dotted variable paths, registered helpers, and if/else blocks only.
func (c *compiler) Compile(source string) (*Program, error) {
	nodes, rest, err := c.parseNodes(source, false)
	if err != nil {
		return nil, err
	}
	if rest != "" {
		return nil, fmt.Errorf("unexpected %q outside of a block", tagOpen+rest)
	}
	return &Program{source: source, nodes: nodes}, nil
}

// parseNodes consumes until end of input or, inside a block, until an
// {{else}} or {{/if}} tag, which is returned in rest.
func (c *compiler) parseNodes(source string, inBlock bool) (nodes []node, rest string, err error) {
	for {
		open := strings.Index(source, tagOpen)
		if open < 0 {
			if inBlock {
				return nil, "", fmt.Errorf("unterminated block: missing %s/if%s", tagOpen, tagClose)
			}
			if source != "" {
				nodes = append(nodes, textNode(source))
			}
			return nodes, "", nil
		}
		if open > 0 {
			nodes = append(nodes, textNode(source[:open]))
		}
		source = source[open+len(tagOpen):]

		closing := strings.Index(source, tagClose)
		if closing < 0 {
			return nil, "", fmt.Errorf("unterminated tag: missing %s", tagClose)
		}
		tag := strings.TrimSpace(source[:closing])
		source = source[closing+len(tagClose):]

		switch {
		case tag == "else" || tag == "/if":
			if !inBlock {
				return nil, "", fmt.Errorf("%s%s%s outside of a block", tagOpen, tag, tagClose)
			}
			return nodes, tag + "|" + source, nil
		case strings.HasPrefix(tag, "#if"):
			cond, err := c.parseExpression(strings.TrimSpace(strings.TrimPrefix(tag, "#if")))
			if err != nil {
				return nil, "", err
			}
			block := ifNode{cond: cond}
			block.then, rest, err = c.parseNodes(source, true)
			if err != nil {
				return nil, "", err
			}
			endTag, after, _ := strings.Cut(rest, "|")
			if endTag == "else" {
				block.alt, rest, err = c.parseNodes(after, true)
				if err != nil {
					return nil, "", err
				}
				endTag, after, _ = strings.Cut(rest, "|")
			}
			if endTag != "/if" {
				return nil, "", fmt.Errorf("unterminated block: missing %s/if%s", tagOpen, tagClose)
			}
			source = after
			nodes = append(nodes, block)
		case strings.HasPrefix(tag, "#"):
			return nil, "", fmt.Errorf("unknown block %q", tag)
		default:
			expr, err := c.parseExpression(tag)
			if err != nil {
				return nil, "", err
			}
			nodes = append(nodes, exprNode{expr: expr})
		}
	}
}

func (c *compiler) parseExpression(content string) (expression, error) {
	tokens, err := tokenize(content)
	if err != nil {
		return nil, err
	}
	if len(tokens) == 0 {
		return nil, fmt.Errorf("empty expression")
	}

	if fn, ok := c.helpers[tokens[0]]; ok && len(tokens) > 1 {
		call := callExpr{name: tokens[0], fn: fn}
		for _, token := range tokens[1:] {
			arg, err := c.parseOperand(token)
			if err != nil {
				return nil, err
			}
			call.args = append(call.args, arg)
		}
		return call, nil
	}
	if len(tokens) != 1 {
		return nil, fmt.Errorf("%q is not a registered helper", tokens[0])
	}
	return c.parseOperand(tokens[0])
}

func (c *compiler) parseOperand(token string) (expression, error) {
	if strings.HasPrefix(token, `"`) {
		return literalExpr{value: strings.Trim(token, `"`)}, nil
	}
	if strings.HasPrefix(token, "'") {
		return literalExpr{value: strings.Trim(token, "'")}, nil
	}
	if token == "true" {
		return literalExpr{value: true}, nil
	}
	if token == "false" {
		return literalExpr{value: false}, nil
	}
	if n, err := strconv.ParseFloat(token, 64); err == nil {
		return literalExpr{value: n}, nil
	}
	path := strings.Split(token, ".")
	for _, segment := range path {
		if segment == "" {
			return nil, fmt.Errorf("malformed path %q", token)
		}
	}
	return pathExpr(path), nil
}

// tokenize splits on spaces while keeping quoted strings intact.
func tokenize(content string) ([]string, error) {
	var tokens []string
	var current strings.Builder
	var quote rune

	flush := func() {
		if current.Len() > 0 {
			tokens = append(tokens, current.String())
			current.Reset()
		}
	}

	for _, r := range content {
		switch {
		case quote != 0:
			current.WriteRune(r)
			if r == quote {
				quote = 0
				flush()
			}
		case r == '"' || r == '\'':
			quote = r
			current.WriteRune(r)
		case r == ' ' || r == '\t':
			flush()
		default:
			current.WriteRune(r)
		}
	}
	if quote != 0 {
		return nil, fmt.Errorf("unterminated string in %q", content)
	}
	flush()
	return tokens, nil
}

func truthy(v any) bool {
	switch value := v.(type) {
	case nil:
		return false
	case bool:
		return value
	case string:
		return value != ""
	case float64:
		return value != 0
	case int:
		return value != 0
	case []any:
		return len(value) > 0
	case map[string]any:
		return len(value) > 0
	default:
		return true
	}
}

func formatValue(v any) string {
	switch value := v.(type) {
	case nil:
		return ""
	case string:
		return value
	case float64:
		return strconv.FormatFloat(value, 'f', -1, 64)
	case int:
		return strconv.Itoa(value)
	case bool:
		return strconv.FormatBool(value)
	default:
		return fmt.Sprintf("%v", value)
	}
}
