package expression

import (
	"strings"

	"github.com/antonmedv/expr/ast"
	"github.com/antonmedv/expr/parser"
)

// Reference is one variable access inside an expression. Alias is empty for a
// bare identifier, otherwise the expression reads Alias.Attribute.
type Reference struct {
	Alias     string
	Attribute string
}

// SplitConjuncts splits a boolean expression on its top-level `&&`/`and`
// operators. Expressions containing a top-level `||`, `or` or ternary are
// returned whole, since splitting them would change their meaning.
func SplitConjuncts(source string) []string {
	source = stripParens(source)
	if source == "" {
		return nil
	}

	parts := splitTopLevel(source)
	if len(parts) == 1 {
		return parts
	}
	var out []string
	for _, p := range parts {
		out = append(out, SplitConjuncts(p)...)
	}
	return out
}

// splitTopLevel cuts source on the `&&`/`and` operators outside any brackets.
func splitTopLevel(source string) []string {
	var (
		parts []string
		depth int
		quote byte
		last  int
	)
	for i := 0; i < len(source); i++ {
		c := source[i]
		if quote != 0 {
			if c == '\\' {
				i++
			} else if c == quote {
				quote = 0
			}
			continue
		}
		switch c {
		case '"', '\'', '`':
			quote = c
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
		}
		if depth != 0 {
			continue
		}
		switch {
		case c == '?', strings.HasPrefix(source[i:], "||"), keywordAt(source, i, "or"):
			return []string{source}
		case strings.HasPrefix(source[i:], "&&"):
			parts = append(parts, strings.TrimSpace(source[last:i]))
			i++
			last = i + 1
		case keywordAt(source, i, "and"):
			parts = append(parts, strings.TrimSpace(source[last:i]))
			i += len("and") - 1
			last = i + 1
		}
	}
	return append(parts, strings.TrimSpace(source[last:]))
}

// JoinConjuncts is the inverse of SplitConjuncts.
func JoinConjuncts(parts []string) string {
	if len(parts) == 1 {
		return parts[0]
	}
	return "(" + strings.Join(parts, ") && (") + ")"
}

// References lists the variables an expression reads. ok is false when the
// expression uses a construct the analysis does not model; callers must then
// treat it as reading anything.
func References(source string) (refs []Reference, ok bool) {
	tree, err := parser.Parse(source)
	if err != nil {
		return nil, false
	}
	ok = collectReferences(tree.Node, &refs)
	return refs, ok
}

func collectReferences(node ast.Node, refs *[]Reference) bool {
	switch n := node.(type) {
	case *ast.NilNode, *ast.IntegerNode, *ast.FloatNode, *ast.BoolNode, *ast.StringNode:
		return true
	case *ast.IdentifierNode:
		*refs = append(*refs, Reference{Attribute: n.Value})
		return true
	case *ast.PropertyNode:
		id, isIdent := n.Node.(*ast.IdentifierNode)
		if !isIdent {
			return false
		}
		*refs = append(*refs, Reference{Alias: id.Value, Attribute: n.Property})
		return true
	case *ast.UnaryNode:
		return collectReferences(n.Node, refs)
	case *ast.BinaryNode:
		return collectReferences(n.Left, refs) && collectReferences(n.Right, refs)
	case *ast.FunctionNode:
		if _, builtin := builtinFuncs[n.Name]; !builtin {
			return false
		}
		for _, arg := range n.Arguments {
			if !collectReferences(arg, refs) {
				return false
			}
		}
		return true
	case *ast.ArrayNode:
		for _, el := range n.Nodes {
			if !collectReferences(el, refs) {
				return false
			}
		}
		return true
	case *ast.ConditionalNode:
		return collectReferences(n.Cond, refs) &&
			collectReferences(n.Exp1, refs) &&
			collectReferences(n.Exp2, refs)
	default:
		return false
	}
}

// keywordAt reports whether the word kw starts at i and stands alone.
func keywordAt(s string, i int, kw string) bool {
	if !strings.HasPrefix(s[i:], kw) {
		return false
	}
	if i > 0 && isWordByte(s[i-1]) {
		return false
	}
	end := i + len(kw)
	return end >= len(s) || !isWordByte(s[end])
}

func isWordByte(c byte) bool {
	return c == '_' || c == '.' || ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z') || ('0' <= c && c <= '9')
}

// stripParens removes one pair of parentheses wrapping the whole expression.
func stripParens(s string) string {
	s = strings.TrimSpace(s)
	for len(s) >= 2 && s[0] == '(' && s[len(s)-1] == ')' && matchingParen(s) == len(s)-1 {
		s = strings.TrimSpace(s[1 : len(s)-1])
	}
	return s
}

func matchingParen(s string) int {
	depth := 0
	var quote byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		if quote != 0 {
			if c == '\\' {
				i++
			} else if c == quote {
				quote = 0
			}
			continue
		}
		switch c {
		case '"', '\'', '`':
			quote = c
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}
