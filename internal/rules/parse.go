// internal/rules/parse.go
package rules

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/solatis/usbwarden/internal/types"
)

/*
 * Rule specification parsing and validation.
 *
 * Parses the line-oriented rule grammar into types.Rule with validated
 * resource limits. A specification is fully self-describing: target keyword
 * followed by attribute predicates.
 *
 *   allow id 046d:c52b serial "8F2A" via-port "1-2"
 *   block with-interface [one-of] { 08:*:* e0:*:* } label "no storage"
 *   reject via-port [none-of] { "1-1" "1-2" }
 *
 * Parsing workflow:
 *   1. Lex into words, quoted strings and punctuation
 *   2. Parse target keyword, then attribute clauses in any order
 *   3. Validate limits (rule length, set sizes, attribute lengths)
 *
 * Why parse-time validation: Enforcing limits during parsing moves error
 * detection to rule creation time rather than evaluation time, so a rule
 * set never holds an unevaluable rule.
 *
 * Duplicate attribute clauses are a syntax error: the matcher holds at most
 * one predicate per attribute and silently overriding an earlier clause
 * would hide administrator mistakes.
 */

type tokenKind int

const (
	tokWord tokenKind = iota
	tokString
	tokPunct
)

type token struct {
	kind tokenKind
	text string
}

// Parse converts a rule specification string into a Rule.
// The returned rule has ID 0; ids are assigned when the rule is committed
// to a RuleSet. All errors wrap types.ErrInvalidRuleSyntax.
func Parse(spec string) (types.Rule, error) {
	if len(spec) > types.MaxRuleLength {
		return types.Rule{}, fmt.Errorf("%w: %w", types.ErrInvalidRuleSyntax, types.ErrRuleTooLong)
	}

	toks, err := lex(spec)
	if err != nil {
		return types.Rule{}, err
	}
	if len(toks) == 0 {
		return types.Rule{}, fmt.Errorf("%w: empty specification", types.ErrInvalidRuleSyntax)
	}

	p := &parser{toks: toks}

	head, ok := p.word()
	if !ok {
		return types.Rule{}, syntaxErr("expected target keyword")
	}
	target, err := types.ParseTarget(head)
	if err != nil {
		return types.Rule{}, err
	}

	rule := types.Rule{Target: target}
	for !p.done() {
		if err := p.clause(&rule); err != nil {
			return types.Rule{}, err
		}
	}
	return rule, nil
}

func syntaxErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", types.ErrInvalidRuleSyntax, fmt.Sprintf(format, args...))
}

// lex splits a specification into words, quoted strings and punctuation.
// Quoted strings support \" and \\ escapes.
func lex(spec string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(spec) {
		c := spec[i]
		switch {
		case c == ' ' || c == '\t':
			i++
		case c == '{' || c == '}' || c == '[' || c == ']':
			toks = append(toks, token{tokPunct, string(c)})
			i++
		case c == '"':
			s, n, err := lexString(spec[i:])
			if err != nil {
				return nil, err
			}
			toks = append(toks, token{tokString, s})
			i += n
		case c == '#':
			// Trailing comment ends the specification
			return toks, nil
		default:
			j := i
			for j < len(spec) && !strings.ContainsRune(" \t{}[]\"#", rune(spec[j])) {
				j++
			}
			toks = append(toks, token{tokWord, spec[i:j]})
			i = j
		}
	}
	return toks, nil
}

// lexString consumes a double-quoted string starting at s[0] == '"'.
// Returns the unescaped value and the number of input bytes consumed.
func lexString(s string) (string, int, error) {
	var b strings.Builder
	i := 1
	for i < len(s) {
		switch s[i] {
		case '"':
			return b.String(), i + 1, nil
		case '\\':
			if i+1 >= len(s) {
				return "", 0, syntaxErr("unterminated escape in string")
			}
			next := s[i+1]
			if next != '"' && next != '\\' {
				return "", 0, syntaxErr("unsupported escape \\%c", next)
			}
			b.WriteByte(next)
			i += 2
		default:
			b.WriteByte(s[i])
			i++
		}
	}
	return "", 0, syntaxErr("unterminated string")
}

type parser struct {
	toks []token
	pos  int
}

func (p *parser) done() bool { return p.pos >= len(p.toks) }

func (p *parser) peek() (token, bool) {
	if p.done() {
		return token{}, false
	}
	return p.toks[p.pos], true
}

func (p *parser) next() (token, bool) {
	t, ok := p.peek()
	if ok {
		p.pos++
	}
	return t, ok
}

func (p *parser) word() (string, bool) {
	t, ok := p.peek()
	if !ok || t.kind != tokWord {
		return "", false
	}
	p.pos++
	return t.text, true
}

// clause parses one attribute clause into the rule's conditions.
func (p *parser) clause(rule *types.Rule) error {
	attr, ok := p.word()
	if !ok {
		t, _ := p.peek()
		return syntaxErr("expected attribute keyword, got %q", t.text)
	}

	c := &rule.Conditions
	switch attr {
	case "id":
		if c.DeviceID != nil {
			return syntaxErr("duplicate attribute %q", attr)
		}
		op, values, err := parseValues(p, parseDeviceQualifier)
		if err != nil {
			return err
		}
		c.DeviceID = &types.DeviceIDPredicate{Op: op, Values: values}
	case "serial":
		return p.stringClause(attr, &c.Serial)
	case "name":
		return p.stringClause(attr, &c.Name)
	case "hash":
		return p.stringClause(attr, &c.Hash)
	case "via-port":
		return p.stringClause(attr, &c.Port)
	case "with-connect-type":
		return p.stringClause(attr, &c.ConnectType)
	case "with-interface":
		if c.Interfaces != nil {
			return syntaxErr("duplicate attribute %q", attr)
		}
		op, values, err := parseValues(p, parseInterfaceType)
		if err != nil {
			return err
		}
		c.Interfaces = &types.InterfacePredicate{Op: op, Values: values}
	case "label":
		if rule.Label != "" {
			return syntaxErr("duplicate attribute %q", attr)
		}
		t, ok := p.next()
		if !ok || t.kind != tokString {
			return syntaxErr("label requires a quoted string")
		}
		if len(t.text) > types.MaxAttributeLength {
			return fmt.Errorf("%w: %w", types.ErrInvalidRuleSyntax, types.ErrAttributeTooLong)
		}
		rule.Label = t.text
	default:
		return syntaxErr("unknown attribute %q", attr)
	}
	return nil
}

// stringClause parses a single-value or set form string predicate.
func (p *parser) stringClause(attr string, dst **types.StringPredicate) error {
	if *dst != nil {
		return syntaxErr("duplicate attribute %q", attr)
	}
	op, values, err := parseValues(p, parseStringValue)
	if err != nil {
		return err
	}
	*dst = &types.StringPredicate{Op: op, Values: values}
	return nil
}

// parseValues handles the shared predicate value grammar:
//
//	value
//	[op] { value value ... }
//	{ value value ... }          (implicit one-of)
func parseValues[T any](p *parser, parseOne func(token) (T, error)) (types.MatchOp, []T, error) {
	op := types.OpEquals

	t, ok := p.peek()
	if !ok {
		return op, nil, syntaxErr("expected predicate value")
	}

	if t.kind == tokPunct && t.text == "[" {
		p.next()
		opWord, ok := p.word()
		if !ok {
			return op, nil, syntaxErr("expected set operator after '['")
		}
		switch opWord {
		case "one-of", "equals":
			op = types.OpOneOf
		case "none-of":
			op = types.OpNoneOf
		default:
			return op, nil, syntaxErr("unknown set operator %q", opWord)
		}
		if t, ok := p.next(); !ok || t.kind != tokPunct || t.text != "]" {
			return op, nil, syntaxErr("expected ']' after set operator")
		}
		t, ok = p.peek()
		if !ok {
			return op, nil, syntaxErr("expected '{' after set operator")
		}
	}

	if t.kind == tokPunct && t.text == "{" {
		if op == types.OpEquals {
			op = types.OpOneOf
		}
		p.next()
		var values []T
		for {
			t, ok := p.next()
			if !ok {
				return op, nil, syntaxErr("unterminated value set")
			}
			if t.kind == tokPunct && t.text == "}" {
				break
			}
			if t.kind == tokPunct {
				return op, nil, syntaxErr("unexpected %q in value set", t.text)
			}
			v, err := parseOne(t)
			if err != nil {
				return op, nil, err
			}
			values = append(values, v)
			if len(values) > types.MaxSetValues {
				return op, nil, fmt.Errorf("%w: %w", types.ErrInvalidRuleSyntax, types.ErrTooManySetValues)
			}
		}
		if len(values) == 0 {
			return op, nil, syntaxErr("empty value set")
		}
		return op, values, nil
	}

	t, _ = p.next()
	if t.kind == tokPunct {
		return op, nil, syntaxErr("expected predicate value, got %q", t.text)
	}
	v, err := parseOne(t)
	if err != nil {
		return op, nil, err
	}
	return op, []T{v}, nil
}

// parseStringValue accepts quoted strings (and bare words for convenience).
func parseStringValue(t token) (string, error) {
	if len(t.text) > types.MaxAttributeLength {
		return "", fmt.Errorf("%w: %w", types.ErrInvalidRuleSyntax, types.ErrAttributeTooLong)
	}
	return t.text, nil
}

// parseDeviceQualifier parses VVVV:PPPP with * wildcards, e.g. 046d:c52b,
// 046d:*, *:*. Hex digits are normalized to lowercase.
func parseDeviceQualifier(t token) (types.DeviceQualifier, error) {
	if t.kind != tokWord {
		return types.DeviceQualifier{}, syntaxErr("device id must be a bare VVVV:PPPP value")
	}
	parts := strings.Split(t.text, ":")
	if len(parts) != 2 {
		return types.DeviceQualifier{}, syntaxErr("malformed device id %q", t.text)
	}
	q := types.DeviceQualifier{}
	for i, part := range parts {
		if part == "*" {
			continue
		}
		if len(part) != 4 {
			return types.DeviceQualifier{}, syntaxErr("malformed device id %q", t.text)
		}
		if _, err := strconv.ParseUint(part, 16, 16); err != nil {
			return types.DeviceQualifier{}, syntaxErr("malformed device id %q", t.text)
		}
		if i == 0 {
			q.VendorID = strings.ToLower(part)
		} else {
			q.ProductID = strings.ToLower(part)
		}
	}
	if q.VendorID == "" && q.ProductID != "" {
		// *:PPPP would match a product across all vendors, which is
		// never a meaningful identity.
		return types.DeviceQualifier{}, syntaxErr("wildcard vendor with concrete product in %q", t.text)
	}
	return q, nil
}

// parseInterfaceType parses cc:ss:pp with * wildcards, e.g. 03:00:01,
// 03:*:*. A wildcard subclass requires a wildcard protocol.
func parseInterfaceType(t token) (types.InterfaceType, error) {
	if t.kind != tokWord {
		return types.InterfaceType{}, syntaxErr("interface type must be a bare cc:ss:pp value")
	}
	parts := strings.Split(t.text, ":")
	if len(parts) != 3 {
		return types.InterfaceType{}, syntaxErr("malformed interface type %q", t.text)
	}

	parseByte := func(s string) (uint8, bool, error) {
		if s == "*" {
			return 0, false, nil
		}
		if len(s) != 2 {
			return 0, false, syntaxErr("malformed interface type %q", t.text)
		}
		n, err := strconv.ParseUint(s, 16, 8)
		if err != nil {
			return 0, false, syntaxErr("malformed interface type %q", t.text)
		}
		return uint8(n), true, nil
	}

	class, hasClass, err := parseByte(parts[0])
	if err != nil {
		return types.InterfaceType{}, err
	}
	if !hasClass {
		return types.InterfaceType{}, syntaxErr("interface class may not be a wildcard in %q", t.text)
	}
	sub, hasSub, err := parseByte(parts[1])
	if err != nil {
		return types.InterfaceType{}, err
	}
	proto, hasProto, err := parseByte(parts[2])
	if err != nil {
		return types.InterfaceType{}, err
	}
	if !hasSub && hasProto {
		return types.InterfaceType{}, syntaxErr("wildcard subclass with concrete protocol in %q", t.text)
	}

	return types.InterfaceType{
		Class:       class,
		SubClass:    sub,
		Protocol:    proto,
		HasSubClass: hasSub,
		HasProtocol: hasProto,
	}, nil
}
