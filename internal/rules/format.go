// internal/rules/format.go
package rules

import (
	"strings"

	"github.com/solatis/usbwarden/internal/types"
)

/*
 * Canonical rule text rendering.
 *
 * Format is the inverse of Parse: for every rule produced by Parse,
 * Parse(Format(rule)) yields an identical rule (the round-trip property is
 * covered by a gopter test). Canonical text is also the wire shape for
 * device_rule fields in notifications and the on-disk rule file format.
 *
 * Attribute order is fixed (id, serial, name, hash, via-port,
 * with-interface, with-connect-type, label) so identical rules always
 * render identically regardless of the order clauses were written in.
 */

// Format renders the rule as canonical specification text.
// The committed rule id is not part of the text; io.go persists it as a
// comment.
func Format(r types.Rule) string {
	var b strings.Builder
	b.WriteString(r.Target.String())

	c := r.Conditions
	if c.DeviceID != nil {
		writeClause(&b, "id", c.DeviceID.Op, quoteQualifiers(c.DeviceID.Values), false)
	}
	if c.Serial != nil {
		writeClause(&b, "serial", c.Serial.Op, c.Serial.Values, true)
	}
	if c.Name != nil {
		writeClause(&b, "name", c.Name.Op, c.Name.Values, true)
	}
	if c.Hash != nil {
		writeClause(&b, "hash", c.Hash.Op, c.Hash.Values, true)
	}
	if c.Port != nil {
		writeClause(&b, "via-port", c.Port.Op, c.Port.Values, true)
	}
	if c.Interfaces != nil {
		writeClause(&b, "with-interface", c.Interfaces.Op, quoteInterfaces(c.Interfaces.Values), false)
	}
	if c.ConnectType != nil {
		writeClause(&b, "with-connect-type", c.ConnectType.Op, c.ConnectType.Values, true)
	}
	if r.Label != "" {
		b.WriteString(" label ")
		b.WriteString(quote(r.Label))
	}
	return b.String()
}

// writeClause renders one attribute clause in single-value or set form.
func writeClause(b *strings.Builder, attr string, op types.MatchOp, values []string, quoted bool) {
	b.WriteByte(' ')
	b.WriteString(attr)
	b.WriteByte(' ')

	render := func(v string) string {
		if quoted {
			return quote(v)
		}
		return v
	}

	if op == types.OpEquals && len(values) == 1 {
		b.WriteString(render(values[0]))
		return
	}

	if op == types.OpNoneOf {
		b.WriteString("[none-of] ")
	} else {
		b.WriteString("[one-of] ")
	}
	b.WriteString("{ ")
	for _, v := range values {
		b.WriteString(render(v))
		b.WriteByte(' ')
	}
	b.WriteString("}")
}

func quote(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}

func quoteQualifiers(qs []types.DeviceQualifier) []string {
	out := make([]string, len(qs))
	for i, q := range qs {
		v, p := q.VendorID, q.ProductID
		if v == "" {
			v = "*"
		}
		if p == "" {
			p = "*"
		}
		out[i] = v + ":" + p
	}
	return out
}

func quoteInterfaces(its []types.InterfaceType) []string {
	out := make([]string, len(its))
	for i, it := range its {
		out[i] = it.String()
	}
	return out
}
