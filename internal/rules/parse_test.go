// internal/rules/parse_test.go
package rules

import (
	"errors"
	"strings"
	"testing"

	"github.com/solatis/usbwarden/internal/types"
)

func TestParse_SimpleRule(t *testing.T) {
	rule, err := Parse(`allow id 046d:c52b serial "8F2A91" via-port "1-2"`)
	if err != nil {
		t.Fatalf("Parse() error = %v, want nil", err)
	}

	if rule.Target != types.TargetAllow {
		t.Errorf("Target = %v, want allow", rule.Target)
	}
	if rule.ID != 0 {
		t.Errorf("ID = %v, want 0 (unassigned)", rule.ID)
	}
	if rule.Conditions.DeviceID == nil {
		t.Fatal("DeviceID predicate = nil, want set")
	}
	q := rule.Conditions.DeviceID.Values
	if len(q) != 1 || q[0].VendorID != "046d" || q[0].ProductID != "c52b" {
		t.Errorf("DeviceID values = %+v, want [{046d c52b}]", q)
	}
	if rule.Conditions.Serial == nil || rule.Conditions.Serial.Values[0] != "8F2A91" {
		t.Errorf("Serial predicate = %+v, want 8F2A91", rule.Conditions.Serial)
	}
	if rule.Conditions.Port == nil || rule.Conditions.Port.Values[0] != "1-2" {
		t.Errorf("Port predicate = %+v, want 1-2", rule.Conditions.Port)
	}
}

func TestParse_CatchAll(t *testing.T) {
	rule, err := Parse("block")
	if err != nil {
		t.Fatalf("Parse() error = %v, want nil", err)
	}
	if rule.Target != types.TargetBlock {
		t.Errorf("Target = %v, want block", rule.Target)
	}
	if !rule.Conditions.Empty() {
		t.Errorf("Conditions = %+v, want empty (catch-all)", rule.Conditions)
	}
}

func TestParse_Sets(t *testing.T) {
	tests := []struct {
		name       string
		spec       string
		wantOp     types.MatchOp
		wantValues int
	}{
		{
			name:       "implicit one-of interface set",
			spec:       "block with-interface { 08:*:* e0:*:* }",
			wantOp:     types.OpOneOf,
			wantValues: 2,
		},
		{
			name:       "explicit one-of",
			spec:       "block with-interface [one-of] { 08:06:50 08:06:62 }",
			wantOp:     types.OpOneOf,
			wantValues: 2,
		},
		{
			name:       "none-of negation",
			spec:       "allow with-interface [none-of] { 03:*:* }",
			wantOp:     types.OpNoneOf,
			wantValues: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule, err := Parse(tt.spec)
			if err != nil {
				t.Fatalf("Parse() error = %v, want nil", err)
			}
			p := rule.Conditions.Interfaces
			if p == nil {
				t.Fatal("Interfaces predicate = nil, want set")
			}
			if p.Op != tt.wantOp {
				t.Errorf("Op = %v, want %v", p.Op, tt.wantOp)
			}
			if len(p.Values) != tt.wantValues {
				t.Errorf("len(Values) = %d, want %d", len(p.Values), tt.wantValues)
			}
		})
	}
}

func TestParse_PortSet(t *testing.T) {
	rule, err := Parse(`reject via-port [none-of] { "1-1" "1-2" } label "back panel only"`)
	if err != nil {
		t.Fatalf("Parse() error = %v, want nil", err)
	}
	p := rule.Conditions.Port
	if p == nil || p.Op != types.OpNoneOf || len(p.Values) != 2 {
		t.Fatalf("Port predicate = %+v, want none-of with 2 values", p)
	}
	if rule.Label != "back panel only" {
		t.Errorf("Label = %q, want %q", rule.Label, "back panel only")
	}
}

func TestParse_WildcardDeviceID(t *testing.T) {
	rule, err := Parse("block id 1d6b:*")
	if err != nil {
		t.Fatalf("Parse() error = %v, want nil", err)
	}
	q := rule.Conditions.DeviceID.Values[0]
	if q.VendorID != "1d6b" || q.ProductID != "" {
		t.Errorf("qualifier = %+v, want vendor-only", q)
	}
}

func TestParse_EscapedString(t *testing.T) {
	rule, err := Parse(`allow name "ACME \"Secure\" Key"`)
	if err != nil {
		t.Fatalf("Parse() error = %v, want nil", err)
	}
	if got := rule.Conditions.Name.Values[0]; got != `ACME "Secure" Key` {
		t.Errorf("Name = %q, want %q", got, `ACME "Secure" Key`)
	}
}

func TestParse_TrailingComment(t *testing.T) {
	rule, err := Parse(`allow id 046d:c52b # rule 7`)
	if err != nil {
		t.Fatalf("Parse() error = %v, want nil", err)
	}
	if rule.Conditions.DeviceID == nil {
		t.Fatal("DeviceID predicate = nil, want set")
	}
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		spec string
	}{
		{"empty", ""},
		{"unknown target", "permit id 046d:c52b"},
		{"unknown attribute", "allow vendor 046d"},
		{"duplicate attribute", `allow serial "a" serial "b"`},
		{"malformed device id", "allow id 46d:c52b"},
		{"non-hex device id", "allow id zzzz:c52b"},
		{"wildcard vendor concrete product", "allow id *:c52b"},
		{"malformed interface", "allow with-interface 03:00"},
		{"wildcard interface class", "allow with-interface *:00:01"},
		{"wildcard subclass concrete protocol", "allow with-interface 03:*:01"},
		{"unterminated string", `allow serial "abc`},
		{"unterminated set", "allow with-interface { 03:00:01"},
		{"empty set", "allow with-interface { }"},
		{"unknown set operator", "allow via-port [all-of] { \"1-2\" }"},
		{"label without string", "allow label"},
		{"too long", "allow serial \"" + strings.Repeat("x", types.MaxRuleLength) + "\""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.spec)
			if err == nil {
				t.Fatalf("Parse(%q) error = nil, want ErrInvalidRuleSyntax", tt.spec)
			}
			if !errors.Is(err, types.ErrInvalidRuleSyntax) {
				t.Errorf("error = %v, want wrapped ErrInvalidRuleSyntax", err)
			}
		})
	}
}

func TestParse_SetSizeLimit(t *testing.T) {
	var b strings.Builder
	b.WriteString("allow via-port { ")
	for i := 0; i <= types.MaxSetValues; i++ {
		b.WriteString(`"1-1" `)
	}
	b.WriteString("}")

	_, err := Parse(b.String())
	if !errors.Is(err, types.ErrTooManySetValues) {
		t.Errorf("error = %v, want ErrTooManySetValues", err)
	}
}

func TestFormat_RoundTrip(t *testing.T) {
	specs := []string{
		`allow id 046d:c52b serial "8F2A91" via-port "1-2"`,
		"block with-interface [one-of] { 08:*:* e0:*:* }",
		`reject via-port [none-of] { "1-1" "1-2" } label "back panel only"`,
		"block",
		`allow id [one-of] { 046d:c52b 1d6b:* } with-connect-type "hotplug"`,
		`allow name "ACME \"Secure\" Key" hash "ifQ4EmXYWkc="`,
	}

	for _, spec := range specs {
		t.Run(spec, func(t *testing.T) {
			first, err := Parse(spec)
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			text := Format(first)
			second, err := Parse(text)
			if err != nil {
				t.Fatalf("Parse(Format()) error = %v on %q", err, text)
			}
			if Format(second) != text {
				t.Errorf("round trip diverged:\n first = %q\nsecond = %q", text, Format(second))
			}
		})
	}
}
