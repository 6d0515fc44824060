package sovereign

import "testing"

func TestEvaluateTable(t *testing.T) {
	cases := []struct {
		name    string
		region  string
		allow   []string
		allowed bool
	}{
		{"eu region in explicit list", "EU", []string{"EU"}, true},
		{"us region not in eu list", "US", []string{"EU"}, false},
		{"case insensitive region", "de", []string{"DE", "FR"}, true},
		{"case insensitive list entry", "DE", []string{"de"}, true},
		{"whitespace tolerated", " FR ", []string{"FR"}, true},
		{"empty region fails closed", "", []string{"EU"}, false},
		{"unknown region fails closed", "XX", nil, false},
		{"default list admits germany", "DE", nil, true},
		{"default list admits norway", "NO", nil, true},
		{"default list blocks china", "CN", nil, false},
		{"default list blocks russia", "RU", nil, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v := Evaluate(tc.region, tc.allow)
			if v.Allowed != tc.allowed {
				t.Fatalf("Evaluate(%q, %v) allowed=%v, want %v", tc.region, tc.allow, v.Allowed, tc.allowed)
			}
		})
	}
}

func TestEvaluateNormalizesRegion(t *testing.T) {
	v := Evaluate("us", []string{"EU"})
	if v.Region != "US" {
		t.Fatalf("expected normalized region US, got %q", v.Region)
	}
	if v.Allowed {
		t.Fatal("US must not pass an EU-only allow-list")
	}
	empty := Evaluate("   ", []string{"EU"})
	if empty.Region != "UNKNOWN" {
		t.Fatalf("expected UNKNOWN for blank region, got %q", empty.Region)
	}
}
