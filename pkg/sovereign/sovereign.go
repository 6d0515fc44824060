package sovereign

import "strings"

// DefaultAllowList is the EU/EEA ISO-3166 alpha-2 set used when a
// SOVEREIGN_LOCK policy carries no explicit allow-list.
var DefaultAllowList = []string{
	"AT", "BE", "BG", "HR", "CY", "CZ", "DK", "EE", "FI", "FR",
	"DE", "GR", "HU", "IE", "IT", "LV", "LT", "LU", "MT", "NL",
	"PL", "PT", "RO", "SK", "SI", "ES", "SE",
	// EEA, non-EU
	"IS", "LI", "NO",
	// umbrella code accepted by operators staging coarse policies
	"EU",
}

// Verdict is the raw outcome of a sovereignty check, before enforcement
// mode or circuit breaker state is applied.
type Verdict struct {
	Allowed bool
	Region  string
	Reason  string
}

// Evaluate is a pure predicate over (target_region, allow_list). The list
// is an allow-list so the check fails closed: an empty, unknown or
// unrecognized region is BLOCKED.
func Evaluate(targetRegion string, allowList []string) Verdict {
	region := strings.ToUpper(strings.TrimSpace(targetRegion))
	if region == "" {
		return Verdict{Allowed: false, Region: "UNKNOWN", Reason: "missing target_region"}
	}
	if len(allowList) == 0 {
		allowList = DefaultAllowList
	}
	for _, allowed := range allowList {
		if strings.EqualFold(strings.TrimSpace(allowed), region) {
			return Verdict{Allowed: true, Region: region, Reason: "region permitted"}
		}
	}
	return Verdict{Allowed: false, Region: region, Reason: "region not in allow-list"}
}
