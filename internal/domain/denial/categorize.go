package denial

import (
	"sort"
	"strings"
)

// reasonRules maps CARC/RARC codes to categories. Numeric keys are claim
// adjustment reason codes and match the whole code only. Alphanumeric keys
// are remark codes and match by longest prefix.
var reasonRules = map[string]Category{
	// eligibility
	"26": CategoryEligibility, "27": CategoryEligibility, "31": CategoryEligibility,
	"32": CategoryEligibility, "33": CategoryEligibility, "109": CategoryEligibility,
	"177": CategoryEligibility, "200": CategoryEligibility,
	"N30": CategoryEligibility, "MA61": CategoryEligibility,

	// coding and documentation
	"4": CategoryCoding, "5": CategoryCoding, "6": CategoryCoding, "11": CategoryCoding,
	"16": CategoryCoding, "50": CategoryCoding, "146": CategoryCoding, "181": CategoryCoding,
	"182": CategoryCoding, "M": CategoryCoding, "MA": CategoryCoding, "N": CategoryCoding,

	// authorization
	"15": CategoryAuthorization, "39": CategoryAuthorization, "62": CategoryAuthorization,
	"197": CategoryAuthorization, "198": CategoryAuthorization,
	"M62": CategoryAuthorization, "N54": CategoryAuthorization,

	// timely filing
	"29": CategoryTimelyFiling, "N211": CategoryTimelyFiling,

	// bundling
	"97": CategoryBundling, "231": CategoryBundling, "234": CategoryBundling,
	"B15": CategoryBundling, "M15": CategoryBundling, "M80": CategoryBundling, "N19": CategoryBundling,
}

var groupCodes = []string{"CO", "PR", "OA", "PI", "CR"}

// NormalizeCode upper-cases a reason code and strips its adjustment group,
// so "co-50", "CO50" and "50" all read as "50".
func NormalizeCode(code string) string {
	c := strings.ToUpper(strings.TrimSpace(code))
	for _, g := range groupCodes {
		if len(c) <= len(g) || !strings.HasPrefix(c, g) {
			continue
		}
		rest := c[len(g):]
		switch {
		case rest[0] == '-' || rest[0] == ' ':
			if r := strings.TrimLeft(rest, "- "); r != "" {
				return r
			}
		case rest[0] >= '0' && rest[0] <= '9':
			return rest
		}
	}
	return c
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// categorizeCode classifies one normalized code.
func categorizeCode(code string) Category {
	if isDigits(code) {
		if cat, ok := reasonRules[strings.TrimLeft(code, "0")]; ok {
			return cat
		}
		return CategoryOther
	}
	for n := len(code); n > 0; n-- {
		key := code[:n]
		if isDigits(key) {
			continue
		}
		if cat, ok := reasonRules[key]; ok {
			return cat
		}
	}
	return CategoryOther
}

func priority(c Category) int {
	for i, k := range Categories {
		if k == c {
			return i
		}
	}
	return len(Categories)
}

// Categorize returns the most specific category among codes. Unknown codes
// are other; they never fail.
func Categorize(codes []string) Category {
	best := CategoryOther
	for _, code := range codes {
		c := NormalizeCode(code)
		if c == "" {
			continue
		}
		if cat := categorizeCode(c); priority(cat) < priority(best) {
			best = cat
		}
	}
	return best
}

func normalizeCodes(codes []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, code := range codes {
		c := strings.ToUpper(strings.TrimSpace(code))
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

var resolutions = map[Category][]string{
	CategoryEligibility: {
		"Verify eligibility and coverage dates with the payer",
		"Correct subscriber and member identifiers",
		"Resubmit to the correct primary payer",
		"Transfer the balance to patient responsibility if coverage cannot be confirmed",
	},
	CategoryCoding: {
		"Review clinical documentation against the billed procedure and diagnosis codes",
		"Correct codes or modifiers and submit a corrected claim",
		"Appeal with supporting documentation if the coding is correct",
	},
	CategoryAuthorization: {
		"Locate the prior authorization or referral on file",
		"Request retroactive authorization from the payer",
		"Appeal with the authorization number attached",
	},
	CategoryTimelyFiling: {
		"Pull proof of timely filing from clearinghouse acceptance reports",
		"Appeal with the original submission date",
		"Write off the balance if no proof of timely filing exists",
	},
	CategoryBundling: {
		"Review NCCI edits for the procedure pair",
		"Add a distinct-service modifier if documentation supports separate billing",
		"Appeal with operative notes or accept the bundled payment",
	},
	CategoryOther: {
		"Review the remittance remark codes",
		"Contact the payer for clarification",
		"Escalate to a billing supervisor",
	},
}

// SuggestResolution returns the ordered remediation steps for a category.
func SuggestResolution(c Category) []string {
	steps, ok := resolutions[c]
	if !ok {
		steps = resolutions[CategoryOther]
	}
	return append([]string(nil), steps...)
}
