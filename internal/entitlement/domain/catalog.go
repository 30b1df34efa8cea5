// Package domain defines the plan catalog and entitlement decisions.
package domain

import "strings"

// UnlimitedSentinel marks a limit as uncapped. Checks treat any limit at or
// above it as unlimited and report zero usage percentage.
const UnlimitedSentinel int64 = 999999

// DefaultPackageCode is the plan tenants meter against before they subscribe.
const DefaultPackageCode = "starter"

// ActionType enumerates the AI and media features gated per plan.
type ActionType string

const (
	ActionScriptGeneration        ActionType = "script_generation"
	ActionObjectionGeneration     ActionType = "objection_generation"
	ActionCallSummaryGeneration   ActionType = "call_summary_generation"
	ActionAISuggestionsGeneration ActionType = "ai_suggestions_generation"
	ActionTranscriptionAccess     ActionType = "transcription_access"
	ActionRecordingAccess         ActionType = "recording_access"
)

// KnownAction reports whether the action type is part of the catalog.
func KnownAction(action ActionType) bool {
	switch action {
	case ActionScriptGeneration, ActionObjectionGeneration, ActionCallSummaryGeneration,
		ActionAISuggestionsGeneration, ActionTranscriptionAccess, ActionRecordingAccess:
		return true
	default:
		return false
	}
}

// Package describes one purchasable plan and its monthly caps.
type Package struct {
	Code               string
	Name               string
	MonthlyCallMinutes int64
	IncludedNumbers    int
	ActionLimits       map[ActionType]int64

	// Provider identifiers this package is sold under. Remapping prefers
	// price ID, then product ID, then a case-insensitive plan name match.
	PriceIDs   []string
	ProductIDs []string
	NameAlias  []string
}

// IsUnlimitedMinutes reports whether the package has no minute cap.
func (p Package) IsUnlimitedMinutes() bool {
	return p.MonthlyCallMinutes >= UnlimitedSentinel
}

// ActionLimit returns the monthly cap for an action, zero when the plan does
// not include it.
func (p Package) ActionLimit(action ActionType) int64 {
	return p.ActionLimits[action]
}

var catalog = []Package{
	{
		Code:               "starter",
		Name:               "Starter",
		MonthlyCallMinutes: 500,
		IncludedNumbers:    1,
		ActionLimits: map[ActionType]int64{
			ActionScriptGeneration:        50,
			ActionObjectionGeneration:     100,
			ActionCallSummaryGeneration:   100,
			ActionAISuggestionsGeneration: 200,
			ActionTranscriptionAccess:     100,
			ActionRecordingAccess:         100,
		},
		PriceIDs:   []string{"price_starter_monthly", "price_starter_yearly"},
		ProductIDs: []string{"prod_starter"},
		NameAlias:  []string{"starter", "basic"},
	},
	{
		Code:               "professional",
		Name:               "Professional",
		MonthlyCallMinutes: 1500,
		IncludedNumbers:    3,
		ActionLimits: map[ActionType]int64{
			ActionScriptGeneration:        200,
			ActionObjectionGeneration:     400,
			ActionCallSummaryGeneration:   500,
			ActionAISuggestionsGeneration: 1000,
			ActionTranscriptionAccess:     UnlimitedSentinel,
			ActionRecordingAccess:         UnlimitedSentinel,
		},
		PriceIDs:   []string{"price_professional_monthly", "price_professional_yearly"},
		ProductIDs: []string{"prod_professional"},
		NameAlias:  []string{"professional", "pro"},
	},
	{
		Code:               "unlimited",
		Name:               "Unlimited",
		MonthlyCallMinutes: UnlimitedSentinel,
		IncludedNumbers:    10,
		ActionLimits: map[ActionType]int64{
			ActionScriptGeneration:        UnlimitedSentinel,
			ActionObjectionGeneration:     UnlimitedSentinel,
			ActionCallSummaryGeneration:   UnlimitedSentinel,
			ActionAISuggestionsGeneration: UnlimitedSentinel,
			ActionTranscriptionAccess:     UnlimitedSentinel,
			ActionRecordingAccess:         UnlimitedSentinel,
		},
		PriceIDs:   []string{"price_unlimited_monthly", "price_unlimited_yearly"},
		ProductIDs: []string{"prod_unlimited"},
		NameAlias:  []string{"unlimited", "enterprise"},
	},
}

var (
	packagesByCode    = map[string]Package{}
	packageByPriceID  = map[string]string{}
	packageByProduct  = map[string]string{}
	packageByAliasKey = map[string]string{}
)

func init() {
	for _, pkg := range catalog {
		packagesByCode[pkg.Code] = pkg
		for _, priceID := range pkg.PriceIDs {
			packageByPriceID[priceID] = pkg.Code
		}
		for _, productID := range pkg.ProductIDs {
			packageByProduct[productID] = pkg.Code
		}
		for _, alias := range pkg.NameAlias {
			packageByAliasKey[strings.ToLower(alias)] = pkg.Code
		}
	}
}

// PackageByCode looks up a package, falling back to the default plan for
// unknown codes so a stale mirror row cannot break entitlement checks.
func PackageByCode(code string) Package {
	if pkg, ok := packagesByCode[strings.TrimSpace(code)]; ok {
		return pkg
	}
	return packagesByCode[DefaultPackageCode]
}

// Packages returns the catalog in display order.
func Packages() []Package {
	out := make([]Package, len(catalog))
	copy(out, catalog)
	return out
}

// ResolvePackageCode maps provider identifiers to a plan code. Resolution
// prefers price ID, then product ID, then plan name. When nothing matches the
// current code is kept unchanged.
func ResolvePackageCode(priceID, productID, planName, current string) string {
	if code, ok := packageByPriceID[strings.TrimSpace(priceID)]; ok {
		return code
	}
	if code, ok := packageByProduct[strings.TrimSpace(productID)]; ok {
		return code
	}
	if code, ok := packageByAliasKey[strings.ToLower(strings.TrimSpace(planName))]; ok {
		return code
	}
	return current
}
