package analysis

import (
	"encoding/json"
	"strconv"

	"github.com/pavelanni/mirror/internal/model"
)

// CRM payload keys mapped onto the derived profile.
const (
	crmPerceptionType  = "vak_type"
	crmStressResponse  = "stress_response"
	crmAttachmentType  = "attachment_type"
	crmDecisionStyle   = "decision_style"
	crmAnxietyLevel    = "anxiety_level"
	crmBuyingPower     = "buying_power"
	crmPersonalityTags = "personality_tags"
)

// ModeledCRMKeys lists the CRM keys that map onto profile columns.
var ModeledCRMKeys = []string{
	crmPerceptionType,
	crmStressResponse,
	crmAttachmentType,
	crmDecisionStyle,
	crmAnxietyLevel,
	crmBuyingPower,
	crmPersonalityTags,
}

// ProfileFromCRM maps a CRM payload onto a fresh derived profile. The result
// replaces the stored profile wholesale: a key missing from the payload is nil
// in the profile, whatever the previous analysis said.
func ProfileFromCRM(crm map[string]any) model.Profile {
	raw := crm
	if raw == nil {
		raw = map[string]any{}
	}
	return model.Profile{
		PerceptionType:  optionalString(crm[crmPerceptionType]),
		StressResponse:  optionalString(crm[crmStressResponse]),
		AttachmentType:  optionalString(crm[crmAttachmentType]),
		DecisionStyle:   optionalString(crm[crmDecisionStyle]),
		AnxietyLevel:    optionalString(crm[crmAnxietyLevel]),
		BuyingPower:     optionalString(crm[crmBuyingPower]),
		PersonalityTags: tags(crm[crmPersonalityTags]),
		Raw:             raw,
	}
}

func optionalString(v any) *string {
	var s string
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		s = t
	case json.Number:
		s = t.String()
	case float64:
		s = strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		s = strconv.FormatBool(t)
	default:
		s = render(t)
	}
	return &s
}

func tags(v any) []string {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		if t == "" {
			return []string{}
		}
		return []string{t}
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s := optionalString(item); s != nil && *s != "" {
				out = append(out, *s)
			}
		}
		return out
	default:
		return []string{render(t)}
	}
}
