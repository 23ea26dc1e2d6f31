// Package mapping translates submitted values into provider fields.
package mapping

import (
	"strings"
	"unicode"

	"github.com/formrelay/formrelay/internal/models"
)

// Pair maps one form field to one provider field.
type Pair struct {
	FormField     string `json:"form_field"`
	ProviderField string `json:"provider_field"`
}

// Mapping is an ordered list of pairs. When two pairs target the same
// provider field, the later one wins.
type Mapping []Pair

// Lookup returns the provider field mapped from formField.
func (m Mapping) Lookup(formField string) (string, bool) {
	for _, p := range m {
		if p.FormField == formField {
			return p.ProviderField, true
		}
	}
	return "", false
}

// Map copies every mapped, non-empty value into a provider payload.
// Unmapped keys are dropped. Map is pure and idempotent.
func Map(payload map[string]string, m Mapping) map[string]string {
	out := make(map[string]string, len(m))
	for _, p := range m {
		if p.FormField == "" || p.ProviderField == "" {
			continue
		}
		value, ok := payload[p.FormField]
		if !ok || strings.TrimSpace(value) == "" {
			continue
		}
		out[p.ProviderField] = value
	}
	return out
}

// Property is a field a provider accepts.
type Property struct {
	Key   string `json:"key"`
	Label string `json:"label"`
	Type  string `json:"type,omitempty"`
}

type semantic string

const (
	semanticEmail     semantic = "email"
	semanticFirstName semantic = "firstname"
	semanticLastName  semantic = "lastname"
	semanticPhone     semantic = "phone"
)

// aliases lists normalized spellings for each semantic field.
var aliases = map[semantic][]string{
	semanticEmail:     {"email", "emailaddress", "mail"},
	semanticFirstName: {"firstname", "fname", "givenname", "forename"},
	semanticLastName:  {"lastname", "lname", "surname", "familyname"},
	semanticPhone:     {"phone", "phonenumber", "telephone", "tel", "mobile", "mobilephone"},
}

// AutoMap suggests pairs for unmapped email, first name, last name and phone
// fields. Existing pairs are kept and never overridden.
func AutoMap(fields []models.FieldDefinition, properties []Property, existing Mapping) Mapping {
	out := append(Mapping(nil), existing...)
	usedTargets := make(map[string]struct{}, len(existing))
	for _, p := range existing {
		usedTargets[p.ProviderField] = struct{}{}
	}

	for _, field := range fields {
		if field.ID == "" || !field.IsInput() {
			continue
		}
		if _, mapped := existing.Lookup(field.ID); mapped {
			continue
		}
		sem, ok := classify(field)
		if !ok {
			continue
		}
		prop, found := pickProperty(sem, field, properties, usedTargets)
		if !found {
			continue
		}
		usedTargets[prop.Key] = struct{}{}
		out = append(out, Pair{FormField: field.ID, ProviderField: prop.Key})
	}
	return out
}

func classify(field models.FieldDefinition) (semantic, bool) {
	if field.Type == models.FieldEmail {
		return semanticEmail, true
	}
	candidates := []string{normalize(field.ID), normalize(field.Label)}
	for _, sem := range []semantic{semanticEmail, semanticFirstName, semanticLastName, semanticPhone} {
		for _, alias := range aliases[sem] {
			for _, c := range candidates {
				if c == alias {
					return sem, true
				}
			}
		}
	}
	return "", false
}

func pickProperty(sem semantic, field models.FieldDefinition, properties []Property, used map[string]struct{}) (Property, bool) {
	needles := []string{normalize(field.ID), normalize(field.Label)}
	needles = append(needles, aliases[sem]...)
	for _, needle := range needles {
		if needle == "" {
			continue
		}
		for _, prop := range properties {
			if _, taken := used[prop.Key]; taken {
				continue
			}
			for _, hay := range []string{normalize(prop.Key), normalize(prop.Label)} {
				if hay == "" {
					continue
				}
				if strings.Contains(hay, needle) || strings.Contains(needle, hay) {
					return prop, true
				}
			}
		}
	}
	return Property{}, false
}

// normalize lower-cases and drops everything that is not a letter or digit.
func normalize(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
