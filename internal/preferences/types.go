// Package preferences models per-user preferences, their history and the
// temporal patterns mined from it.
package preferences

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/huddlechat/orchestrator/internal/apperr"
)

// PreferenceType is one of the fixed preference categories
type PreferenceType string

const (
	TypeContent     PreferenceType = "content"
	TypeInteraction PreferenceType = "interaction"
	TypeTime        PreferenceType = "time"
	TypeLocation    PreferenceType = "location"
	TypeAIAgent     PreferenceType = "ai_agent"
	TypeChatGroup   PreferenceType = "chat_group"
)

// SupportedTypes lists every accepted preference type
var SupportedTypes = []PreferenceType{TypeContent, TypeInteraction, TypeTime, TypeLocation, TypeAIAgent, TypeChatGroup}

// ErrAlreadyExists is returned when creating a model that is already stored
var ErrAlreadyExists = errors.New("preference model already exists")

// Valid reports whether t is a supported type
func (t PreferenceType) Valid() bool {
	for _, s := range SupportedTypes {
		if s == t {
			return true
		}
	}
	return false
}

// ParseType validates s as a preference type
func ParseType(s string) (PreferenceType, error) {
	t := PreferenceType(s)
	if err := validateType(t); err != nil {
		return "", err
	}
	return t, nil
}

func validateType(t PreferenceType) error {
	if !t.Valid() {
		return &apperr.ValidationError{
			Field:  "preference_type",
			Reason: fmt.Sprintf("unsupported type %q", string(t)),
			Cause:  apperr.ErrUnsupportedType,
		}
	}
	return nil
}

// Data is an opaque preference payload
type Data map[string]interface{}

// Clone deep-copies d through its JSON form
func (d Data) Clone() Data {
	if d == nil {
		return nil
	}
	raw, err := json.Marshal(d)
	if err != nil {
		out := make(Data, len(d))
		for k, v := range d {
			out[k] = v
		}
		return out
	}
	var out Data
	_ = json.Unmarshal(raw, &out)
	return out
}

// canonical renders d as JSON with sorted keys, so equal payloads compare equal
func (d Data) canonical() string {
	raw, err := json.Marshal(d)
	if err != nil {
		return fmt.Sprintf("%v", map[string]interface{}(d))
	}
	return string(raw)
}

// Equal reports whether two payloads have identical content
func (d Data) Equal(other Data) bool {
	return d.canonical() == other.canonical()
}
