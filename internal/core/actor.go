package core

import "strings"

// PropertyFlipperID is the reserved property name that resolves to an
// actor's identity rather than to an entry in its property bag.
const PropertyFlipperID = "flipper_id"

// Actor is the entity a feature is evaluated for.
type Actor struct {
	FlipperID  string         `json:"flipper_id"`
	Properties map[string]any `json:"properties,omitempty"`
}

// NewActor returns an Actor with the given identity and properties.
func NewActor(flipperID string, properties map[string]any) *Actor {
	return &Actor{FlipperID: flipperID, Properties: properties}
}

// Anonymous reports whether the actor has no usable identity.
func (a *Actor) Anonymous() bool {
	return a == nil || strings.TrimSpace(a.FlipperID) == ""
}

// Property resolves a property by name. The flipper_id name resolves to the
// actor identity unless the property bag overrides it.
func (a *Actor) Property(name string) (any, bool) {
	if a == nil {
		return nil, false
	}
	if value, ok := a.Properties[name]; ok {
		return value, true
	}
	if name == PropertyFlipperID && a.FlipperID != "" {
		return a.FlipperID, true
	}
	return nil, false
}
