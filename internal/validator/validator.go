// Package validator checks event descriptors before they are registered.
package validator

import (
	"fmt"
	"strings"

	"github.com/jittakal/flightrec/internal/errors"
	"github.com/jittakal/flightrec/pkg/event"
)

// implicitFields are written ahead of every payload and cannot be redeclared.
var implicitFields = map[string]struct{}{
	"startTime":   {},
	"duration":    {},
	"eventThread": {},
}

var knownKinds = map[event.FieldKind]struct{}{
	event.KindLong:       {},
	event.KindInt:        {},
	event.KindBoolean:    {},
	event.KindDouble:     {},
	event.KindString:     {},
	event.KindThread:     {},
	event.KindStackTrace: {},
	event.KindClass:      {},
	event.KindTicks:      {},
}

// DescriptorValidator validates event descriptors.
type DescriptorValidator struct{}

// NewDescriptorValidator creates a new descriptor validator.
func NewDescriptorValidator() *DescriptorValidator {
	return &DescriptorValidator{}
}

// Validate validates d. A missing label is filled in from the name.
func (v *DescriptorValidator) Validate(d *event.Descriptor) error {
	if d.Name == "" {
		return &errors.ValidationError{
			EventType: fmt.Sprintf("#%d", d.ID),
			Field:     "name",
			Reason:    "required field is missing",
		}
	}

	if strings.ContainsAny(d.Name, " \t\n/") || strings.HasPrefix(d.Name, ".") || strings.HasSuffix(d.Name, ".") {
		return &errors.ValidationError{
			EventType: d.Name,
			Field:     "name",
			Reason:    "must be a dotted identifier",
		}
	}

	if d.ID == event.TypeMetadata || d.ID == event.TypeCheckpoint || d.ID.IsPool() {
		return &errors.ValidationError{
			EventType: d.Name,
			Field:     "id",
			Reason:    fmt.Sprintf("id %d is reserved for chunk framing", d.ID),
		}
	}

	seen := make(map[string]struct{}, len(d.Fields))
	for i, f := range d.Fields {
		if f.Name == "" {
			return &errors.ValidationError{
				EventType: d.Name,
				Field:     fmt.Sprintf("fields[%d].name", i),
				Reason:    "required field is missing",
			}
		}
		if _, ok := implicitFields[f.Name]; ok {
			return &errors.ValidationError{
				EventType: d.Name,
				Field:     f.Name,
				Reason:    "redeclares an implicit field",
			}
		}
		if _, ok := seen[f.Name]; ok {
			return &errors.ValidationError{
				EventType: d.Name,
				Field:     f.Name,
				Reason:    "duplicate field",
			}
		}
		seen[f.Name] = struct{}{}
		if _, ok := knownKinds[f.Kind]; !ok {
			return &errors.ValidationError{
				EventType: d.Name,
				Field:     f.Name,
				Reason:    fmt.Sprintf("unsupported kind: %q", f.Kind),
			}
		}
	}

	if d.Label == "" {
		d.Label = d.Name
	}
	return nil
}
