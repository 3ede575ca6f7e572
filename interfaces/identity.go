package interfaces

import (
	"errors"
	"fmt"
	"strings"
)

// ManagedIDKind selects how a user-assigned identity is addressed.
type ManagedIDKind int

const (
	SystemAssigned ManagedIDKind = iota
	ClientIDKind
	ResourceIDKind
	ObjectIDKind
)

func (k ManagedIDKind) String() string {
	switch k {
	case SystemAssigned:
		return "system_assigned"
	case ClientIDKind:
		return "client_id"
	case ResourceIDKind:
		return "resource_id"
	case ObjectIDKind:
		return "object_id"
	default:
		return fmt.Sprintf("ManagedIDKind(%d)", int(k))
	}
}

// QueryParameter is the request parameter name carrying the identifier, or
// empty for the system-assigned identity.
func (k ManagedIDKind) QueryParameter() string {
	switch k {
	case ClientIDKind:
		return "client_id"
	case ResourceIDKind:
		return "mi_res_id"
	case ObjectIDKind:
		return "object_id"
	default:
		return ""
	}
}

// IdentitySelector identifies the managed identity a credential is requested for.
type IdentitySelector struct {
	Kind  ManagedIDKind
	Value string
}

func SystemAssignedIdentity() IdentitySelector { return IdentitySelector{Kind: SystemAssigned} }

func ClientID(id string) IdentitySelector { return IdentitySelector{Kind: ClientIDKind, Value: id} }

func ResourceID(id string) IdentitySelector { return IdentitySelector{Kind: ResourceIDKind, Value: id} }

func ObjectID(id string) IdentitySelector { return IdentitySelector{Kind: ObjectIDKind, Value: id} }

// ParseIdentitySelector builds a selector from a configuration kind name.
// An empty kind selects the system-assigned identity.
func ParseIdentitySelector(kind, value string) (IdentitySelector, error) {
	var sel IdentitySelector
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", "system", "system_assigned":
		if value != "" {
			return IdentitySelector{}, errors.New("system-assigned identity does not take an identifier")
		}
		return SystemAssignedIdentity(), nil
	case "client_id", "clientid":
		sel = ClientID(value)
	case "resource_id", "resourceid", "mi_res_id":
		sel = ResourceID(value)
	case "object_id", "objectid":
		sel = ObjectID(value)
	default:
		return IdentitySelector{}, fmt.Errorf("unknown identity kind %q", kind)
	}

	if err := sel.Validate(); err != nil {
		return IdentitySelector{}, err
	}
	return sel, nil
}

// Validate checks that a user-assigned selector carries an identifier.
func (s IdentitySelector) Validate() error {
	if s.Kind == SystemAssigned {
		if s.Value != "" {
			return errors.New("system-assigned identity does not take an identifier")
		}
		return nil
	}
	if s.Kind.QueryParameter() == "" {
		return fmt.Errorf("unsupported identity kind %v", s.Kind)
	}
	if strings.TrimSpace(s.Value) == "" {
		return fmt.Errorf("%v identity requires a non-empty identifier", s.Kind)
	}
	return nil
}

// CacheKey is the credential cache key for the selected identity.
func (s IdentitySelector) CacheKey() string {
	if s.Kind == SystemAssigned {
		return SystemAssigned.String()
	}
	return s.Kind.String() + ":" + s.Value
}

func (s IdentitySelector) String() string {
	return s.CacheKey()
}
