package approval

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pesio-ai/be-hse-approvals/internal/platform/errors"
)

// RoleKind discriminates RoleReference.
type RoleKind int

const (
	RoleDirectUser RoleKind = iota + 1
	RoleFunction
	RoleHierarchy
)

func (k RoleKind) String() string {
	switch k {
	case RoleDirectUser:
		return "user"
	case RoleFunction:
		return "function"
	case RoleHierarchy:
		return "hierarchy"
	default:
		return "unknown"
	}
}

// Stored encodings of role references.
const (
	userPrefix      = "user_"
	functionPrefix  = "function_"
	hierarchyPrefix = "L+"
)

// RoleReference points at who may approve a level: a specific user, every
// active holder of a job title, or the submitter's manager N levels up.
type RoleReference struct {
	Kind     RoleKind
	UserID   string
	JobTitle string
	Depth    int
}

// DirectUser references a single user.
func DirectUser(userID string) RoleReference {
	return RoleReference{Kind: RoleDirectUser, UserID: userID}
}

// Function references all active users holding a job title.
func Function(jobTitle string) RoleReference {
	return RoleReference{Kind: RoleFunction, JobTitle: jobTitle}
}

// Hierarchy references the submitter's manager n levels up.
func Hierarchy(n int) RoleReference {
	return RoleReference{Kind: RoleHierarchy, Depth: n}
}

// ParseRoleReference decodes the stored form: "user_<id>", "function_<key>"
// or "L+<n>".
func ParseRoleReference(s string) (RoleReference, error) {
	raw := strings.TrimSpace(s)
	switch {
	case strings.HasPrefix(raw, userPrefix):
		id := strings.TrimPrefix(raw, userPrefix)
		if id == "" {
			return RoleReference{}, errors.InvalidInput("role", "user reference without id")
		}
		return DirectUser(id), nil

	case strings.HasPrefix(raw, functionPrefix):
		key := strings.TrimPrefix(raw, functionPrefix)
		if key == "" {
			return RoleReference{}, errors.InvalidInput("role", "function reference without job title")
		}
		return Function(key), nil

	case len(raw) > len(hierarchyPrefix) && strings.EqualFold(raw[:len(hierarchyPrefix)], hierarchyPrefix):
		n, err := strconv.Atoi(raw[len(hierarchyPrefix):])
		if err != nil || n < 1 {
			return RoleReference{}, errors.InvalidInput("role", fmt.Sprintf("invalid hierarchy reference %q", s))
		}
		return Hierarchy(n), nil
	}
	return RoleReference{}, errors.InvalidInput("role", fmt.Sprintf("unrecognised role reference %q", s))
}

// String returns the stored encoding.
func (r RoleReference) String() string {
	switch r.Kind {
	case RoleDirectUser:
		return userPrefix + r.UserID
	case RoleFunction:
		return functionPrefix + r.JobTitle
	case RoleHierarchy:
		return hierarchyPrefix + strconv.Itoa(r.Depth)
	default:
		return ""
	}
}

// MarshalText implements encoding.TextMarshaler.
func (r RoleReference) MarshalText() ([]byte, error) {
	if r.Kind == 0 {
		return nil, errors.InvalidInput("role", "empty role reference")
	}
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *RoleReference) UnmarshalText(text []byte) error {
	parsed, err := ParseRoleReference(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}
