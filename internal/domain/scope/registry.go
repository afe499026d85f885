package scope

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/go-faster/errors"
	"go.uber.org/multierr"
)

// Length bounds for scope codes and names.
const (
	MaxCodeLength = 64
	MaxNameLength = 64
)

// ErrorKind classifies a scope declaration problem.
type ErrorKind string

const (
	// KindDisplayNameTooLong: a built-in scope name would exceed MaxNameLength.
	KindDisplayNameTooLong ErrorKind = "E001"
	// KindCodeTooLong: a custom scope code exceeds MaxCodeLength.
	KindCodeTooLong ErrorKind = "E002"
	// KindNameTooLong: a custom scope name exceeds MaxNameLength.
	KindNameTooLong ErrorKind = "E003"
	// KindDuplicateCode: a custom code is declared twice for one resource.
	KindDuplicateCode ErrorKind = "E004"
	// KindBuiltinClash: a custom code collides with a built-in action.
	KindBuiltinClash ErrorKind = "E005"
	// KindInvalidIdentifier: namespace, resource or code is empty or contains a dot.
	KindInvalidIdentifier ErrorKind = "E006"
)

// ConfigError describes an invalid scope declaration. It is raised by
// Registry.Check at startup and never at request time.
type ConfigError struct {
	Kind     ErrorKind
	Resource string // "<namespace>.<resource>"
	Code     string
	Detail   string
}

func (e *ConfigError) Error() string {
	switch e.Kind {
	case KindDisplayNameTooLong:
		return fmt.Sprintf("%s: display name of resource %q must keep builtin scope names at most %d characters: %s",
			e.Kind, e.Resource, MaxNameLength, e.Detail)
	case KindCodeTooLong:
		return fmt.Sprintf("%s: scope code %q of resource %q is longer than %d characters",
			e.Kind, e.Code, e.Resource, MaxCodeLength)
	case KindNameTooLong:
		return fmt.Sprintf("%s: scope name %q of resource %q is longer than %d characters",
			e.Kind, e.Detail, e.Resource, MaxNameLength)
	case KindDuplicateCode:
		return fmt.Sprintf("%s: scope code %q is duplicated for resource %q", e.Kind, e.Code, e.Resource)
	case KindBuiltinClash:
		return fmt.Sprintf("%s: scope code %q clashes with a builtin scope for resource %q", e.Kind, e.Code, e.Resource)
	default:
		return fmt.Sprintf("%s: resource %q: %s", e.Kind, e.Resource, e.Detail)
	}
}

// Declaration is a custom scope declared by a resource owner.
type Declaration struct {
	Code string
	Name string
}

// Resource is a protected resource type.
type Resource struct {
	Namespace   string
	Name        string
	DisplayName string
	Custom      []Declaration
}

func (r Resource) qualified() string {
	return r.Namespace + "." + r.Name
}

func (r Resource) displayName() string {
	if r.DisplayName != "" {
		return r.DisplayName
	}
	return r.Name
}

// Builtin synthesizes the read/create/update/delete scopes of the resource.
func (r Resource) Builtin() []Scope {
	out := make([]Scope, 0, len(BuiltinActions))
	for _, action := range BuiltinActions {
		out = append(out, Scope{
			Namespace: r.Namespace,
			Resource:  r.Name,
			Code:      action,
			Name:      builtinName(action, r.displayName()),
		})
	}
	return out
}

func builtinName(action, display string) string {
	return "Can " + action + " " + display
}

// Registry collects protected resources and derives their scopes.
// Registration is expected to happen during startup, before Check.
type Registry struct {
	resources []Resource
}

// NewRegistry creates a registry with the given resources.
func NewRegistry(resources ...Resource) *Registry {
	r := &Registry{}
	for _, res := range resources {
		r.Register(res)
	}
	return r
}

// Register adds a protected resource.
func (r *Registry) Register(res Resource) {
	r.resources = append(r.resources, res)
}

// Resources returns the registered resources.
func (r *Registry) Resources() []Resource {
	return r.resources
}

// Check validates every declaration and returns all problems found, combined
// with multierr. Each problem is a *ConfigError.
func (r *Registry) Check() error {
	var err error
	for _, res := range r.resources {
		err = multierr.Append(err, checkResource(res))
	}
	return err
}

func checkResource(res Resource) error {
	var err error
	q := res.qualified()

	if !validIdentifier(res.Namespace) || !validIdentifier(res.Name) {
		err = multierr.Append(err, &ConfigError{
			Kind:     KindInvalidIdentifier,
			Resource: q,
			Detail:   "namespace and resource must be non-empty and must not contain '.'",
		})
	}

	for _, s := range res.Builtin() {
		if utf8.RuneCountInString(s.Name) > MaxNameLength {
			err = multierr.Append(err, &ConfigError{
				Kind:     KindDisplayNameTooLong,
				Resource: q,
				Code:     s.Code,
				Detail:   s.Name,
			})
			break
		}
	}

	seen := make(map[string]struct{}, len(res.Custom))
	for _, d := range res.Custom {
		if !validIdentifier(d.Code) {
			err = multierr.Append(err, &ConfigError{
				Kind:     KindInvalidIdentifier,
				Resource: q,
				Code:     d.Code,
				Detail:   fmt.Sprintf("scope code %q must be non-empty and must not contain '.'", d.Code),
			})
		}
		if utf8.RuneCountInString(d.Code) > MaxCodeLength {
			err = multierr.Append(err, &ConfigError{Kind: KindCodeTooLong, Resource: q, Code: d.Code})
		}
		if utf8.RuneCountInString(d.Name) > MaxNameLength {
			err = multierr.Append(err, &ConfigError{Kind: KindNameTooLong, Resource: q, Code: d.Code, Detail: d.Name})
		}
		if _, dup := seen[d.Code]; dup {
			err = multierr.Append(err, &ConfigError{Kind: KindDuplicateCode, Resource: q, Code: d.Code})
		}
		seen[d.Code] = struct{}{}
		if isBuiltin(d.Code) {
			err = multierr.Append(err, &ConfigError{Kind: KindBuiltinClash, Resource: q, Code: d.Code})
		}
	}
	return err
}

func validIdentifier(s string) bool {
	return s != "" && !strings.Contains(s, ".")
}

func isBuiltin(code string) bool {
	for _, a := range BuiltinActions {
		if a == code {
			return true
		}
	}
	return false
}

// Scopes returns the built-in and custom scopes of every registered
// resource. Duplicated custom codes are reported by Check and emitted once.
func (r *Registry) Scopes() []Scope {
	var out []Scope
	for _, res := range r.resources {
		out = append(out, res.Builtin()...)
		seen := make(map[string]struct{}, len(res.Custom))
		for _, d := range res.Custom {
			if _, dup := seen[d.Code]; dup || isBuiltin(d.Code) {
				continue
			}
			seen[d.Code] = struct{}{}
			out = append(out, Scope{
				Namespace: res.Namespace,
				Resource:  res.Name,
				Code:      d.Code,
				Name:      d.Name,
			})
		}
	}
	return out
}

// Lookup finds a registered scope by label.
func (r *Registry) Lookup(label string) (Scope, bool) {
	for _, s := range r.Scopes() {
		if s.Label() == label {
			return s, true
		}
	}
	return Scope{}, false
}

// Resolve maps labels to registered scopes, failing on the first unknown one.
func (r *Registry) Resolve(labels ...string) ([]Scope, error) {
	out := make([]Scope, 0, len(labels))
	for _, label := range labels {
		s, ok := r.Lookup(label)
		if !ok {
			return nil, errors.Wrapf(ErrUnknownScope, "resolve %q", label)
		}
		out = append(out, s)
	}
	return out, nil
}
