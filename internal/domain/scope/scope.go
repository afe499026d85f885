package scope

import (
	"strings"

	"github.com/go-faster/errors"
)

// Built-in action codes synthesized for every protected resource.
const (
	ActionRead   = "read"
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionDelete = "delete"
)

// BuiltinActions lists the action codes every resource receives.
var BuiltinActions = []string{ActionRead, ActionCreate, ActionUpdate, ActionDelete}

// ErrInvalidLabel is returned when a label is not of the form
// "<namespace>.<resource>.<code>".
var ErrInvalidLabel = errors.New("invalid scope label")

// ErrUnknownScope is returned when a label names no registered scope.
var ErrUnknownScope = errors.New("unknown scope")

// Scope grants an action on a resource type.
type Scope struct {
	Namespace string
	Resource  string
	Code      string
	Name      string
}

// Label returns the external identifier "<namespace>.<resource>.<code>".
func (s Scope) Label() string {
	return s.Namespace + "." + s.Resource + "." + s.Code
}

func (s Scope) String() string {
	return s.Label()
}

// ParseLabel splits a dotted label into its namespace, resource and code.
func ParseLabel(label string) (namespace, resource, code string, err error) {
	parts := strings.SplitN(label, ".", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", errors.Wrapf(ErrInvalidLabel, "parse %q", label)
	}
	return parts[0], parts[1], parts[2], nil
}

// Labels returns the labels of the given scopes in order.
func Labels(scopes []Scope) []string {
	out := make([]string, len(scopes))
	for i, s := range scopes {
		out[i] = s.Label()
	}
	return out
}

// HasAll reports whether every required label is granted. An empty
// requirement is always satisfied.
func HasAll(granted []Scope, required ...string) bool {
	if len(required) == 0 {
		return true
	}
	have := make(map[string]struct{}, len(granted))
	for _, s := range granted {
		have[s.Label()] = struct{}{}
	}
	for _, label := range required {
		if _, ok := have[label]; !ok {
			return false
		}
	}
	return true
}
