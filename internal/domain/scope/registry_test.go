package scope

import (
	"strings"
	"testing"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

func configErrors(t *testing.T, err error) []*ConfigError {
	t.Helper()

	var out []*ConfigError
	for _, e := range multierr.Errors(err) {
		var ce *ConfigError
		require.True(t, errors.As(e, &ce), "unexpected error type %T", e)
		out = append(out, ce)
	}
	return out
}

func TestResource_Builtin(t *testing.T) {
	res := Resource{Namespace: "heroes", Name: "hero", DisplayName: "hero"}

	got := res.Builtin()
	require.Len(t, got, 4)
	assert.Equal(t, []string{
		"heroes.hero.read",
		"heroes.hero.create",
		"heroes.hero.update",
		"heroes.hero.delete",
	}, Labels(got))
	assert.Equal(t, "Can read hero", got[0].Name)
	assert.Equal(t, "Can delete hero", got[3].Name)
}

func TestRegistry_CheckValid(t *testing.T) {
	r := NewRegistry(
		Resource{Namespace: "events", Name: "event", DisplayName: "event", Custom: []Declaration{
			{Code: "publish", Name: "Can publish an event"},
		}},
		Resource{Namespace: "heroes", Name: "hero"},
	)

	require.NoError(t, r.Check())
	assert.Len(t, r.Scopes(), 9)
}

func TestRegistry_CheckDuplicateCode(t *testing.T) {
	r := NewRegistry(Resource{Namespace: "events", Name: "event", Custom: []Declaration{
		{Code: "publish", Name: "Can publish an event"},
		{Code: "publish", Name: "Can publish an event again"},
	}})

	errs := configErrors(t, r.Check())
	require.Len(t, errs, 1)
	assert.Equal(t, KindDuplicateCode, errs[0].Kind)
	assert.Equal(t, "events.event", errs[0].Resource)
	assert.Equal(t, "publish", errs[0].Code)
	assert.Contains(t, errs[0].Error(), `"publish"`)
	assert.Contains(t, errs[0].Error(), `"events.event"`)
}

func TestRegistry_CheckAllKinds(t *testing.T) {
	const (
		code = "publish"
		name = "Can publish an event"
	)
	r := NewRegistry(Resource{
		Namespace:   "events",
		Name:        "event",
		DisplayName: strings.Repeat("Event", 20),
		Custom: []Declaration{
			{Code: strings.Repeat(code, 10), Name: name},
			{Code: code, Name: strings.Repeat(name, 10)},
			{Code: code, Name: name},
			{Code: ActionCreate, Name: name},
		},
	})

	errs := configErrors(t, r.Check())
	kinds := make([]ErrorKind, len(errs))
	for i, e := range errs {
		kinds[i] = e.Kind
		assert.Equal(t, "events.event", e.Resource)
	}
	assert.Equal(t, []ErrorKind{
		KindDisplayNameTooLong,
		KindCodeTooLong,
		KindNameTooLong,
		KindDuplicateCode,
		KindBuiltinClash,
	}, kinds)
}

func TestRegistry_CheckInvalidIdentifier(t *testing.T) {
	r := NewRegistry(Resource{Namespace: "", Name: "a.b", Custom: []Declaration{{Code: "x.y", Name: "x"}}})

	errs := configErrors(t, r.Check())
	require.Len(t, errs, 2)
	for _, e := range errs {
		assert.Equal(t, KindInvalidIdentifier, e.Kind)
	}
}

func TestRegistry_ScopesSkipsInvalidCustom(t *testing.T) {
	r := NewRegistry(Resource{Namespace: "events", Name: "event", Custom: []Declaration{
		{Code: "publish", Name: "a"},
		{Code: "publish", Name: "b"},
		{Code: ActionRead, Name: "c"},
	}})

	labels := Labels(r.Scopes())
	assert.Len(t, labels, 5)
	assert.Contains(t, labels, "events.event.publish")
}

func TestRegistry_LookupResolve(t *testing.T) {
	r := NewRegistry(Resource{Namespace: "heroes", Name: "hero", DisplayName: "Hero"})

	s, ok := r.Lookup("heroes.hero.update")
	require.True(t, ok)
	assert.Equal(t, "Can update Hero", s.Name)

	_, ok = r.Lookup("heroes.hero.fly")
	assert.False(t, ok)

	got, err := r.Resolve("heroes.hero.read", "heroes.hero.delete")
	require.NoError(t, err)
	assert.Len(t, got, 2)

	_, err = r.Resolve("heroes.hero.read", "villains.villain.read")
	require.ErrorIs(t, err, ErrUnknownScope)
	assert.Contains(t, err.Error(), "villains.villain.read")
}
