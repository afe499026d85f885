package main

import (
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"

	"github.com/xenking/apikeys/internal/domain/apikey"
	"github.com/xenking/apikeys/internal/domain/scope"
)

// Export record versions.
const (
	// recordV1 carries only id = "<prefix>.<hashed_key>".
	recordV1 = 1
	// recordV2 carries prefix and hashed_key as separate fields.
	recordV2 = 2
)

var errMalformedRecord = errors.New("malformed record")

// record is one line of a key export.
type record struct {
	ID         string
	Prefix     string
	HashedKey  string
	Name       string
	Created    time.Time
	Revoked    bool
	ExpiryDate *time.Time
	Scopes     []string
}

func (r *record) version() int {
	if r.Prefix != "" || r.HashedKey != "" {
		return recordV2
	}
	return recordV1
}

func decodeTime(d *jx.Decoder) (*time.Time, error) {
	if d.Next() == jx.Null {
		return nil, d.Null()
	}
	s, err := d.Str()
	if err != nil {
		return nil, err
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil, errors.Wrapf(err, "parse time %q", s)
	}
	t = t.UTC()
	return &t, nil
}

// decodeRecord parses one JSON object. Unknown fields are skipped.
func decodeRecord(data []byte) (record, error) {
	var r record
	err := jx.DecodeBytes(data).Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "id":
			r.ID, err = d.Str()
		case "prefix":
			r.Prefix, err = d.Str()
		case "hashed_key":
			r.HashedKey, err = d.Str()
		case "name":
			r.Name, err = d.Str()
		case "revoked":
			r.Revoked, err = d.Bool()
		case "created":
			var t *time.Time
			if t, err = decodeTime(d); err == nil && t != nil {
				r.Created = *t
			}
		case "expiry_date":
			r.ExpiryDate, err = decodeTime(d)
		case "scopes":
			err = d.Arr(func(d *jx.Decoder) error {
				label, err := d.Str()
				r.Scopes = append(r.Scopes, label)
				return err
			})
		default:
			err = d.Skip()
		}
		if err != nil {
			return errors.Wrapf(err, "field %q", key)
		}
		return nil
	})
	if err != nil {
		return record{}, errors.Wrap(errMalformedRecord, err.Error())
	}
	return r, nil
}

// normalize converts a record of either version into the stored key format,
// where the id is always the concatenated prefix and hash.
func normalize(r record, hashers *apikey.Hashers) (*apikey.Key, error) {
	prefix, hashed := r.Prefix, r.HashedKey
	if r.version() == recordV1 {
		prefix, hashed = apikey.Split(r.ID)
	}
	if prefix == "" || hashed == "" {
		return nil, errors.Wrapf(errMalformedRecord, "record %q has no prefix or hash", r.ID)
	}
	if len(prefix) != apikey.PrefixLength {
		return nil, errors.Wrapf(errMalformedRecord, "prefix %q is not %d characters", prefix, apikey.PrefixLength)
	}
	if _, ok := hashers.Lookup(hashed); !ok {
		return nil, errors.Wrapf(errMalformedRecord, "prefix %q: unrecognized hash encoding", prefix)
	}

	scopes := make([]scope.Scope, 0, len(r.Scopes))
	for _, label := range r.Scopes {
		s, err := parseScope(label)
		if err != nil {
			return nil, errors.Wrapf(err, "prefix %q", prefix)
		}
		scopes = append(scopes, s)
	}

	k := &apikey.Key{
		ID:         apikey.Concatenate(prefix, hashed),
		Prefix:     prefix,
		HashedKey:  hashed,
		Name:       r.Name,
		Created:    r.Created,
		Revoked:    r.Revoked,
		ExpiryDate: r.ExpiryDate,
		Scopes:     scopes,
	}
	if k.Created.IsZero() {
		k.Created = time.Now().UTC()
	}
	if err := k.Validate(); err != nil {
		return nil, errors.Wrapf(err, "prefix %q", prefix)
	}
	return k, nil
}

func parseScope(label string) (scope.Scope, error) {
	ns, res, code, err := scope.ParseLabel(label)
	if err != nil {
		return scope.Scope{}, err
	}
	return scope.Scope{Namespace: ns, Resource: res, Code: code, Name: label}, nil
}
