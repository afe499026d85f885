package apikey

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"hash"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/go-faster/errors"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/pbkdf2"
)

// Hash algorithm names accepted in configuration.
const (
	AlgSHA512       = "sha512"
	AlgHMACSHA512   = "hmac_sha512"
	AlgBcrypt       = "bcrypt"
	AlgPBKDF2SHA256 = "pbkdf2_sha256"
	AlgPlainSHA512  = "plain_sha512"
)

// tagSeparator splits the algorithm tag from the digest in self-describing
// fast-hash encodings: "<algo>$$<hex>".
const tagSeparator = "$$"

// ConfigError reports an invalid hashing configuration. It is fatal at
// startup.
type ConfigError struct {
	Setting string
	Value   string
	Reason  string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid %s %q: %s", e.Setting, e.Value, e.Reason)
}

// Hasher hashes full plaintext keys into a self-describing encoding.
type Hasher interface {
	// Algorithm returns the configuration name of the hasher.
	Algorithm() string
	// Hash encodes value.
	Hash(value string) (string, error)
	// Verify reports whether value matches encoded.
	Verify(value, encoded string) bool
	// Owns reports whether encoded was produced by this hasher.
	Owns(encoded string) bool
}

func tagOf(encoded string) (tag, digest string, ok bool) {
	return strings.Cut(encoded, tagSeparator)
}

func equalHex(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// SHA512Hasher is the fast hasher for high-entropy keys: "sha512$$<hex>".
type SHA512Hasher struct{}

var _ Hasher = SHA512Hasher{}

func (SHA512Hasher) Algorithm() string { return AlgSHA512 }

func (SHA512Hasher) Hash(value string) (string, error) {
	sum := sha512.Sum512([]byte(value))
	return AlgSHA512 + tagSeparator + hex.EncodeToString(sum[:]), nil
}

func (h SHA512Hasher) Verify(value, encoded string) bool {
	if !h.Owns(encoded) {
		return false
	}
	want, _ := h.Hash(value)
	return equalHex(want, encoded)
}

func (SHA512Hasher) Owns(encoded string) bool {
	tag, _, ok := tagOf(encoded)
	return ok && tag == AlgSHA512
}

// HMACSHA512Hasher is SHA512Hasher keyed with a server-side pepper:
// "hmac_sha512$$<hex>".
type HMACSHA512Hasher struct {
	Pepper []byte
}

var _ Hasher = HMACSHA512Hasher{}

func (HMACSHA512Hasher) Algorithm() string { return AlgHMACSHA512 }

func (h HMACSHA512Hasher) sum(value string) []byte {
	mac := hmac.New(sha512.New, h.Pepper)
	mac.Write([]byte(value))
	return mac.Sum(nil)
}

func (h HMACSHA512Hasher) Hash(value string) (string, error) {
	return AlgHMACSHA512 + tagSeparator + hex.EncodeToString(h.sum(value)), nil
}

func (h HMACSHA512Hasher) Verify(value, encoded string) bool {
	tag, digest, ok := tagOf(encoded)
	if !ok || tag != AlgHMACSHA512 {
		return false
	}
	stored, err := hex.DecodeString(digest)
	if err != nil {
		return false
	}
	return hmac.Equal(h.sum(value), stored)
}

func (HMACSHA512Hasher) Owns(encoded string) bool {
	tag, _, ok := tagOf(encoded)
	return ok && tag == AlgHMACSHA512
}

// PlainSHAHasher verifies "plain_<algo>$$<hex>" hashes salted with the key
// prefix, as issued by earlier deployments.
type PlainSHAHasher struct{}

var _ Hasher = PlainSHAHasher{}

func (PlainSHAHasher) Algorithm() string { return AlgPlainSHA512 }

func plainDigest(algo, value string) (string, bool) {
	prefix, _ := Split(value)
	var h hash.Hash
	switch algo {
	case "sha512":
		h = sha512.New()
	case "sha256":
		h = sha256.New()
	default:
		return "", false
	}
	h.Write([]byte(value + prefix))
	return hex.EncodeToString(h.Sum(nil)), true
}

func (PlainSHAHasher) Hash(value string) (string, error) {
	digest, _ := plainDigest("sha512", value)
	return AlgPlainSHA512 + tagSeparator + digest, nil
}

func (PlainSHAHasher) Verify(value, encoded string) bool {
	tag, digest, ok := tagOf(encoded)
	if !ok || !strings.HasPrefix(tag, "plain_") {
		return false
	}
	want, ok := plainDigest(strings.TrimPrefix(tag, "plain_"), value)
	if !ok {
		return false
	}
	return equalHex(want, digest)
}

func (PlainSHAHasher) Owns(encoded string) bool {
	tag, _, ok := tagOf(encoded)
	return ok && strings.HasPrefix(tag, "plain_")
}

// BcryptHasher is the slow adaptive hasher kept for keys issued before the
// fast hashers existed.
type BcryptHasher struct {
	Cost int
}

var _ Hasher = BcryptHasher{}

func (BcryptHasher) Algorithm() string { return AlgBcrypt }

func (h BcryptHasher) Hash(value string) (string, error) {
	cost := h.Cost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	b, err := bcrypt.GenerateFromPassword([]byte(value), cost)
	if err != nil {
		return "", errors.Wrap(err, "bcrypt")
	}
	return string(b), nil
}

func (h BcryptHasher) Verify(value, encoded string) bool {
	return h.Owns(encoded) && bcrypt.CompareHashAndPassword([]byte(encoded), []byte(value)) == nil
}

func (BcryptHasher) Owns(encoded string) bool {
	return strings.HasPrefix(encoded, "$2a$") ||
		strings.HasPrefix(encoded, "$2b$") ||
		strings.HasPrefix(encoded, "$2y$")
}

// PBKDF2Hasher reads and writes "pbkdf2_sha256$<iterations>$<salt>$<b64>",
// the password-hasher format of keys imported from the previous system.
type PBKDF2Hasher struct {
	Iterations int
}

var _ Hasher = PBKDF2Hasher{}

// DefaultPBKDF2Iterations matches the import source's default work factor.
const DefaultPBKDF2Iterations = 600_000

func (PBKDF2Hasher) Algorithm() string { return AlgPBKDF2SHA256 }

func pbkdf2Digest(value, salt string, iterations int) string {
	dk := pbkdf2.Key([]byte(value), []byte(salt), iterations, sha256.Size, sha256.New)
	return base64.StdEncoding.EncodeToString(dk)
}

func (h PBKDF2Hasher) Hash(value string) (string, error) {
	iterations := h.Iterations
	if iterations <= 0 {
		iterations = DefaultPBKDF2Iterations
	}
	salt, err := randomString(rand.Reader, 22)
	if err != nil {
		return "", errors.Wrap(err, "generate salt")
	}
	return fmt.Sprintf("%s$%d$%s$%s", AlgPBKDF2SHA256, iterations, salt, pbkdf2Digest(value, salt, iterations)), nil
}

func (h PBKDF2Hasher) Verify(value, encoded string) bool {
	parts := strings.SplitN(encoded, "$", 4)
	if len(parts) != 4 || parts[0] != AlgPBKDF2SHA256 {
		return false
	}
	iterations, err := strconv.Atoi(parts[1])
	if err != nil || iterations <= 0 {
		return false
	}
	return equalHex(pbkdf2Digest(value, parts[2], iterations), parts[3])
}

func (PBKDF2Hasher) Owns(encoded string) bool {
	return strings.HasPrefix(encoded, AlgPBKDF2SHA256+"$")
}

// HashingConfig selects and parameterizes the hashers.
type HashingConfig struct {
	// Algorithm is the preferred hasher used for new and upgraded keys.
	Algorithm string
	// Pepper keys the hmac_sha512 hasher. Required when Algorithm is hmac_sha512.
	Pepper string
	// BcryptCost is used when Algorithm is bcrypt; zero means bcrypt.DefaultCost.
	BcryptCost int
	// PBKDF2Iterations is used when Algorithm is pbkdf2_sha256.
	PBKDF2Iterations int
}

// Hashers holds every known hasher and the preferred one. Verification
// dispatches on the self-described encoding; hashing always uses the
// hasher that is preferred at call time.
type Hashers struct {
	all       []Hasher
	preferred atomic.Pointer[Hasher]
}

// NewHashers builds the hasher set from cfg. An unknown or unusable
// algorithm is a *ConfigError.
func NewHashers(cfg HashingConfig) (*Hashers, error) {
	h := &Hashers{
		all: []Hasher{
			SHA512Hasher{},
			PlainSHAHasher{},
			BcryptHasher{Cost: cfg.BcryptCost},
			PBKDF2Hasher{Iterations: cfg.PBKDF2Iterations},
		},
	}
	if cfg.Pepper != "" {
		h.all = append(h.all, HMACSHA512Hasher{Pepper: []byte(cfg.Pepper)})
	}
	if cfg.Algorithm == "" {
		cfg.Algorithm = AlgSHA512
	}
	if err := h.SetPreferred(cfg.Algorithm); err != nil {
		return nil, err
	}
	return h, nil
}

// SetPreferred switches the hasher used for new hashes and upgrades.
func (h *Hashers) SetPreferred(name string) error {
	for _, hs := range h.all {
		if hs.Algorithm() == name {
			h.preferred.Store(&hs)
			return nil
		}
	}
	if name == AlgHMACSHA512 {
		return &ConfigError{Setting: "hash algorithm", Value: name, Reason: "a pepper is required"}
	}
	return &ConfigError{Setting: "hash algorithm", Value: name, Reason: "unsupported"}
}

// Preferred returns the current preferred hasher.
func (h *Hashers) Preferred() Hasher {
	return *h.preferred.Load()
}

// Hash encodes value with the preferred hasher.
func (h *Hashers) Hash(value string) (string, error) {
	return h.Preferred().Hash(value)
}

// Lookup returns the hasher that produced encoded.
func (h *Hashers) Lookup(encoded string) (Hasher, bool) {
	for _, hs := range h.all {
		if hs.Owns(encoded) {
			return hs, true
		}
	}
	return nil, false
}

// Verify reports whether value matches encoded under whichever hasher
// produced it.
func (h *Hashers) Verify(value, encoded string) bool {
	hs, ok := h.Lookup(encoded)
	if !ok {
		return false
	}
	return hs.Verify(value, encoded)
}

// IsPreferred reports whether encoded was produced by the preferred hasher.
func (h *Hashers) IsPreferred(encoded string) bool {
	return h.Preferred().Owns(encoded)
}
