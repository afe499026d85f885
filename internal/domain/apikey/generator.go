package apikey

import (
	"crypto/rand"
	"io"
	"strings"

	"github.com/go-faster/errors"
)

const (
	// PrefixLength is the length of the public lookup prefix.
	PrefixLength = 8
	// SecretLength is the length of the secret part.
	SecretLength = 32
	// Separator joins prefix and secret.
	Separator = "."

	// Alphabet excludes look-alike characters (0 O 1 I l) and the separator.
	Alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz23456789"
)

// Concatenate joins a prefix and a secret into the presented key format.
func Concatenate(left, right string) string {
	return left + Separator + right
}

// Split returns the part before the first separator and the remainder.
// A key without a separator yields (key, "").
func Split(key string) (left, right string) {
	left, right, _ = strings.Cut(key, Separator)
	return left, right
}

// Generator issues new keys.
type Generator struct {
	hashers *Hashers
	rand    io.Reader
}

// NewGenerator creates a Generator that hashes with the preferred hasher of h.
func NewGenerator(h *Hashers) *Generator {
	return &Generator{hashers: h, rand: rand.Reader}
}

// Generate returns a new plaintext key, its prefix and the encoded hash of
// the full plaintext key. The plaintext must be handed to the owner once
// and never stored.
func (g *Generator) Generate() (key, prefix, hashed string, err error) {
	prefix, err = randomString(g.rand, PrefixLength)
	if err != nil {
		return "", "", "", errors.Wrap(err, "generate prefix")
	}
	secret, err := randomString(g.rand, SecretLength)
	if err != nil {
		return "", "", "", errors.Wrap(err, "generate secret")
	}
	key = Concatenate(prefix, secret)
	hashed, err = g.hashers.Hash(key)
	if err != nil {
		return "", "", "", errors.Wrap(err, "hash key")
	}
	return key, prefix, hashed, nil
}

// randomString draws n characters from Alphabet with rejection sampling so
// every character is equally likely.
func randomString(r io.Reader, n int) (string, error) {
	const size = len(Alphabet)
	limit := byte(256 - 256%size)

	out := make([]byte, 0, n)
	buf := make([]byte, n+n/2)
	for len(out) < n {
		if _, err := io.ReadFull(r, buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			if b >= limit {
				continue
			}
			out = append(out, Alphabet[int(b)%size])
			if len(out) == n {
				break
			}
		}
	}
	return string(out), nil
}
