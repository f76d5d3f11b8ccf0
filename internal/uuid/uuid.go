// Package uuid provides identifier minting for sync records and remote calls.
package uuid

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/google/uuid"
)

// UUID v4 format: xxxxxxxx-xxxx-4xxx-yxxx-xxxxxxxxxxxx
// where y is one of [8, 9, a, b] (variant bits)
var uuidV4Regex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-4[0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}$`)

// idempotencyNamespace scopes derived idempotency sub-keys.
var idempotencyNamespace = uuid.MustParse("6f1c8f64-54a2-4f0e-9d8e-2b7c3a9e5d10")

// New generates a new UUID v4.
func New() string {
	return uuid.New().String()
}

// NewBatchID mints the id grouping audit entries of one sync run.
func NewBatchID() string {
	return "batch-" + uuid.New().String()
}

// NewIdempotencyKey mints the key a queued operation presents on every
// attempt of its remote write.
func NewIdempotencyKey() string {
	return "idem-" + uuid.New().String()
}

// DeriveKey returns a deterministic sub-key of parent for the i-th step of a
// composite operation. The same inputs always produce the same key.
func DeriveKey(parent string, i int) string {
	return "idem-" + uuid.NewSHA1(idempotencyNamespace, []byte(parent+"#"+strconv.Itoa(i))).String()
}

// NewOwnerToken mints the token identifying a lock holder.
func NewOwnerToken(host string) string {
	if host == "" {
		return uuid.New().String()
	}
	return host + "/" + uuid.New().String()
}

// IsValid checks if a string is a valid UUID v4.
func IsValid(s string) bool {
	return uuidV4Regex.MatchString(s)
}

// Validate returns an error if the string is not a valid UUID v4.
func Validate(s string) error {
	if !IsValid(s) {
		return fmt.Errorf("invalid UUID v4 format: %q", s)
	}
	return nil
}
