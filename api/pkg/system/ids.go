package system

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

const (
	OllamaModelPrefix = "olm_"
)

// GenerateInstanceID returns a canonical 8-4-4-4-12 UUID. Instance ids
// end up inside container names, and orphan recovery parses them back
// out, so the canonical form is load bearing here.
func GenerateInstanceID() string {
	return uuid.New().String()
}

func newID() string {
	return strings.ToLower(ulid.Make().String())
}

func GenerateOllamaModelID() string {
	return fmt.Sprintf("%s%s", OllamaModelPrefix, newID())
}
