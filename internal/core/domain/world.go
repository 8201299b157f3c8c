package domain

import (
	"crypto/rand"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// WorldIDPrefix is the prefix of generated world-process identifiers.
const WorldIDPrefix = "pmwd-"

// GenerateWorldID generates an identifier for a world process that connects
// without a configured identity. Format: pmwd-{ulid_lowercase}.
func GenerateWorldID() (string, error) {
	entropy := ulid.Monotonic(rand.Reader, 0)
	id, err := ulid.New(ulid.Timestamp(time.Now()), entropy)
	if err != nil {
		return "", ErrInternalServer.WithCause(err)
	}
	return WorldIDPrefix + strings.ToLower(id.String()), nil
}
