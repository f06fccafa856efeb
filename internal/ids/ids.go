package ids

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
)

// New returns a 32-char hex id used for invocation and trace identifiers.
func New() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return hex.EncodeToString(buf)
}

// NewSessionID returns a backing session id. The agent CLI only accepts
// RFC 4122 UUIDs for --session-id.
func NewSessionID() string {
	return uuid.NewString()
}

func IsSessionID(raw string) bool {
	_, err := uuid.Parse(raw)
	return err == nil
}
