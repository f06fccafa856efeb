package prompt

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"sync"
)

// Scope remembers which choice prompts were already rendered during one
// agent stream. A fresh Scope is used per invocation.
type Scope struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func NewScope() *Scope {
	return &Scope{seen: make(map[string]struct{})}
}

// Seen reports whether the prompt identified by id or by its input was
// already recorded, and records it otherwise.
func (s *Scope) Seen(id string, input json.RawMessage) bool {
	keys := make([]string, 0, 2)
	if id = strings.TrimSpace(id); id != "" {
		keys = append(keys, "id:"+id)
	}
	if len(bytes.TrimSpace(input)) > 0 {
		keys = append(keys, "input:"+inputDigest(input))
	}
	if len(keys) == 0 {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	seen := false
	for _, key := range keys {
		if _, ok := s.seen[key]; ok {
			seen = true
		}
	}
	for _, key := range keys {
		s.seen[key] = struct{}{}
	}
	return seen
}

func inputDigest(input json.RawMessage) string {
	var compact bytes.Buffer
	if err := json.Compact(&compact, input); err != nil {
		compact.Reset()
		compact.Write(bytes.TrimSpace(input))
	}
	sum := sha256.Sum256(compact.Bytes())
	return hex.EncodeToString(sum[:])
}
