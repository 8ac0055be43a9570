package llm

import (
	"sync"

	"github.com/awnumar/memguard"
)

// APIKey keeps a provider credential in a locked, guarded buffer. The
// plaintext is only reachable inside WithValue.
type APIKey struct {
	mu  sync.Mutex
	buf *memguard.LockedBuffer
}

// NewAPIKey moves secret into guarded memory.
func NewAPIKey(secret string) *APIKey {
	if secret == "" {
		return &APIKey{}
	}
	return &APIKey{buf: memguard.NewBufferFromBytes([]byte(secret))}
}

// WithValue calls fn with the plaintext key. fn must not retain it.
func (k *APIKey) WithValue(fn func(secret string) error) error {
	if k == nil {
		return fn("")
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.buf == nil || !k.buf.IsAlive() {
		return fn("")
	}
	return fn(k.buf.String())
}

// Empty reports whether the key holds no secret.
func (k *APIKey) Empty() bool {
	if k == nil {
		return true
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.buf == nil || !k.buf.IsAlive() || k.buf.Size() == 0
}

// Destroy wipes the key.
func (k *APIKey) Destroy() {
	if k == nil {
		return
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.buf != nil {
		k.buf.Destroy()
		k.buf = nil
	}
}
