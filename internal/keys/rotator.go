// Package keys manages the pool of provider credentials and model
// identifiers. Keys that repeatedly hit rate limits are quarantined; when the
// whole pool is exhausted every key is revived rather than failing hard.
package keys

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"synapse/internal/logging"
)

// failTolerance is the number of consecutive rate-limit reports a key
// survives before quarantine.
const failTolerance = 2

// defaultModels is used when keys.json carries no models array.
var defaultModels = []string{"gemini-3-flash-preview", "gemini-2.5-flash"}

type apiKey struct {
	key       string
	active    bool
	failCount int
}

// Pair is a usable credential plus the model it should call.
type Pair struct {
	Key   string
	Model string
}

// keysFile is the on-disk shape of keys.json.
type keysFile struct {
	Keys   []string `json:"keys"`
	Models []string `json:"models"`
	Serper string   `json:"serper"`
}

// Rotator holds the key and model pools behind a reader-writer lock with
// atomic index pointers.
type Rotator struct {
	mu        sync.RWMutex
	keyPool   []apiKey
	modelPool []string
	serperKey string

	keyIdx   atomic.Uint64
	modelIdx atomic.Uint64
}

// NewRotator builds an empty rotator. Use Load or SetKeys to populate it.
func NewRotator() *Rotator {
	return &Rotator{}
}

// Load reads keys.json from the first path that exists.
func (r *Rotator) Load(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{"keys.json"}
	}

	var data []byte
	var err error
	for _, p := range paths {
		data, err = os.ReadFile(p)
		if err == nil {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("keys.json not found: %w", err)
	}

	var kf keysFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return fmt.Errorf("failed to parse keys.json: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.keyPool = r.keyPool[:0]
	for _, k := range kf.Keys {
		r.keyPool = append(r.keyPool, apiKey{key: k, active: true})
	}
	r.modelPool = kf.Models
	if len(r.modelPool) == 0 {
		r.modelPool = append([]string(nil), defaultModels...)
	}
	r.serperKey = kf.Serper
	r.keyIdx.Store(0)
	r.modelIdx.Store(0)

	logging.Keys("key pool loaded: %d keys, %d models", len(r.keyPool), len(r.modelPool))
	return nil
}

// SetKeys replaces the pools directly (used by tests and embedded setups).
func (r *Rotator) SetKeys(keys []string, models []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.keyPool = r.keyPool[:0]
	for _, k := range keys {
		r.keyPool = append(r.keyPool, apiKey{key: k, active: true})
	}
	r.modelPool = models
	if len(r.modelPool) == 0 {
		r.modelPool = append([]string(nil), defaultModels...)
	}
	r.keyIdx.Store(0)
	r.modelIdx.Store(0)
}

// CurrentPair returns the first active key at or after the current pointer,
// paired with the current model. When every key is quarantined the revive
// policy kicks in: all keys are re-enabled and counters reset.
func (r *Rotator) CurrentPair() Pair {
	r.mu.RLock()
	if len(r.keyPool) == 0 {
		p := Pair{Model: r.currentModelLocked()}
		r.mu.RUnlock()
		return p
	}

	n := len(r.keyPool)
	start := int(r.keyIdx.Load()) % n
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		if r.keyPool[idx].active {
			p := Pair{Key: r.keyPool[idx].key, Model: r.currentModelLocked()}
			r.mu.RUnlock()
			return p
		}
	}
	r.mu.RUnlock()

	// No active key anywhere: phoenix step.
	r.Revive()
	return r.CurrentPair()
}

// currentModelLocked requires at least a read lock.
func (r *Rotator) currentModelLocked() string {
	if len(r.modelPool) == 0 {
		return ""
	}
	return r.modelPool[int(r.modelIdx.Load())%len(r.modelPool)]
}

// CurrentKey returns the current credential only.
func (r *Rotator) CurrentKey() string { return r.CurrentPair().Key }

// CurrentModel returns the current model identifier only.
func (r *Rotator) CurrentModel() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.currentModelLocked()
}

// SerperKey returns the web-search credential, if any.
func (r *Rotator) SerperKey() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.serperKey
}

// Rotate advances the key pointer.
func (r *Rotator) Rotate() {
	prev := r.keyIdx.Add(1) - 1
	logging.Keys("rotating key pointer: %d -> %d", prev, prev+1)
}

// RotateModel advances the model pointer.
func (r *Rotator) RotateModel() {
	r.modelIdx.Add(1)
}

// currentActiveIdxLocked returns the index of the first active key at or
// after the pointer, or -1 when every key is quarantined.
func (r *Rotator) currentActiveIdxLocked() int {
	n := len(r.keyPool)
	if n == 0 {
		return -1
	}
	start := int(r.keyIdx.Load()) % n
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		if r.keyPool[idx].active {
			return idx
		}
	}
	return -1
}

// ReportRateLimit records a rate-limit failure against the key currently in
// use. After more than failTolerance consecutive failures the key is
// quarantined; subsequent CurrentPair calls probe past it.
func (r *Rotator) ReportRateLimit() {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := r.currentActiveIdxLocked()
	if idx < 0 {
		return
	}
	k := &r.keyPool[idx]
	k.failCount++
	if k.failCount > failTolerance {
		k.active = false
		logging.KeysWarn("key %d quarantined after %d consecutive failures", idx, k.failCount)
	}
}

// ReportSuccess clears the failure count on the key currently in use.
func (r *Rotator) ReportSuccess() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if idx := r.currentActiveIdxLocked(); idx >= 0 {
		r.keyPool[idx].failCount = 0
	}
}

// Revive re-enables every key and resets failure counters. Called
// automatically when the pool is fully quarantined.
func (r *Rotator) Revive() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.keyPool {
		r.keyPool[i].active = true
		r.keyPool[i].failCount = 0
	}
	logging.Keys("phoenix: all %d keys revived", len(r.keyPool))
}

// ActiveCount returns how many keys are currently usable.
func (r *Rotator) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, k := range r.keyPool {
		if k.active {
			n++
		}
	}
	return n
}

// TotalKeys returns the pool size.
func (r *Rotator) TotalKeys() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.keyPool)
}
