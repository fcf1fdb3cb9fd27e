package engine

import (
	"sync"
	"time"

	"github.com/roach88/livedoc/internal/store"
)

// Sample is what the engine reports to the controller after each command.
type Sample struct {
	Key         store.Key
	Cost        time.Duration // time spent executing and persisting
	Memory      int           // encoded size of the record, in bytes
	Seq         int64
	Connections int
	At          int64 // engine clock, unix milliseconds
}

// Controller decides when documents leave memory and when the instance
// stops taking work.
type Controller interface {
	Observe(s Sample)
	// Forget drops what the controller knows about a key that left memory.
	Forget(key store.Key)
	ShouldShed(key store.Key) bool
	ShouldDrain() bool
	IdleTimeoutExceeded(key store.Key) bool
}

// Limits configure DefaultController. Zero disables a limit.
type Limits struct {
	// IdleTimeout unloads documents nobody watches after this long
	// without a command.
	IdleTimeout time.Duration

	// MaxDocumentMemory sheds a single oversized document.
	MaxDocumentMemory int

	// MaxResident sheds the least recently used documents beyond this
	// many.
	MaxResident int

	// DrainMemory drains the instance once resident documents together
	// exceed this many bytes.
	DrainMemory int
}

// DefaultLimits unload idle documents after five minutes.
var DefaultLimits = Limits{IdleTimeout: 5 * time.Minute}

// DefaultController applies Limits to the latest sample of each key.
//
// Thread-safety: DefaultController is safe for concurrent use.
type DefaultController struct {
	limits Limits
	clock  Clock

	mu      sync.Mutex
	samples map[store.Key]Sample
}

var _ Controller = (*DefaultController)(nil)

func NewDefaultController(limits Limits, clock Clock) *DefaultController {
	if clock == nil {
		clock = SystemClock{}
	}
	return &DefaultController{limits: limits, clock: clock, samples: make(map[store.Key]Sample)}
}

func (c *DefaultController) Observe(s Sample) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.samples[s.Key] = s
}

func (c *DefaultController) Forget(key store.Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.samples, key)
}

func (c *DefaultController) ShouldShed(key store.Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.samples[key]
	if !ok {
		return false
	}
	if c.limits.MaxDocumentMemory > 0 && s.Memory > c.limits.MaxDocumentMemory {
		return true
	}
	if c.limits.MaxResident <= 0 || len(c.samples) <= c.limits.MaxResident {
		return false
	}
	// Shed when more than MaxResident keys were used more recently.
	newer := 0
	for k, other := range c.samples {
		if k != key && (other.At > s.At || (other.At == s.At && k.String() > key.String())) {
			newer++
		}
	}
	return newer >= c.limits.MaxResident
}

func (c *DefaultController) ShouldDrain() bool {
	if c.limits.DrainMemory <= 0 {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	total := 0
	for _, s := range c.samples {
		total += s.Memory
	}
	return total > c.limits.DrainMemory
}

func (c *DefaultController) IdleTimeoutExceeded(key store.Key) bool {
	if c.limits.IdleTimeout <= 0 {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.samples[key]
	if !ok || s.Connections > 0 {
		return false
	}
	return c.clock.Now()-s.At >= c.limits.IdleTimeout.Milliseconds()
}
