// Package notify keeps the short-lived user notices of a session.
package notify

import (
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Kind is the notice severity.
type Kind string

const (
	Success Kind = "success"
	Error   Kind = "error"
	Warning Kind = "warning"
	Info    Kind = "info"
)

// DefaultTimeout is how long a notice stays visible.
const DefaultTimeout = 3 * time.Second

// Notice is one message. A zero Timeout keeps it until removed.
type Notice struct {
	ID        int64
	Kind      Kind
	Message   string
	CreatedAt time.Time
	Timeout   time.Duration
}

func (n Notice) expired(now time.Time) bool {
	return n.Timeout > 0 && !now.Before(n.CreatedAt.Add(n.Timeout))
}

// Center holds the notices. It is safe for concurrent use.
type Center struct {
	mu      sync.Mutex
	nextID  int64
	notices []Notice
	log     *zap.Logger
	now     func() time.Time
}

// New returns an empty center.
func New(log *zap.Logger) *Center {
	if log == nil {
		log = zap.NewNop()
	}
	return &Center{log: log.Named("notify"), now: time.Now}
}

// Push adds a notice and returns its id.
func (c *Center) Push(kind Kind, msg string, timeout time.Duration) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	c.notices = append(c.notices, Notice{ID: c.nextID, Kind: kind, Message: msg, CreatedAt: c.now(), Timeout: timeout})
	c.log.Debug("notice", zap.String("kind", string(kind)), zap.String("message", msg))
	return c.nextID
}

func (c *Center) Success(msg string) int64 { return c.Push(Success, msg, DefaultTimeout) }
func (c *Center) Error(msg string) int64   { return c.Push(Error, msg, DefaultTimeout) }
func (c *Center) Warning(msg string) int64 { return c.Push(Warning, msg, DefaultTimeout) }
func (c *Center) Info(msg string) int64    { return c.Push(Info, msg, DefaultTimeout) }

// Remove dismisses a notice. Unknown ids are ignored.
func (c *Center) Remove(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notices = slices.DeleteFunc(c.notices, func(n Notice) bool { return n.ID == id })
}

// List returns the live notices, oldest first, and drops the expired ones.
func (c *Center) List() []Notice {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	c.notices = slices.DeleteFunc(c.notices, func(n Notice) bool { return n.expired(now) })
	return slices.Clone(c.notices)
}

// Clear drops every notice.
func (c *Center) Clear() {
	c.mu.Lock()
	c.notices = nil
	c.mu.Unlock()
}
