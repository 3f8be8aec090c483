package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Approver is one resolved member of an approver role.
type Approver struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
}

// Directory resolves an approver role to its members.
type Directory interface {
	ResolveRole(ctx context.Context, role string) ([]Approver, error)
}

// StaticDirectory is a fixed role map, loaded from configuration.
type StaticDirectory struct {
	roles map[string][]Approver
}

// NewStaticDirectory creates a directory over a fixed role map.
func NewStaticDirectory(roles map[string][]Approver) *StaticDirectory {
	if roles == nil {
		roles = make(map[string][]Approver)
	}
	return &StaticDirectory{roles: roles}
}

func (d *StaticDirectory) ResolveRole(ctx context.Context, role string) ([]Approver, error) {
	members, ok := d.roles[role]
	if !ok {
		return nil, fmt.Errorf("unknown approver role %q", role)
	}
	out := make([]Approver, len(members))
	copy(out, members)
	return out, nil
}

// Dispatcher fans a message out to every registered channel. Delivery is
// best effort: failures are logged and counted, never returned as fatal.
type Dispatcher struct {
	mu       sync.RWMutex
	channels []Channel
	logger   *slog.Logger
}

// NewDispatcher creates a dispatcher over the given channels.
func NewDispatcher(logger *slog.Logger, channels ...Channel) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		channels: channels,
		logger:   logger.With("component", "notify"),
	}
}

// AddChannel registers an additional channel.
func (d *Dispatcher) AddChannel(ch Channel) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.channels = append(d.channels, ch)
}

// Send delivers the message on every channel, returning how many deliveries
// succeeded.
func (d *Dispatcher) Send(ctx context.Context, msg *Message) int {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if msg.Priority == "" {
		msg.Priority = PriorityNormal
	}

	d.mu.RLock()
	channels := make([]Channel, len(d.channels))
	copy(channels, d.channels)
	d.mu.RUnlock()

	delivered := 0
	for _, ch := range channels {
		if err := ch.Send(ctx, msg); err != nil {
			d.logger.Warn("notification delivery failed",
				"channel", ch.Name(),
				"subject", msg.Subject,
				"error", err)
			continue
		}
		delivered++
	}
	return delivered
}

// Recorder is a test channel that keeps every message it receives.
type Recorder struct {
	mu       sync.Mutex
	name     string
	messages []*Message
}

// NewRecorder creates a recording channel.
func NewRecorder(name string) *Recorder {
	return &Recorder{name: name}
}

func (r *Recorder) Name() string {
	return r.name
}

func (r *Recorder) Send(ctx context.Context, msg *Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	clone := *msg
	r.messages = append(r.messages, &clone)
	return nil
}

// Messages returns a snapshot of everything recorded so far.
func (r *Recorder) Messages() []*Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Message, len(r.messages))
	copy(out, r.messages)
	return out
}
