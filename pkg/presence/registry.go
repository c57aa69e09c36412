package presence

import (
	"encoding/json"
	"log/slog"
	"maps"
	"sync"

	"github.com/aussiebroadwan/tabconsole/pkg/idx"
	"github.com/aussiebroadwan/tabconsole/pkg/slogx"
	"github.com/go-playground/validator/v10"
)

// StatusTopic is where the server broadcasts presence changes.
const StatusTopic = "/topic/status"

// PresenceEvent says identity went online or offline.
type PresenceEvent struct {
	Identity string
	Online   bool
}

// Observer is called with a copy of the whole registry after every change.
type Observer func(snapshot map[string]bool)

// Registry is the console's view of who is online. Last write wins, in
// arrival order; event timestamps are not consulted.
type Registry struct {
	logger  *slog.Logger
	metrics *Metrics

	// notifyMu keeps observer calls in the same order as the events that
	// caused them without holding mu while observers run.
	notifyMu sync.Mutex

	mu        sync.Mutex
	online    map[string]bool
	observers map[idx.ID]Observer
}

func NewRegistry(logger *slog.Logger, metrics *Metrics) *Registry {
	return &Registry{
		logger:    slogx.OrDefault(logger).With("component", "presence_registry"),
		metrics:   metrics,
		online:    make(map[string]bool),
		observers: make(map[idx.ID]Observer),
	}
}

// OnEvent records ev. Observers hear about it only if something changed:
// a new identity, or a known one flipping state.
func (r *Registry) OnEvent(ev PresenceEvent) {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()

	r.mu.Lock()
	prev, known := r.online[ev.Identity]
	if known && prev == ev.Online {
		r.mu.Unlock()
		return
	}
	r.online[ev.Identity] = ev.Online
	snap := maps.Clone(r.online)
	observers := make([]Observer, 0, len(r.observers))
	for _, o := range r.observers {
		observers = append(observers, o)
	}
	r.mu.Unlock()

	r.metrics.online(countOnline(snap))
	r.logger.Debug("presence changed", "identity", ev.Identity, "online", ev.Online)

	for _, o := range observers {
		o(snap)
	}
}

// Subscribe registers o for future changes. It does not get the current
// snapshot; call Snapshot for that.
func (r *Registry) Subscribe(o Observer) (unsubscribe func()) {
	id := idx.New()

	r.mu.Lock()
	r.observers[id] = o
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.observers, id)
		r.mu.Unlock()
	}
}

// Snapshot returns a copy of the registry.
func (r *Registry) Snapshot() map[string]bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return maps.Clone(r.online)
}

// Online reports whether identity is currently known to be online.
func (r *Registry) Online(identity string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.online[identity]
}

type statusMessage struct {
	Username string `json:"username" validate:"required"`
	Online   *bool  `json:"online" validate:"required"`
}

var validate = validator.New()

// Handler turns /topic/status messages into OnEvent calls. Anything that
// doesn't parse is logged and dropped.
func (r *Registry) Handler() Handler {
	return func(m Message) {
		var msg statusMessage
		if err := json.Unmarshal(m.Body, &msg); err != nil {
			r.logger.Warn("dropping unreadable status message", "error", err, "destination", m.Destination)
			return
		}
		if err := validate.Struct(msg); err != nil {
			r.logger.Warn("dropping invalid status message", "error", err, "destination", m.Destination)
			return
		}
		r.OnEvent(PresenceEvent{Identity: msg.Username, Online: *msg.Online})
	}
}

func countOnline(m map[string]bool) int {
	n := 0
	for _, on := range m {
		if on {
			n++
		}
	}
	return n
}
