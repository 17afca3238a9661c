package netdev

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/ardnew/idevncm/pkg"
)

// Registry errors.
var (
	ErrNameExists    = errors.New("interface name already in use")
	ErrInvalidName   = errors.New("invalid interface name")
	ErrNotRegistered = errors.New("network device not registered")
)

// MaxNameLen is the longest interface name accepted, matching IFNAMSIZ-1.
const MaxNameLen = 15

// maxNameIndex bounds the %d search.
const maxNameIndex = 1024

// EventType identifies a registry event.
type EventType int

// Registry events.
const (
	EventRegistered EventType = iota
	EventUnregistered
	EventUp
	EventDown
	EventCarrierOn
	EventCarrierOff
	EventMTU
	EventAddress
)

var eventNames = [...]string{
	EventRegistered:   "registered",
	EventUnregistered: "unregistered",
	EventUp:           "up",
	EventDown:         "down",
	EventCarrierOn:    "carrier-on",
	EventCarrierOff:   "carrier-off",
	EventMTU:          "mtu",
	EventAddress:      "address",
}

func (t EventType) String() string {
	if int(t) < len(eventNames) {
		return eventNames[t]
	}
	return fmt.Sprintf("EventType(%d)", int(t))
}

// Event is delivered to watchers.
type Event struct {
	Type   EventType
	Device *Device
}

// Registry holds the registered network devices and resolves name
// templates.
type Registry struct {
	mu       sync.RWMutex
	devices  map[string]*Device
	watchers map[int]func(Event)
	nextID   int
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		devices:  make(map[string]*Device),
		watchers: make(map[int]func(Event)),
	}
}

// DefaultRegistry is used when no registry is carried by the context.
var DefaultRegistry = NewRegistry()

type registryKey struct{}

// WithRegistry returns a context carrying r.
func WithRegistry(ctx context.Context, r *Registry) context.Context {
	return context.WithValue(ctx, registryKey{}, r)
}

// RegistryFrom returns the registry carried by ctx, or DefaultRegistry.
func RegistryFrom(ctx context.Context) *Registry {
	if ctx != nil {
		if r, ok := ctx.Value(registryKey{}).(*Registry); ok && r != nil {
			return r
		}
	}
	return DefaultRegistry
}

// Register adds d under its name. A name containing %d is replaced by the
// lowest unused index.
func (r *Registry) Register(d *Device) error {
	r.mu.Lock()
	name, err := r.resolveLocked(d.Name())
	if err != nil {
		r.mu.Unlock()
		return err
	}
	if d.Registry() != nil {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s already registered", pkg.ErrBusy, d.Name())
	}
	d.mu.Lock()
	d.name = name
	d.registry = r
	d.mu.Unlock()
	r.devices[name] = d
	r.mu.Unlock()

	pkg.LogInfo(pkg.ComponentNetdev, "registered", "netdev", name, "driver", d.Description())
	r.notify(Event{Type: EventRegistered, Device: d})
	return nil
}

// Unregister brings d down and removes it.
func (r *Registry) Unregister(d *Device) error {
	name := d.Name()
	r.mu.RLock()
	cur, ok := r.devices[name]
	r.mu.RUnlock()
	if !ok || cur != d {
		return fmt.Errorf("%w: %s", ErrNotRegistered, name)
	}

	err := d.Down()

	r.mu.Lock()
	delete(r.devices, name)
	r.mu.Unlock()

	pkg.LogInfo(pkg.ComponentNetdev, "unregistered", "netdev", name)
	r.notify(Event{Type: EventUnregistered, Device: d})

	d.mu.Lock()
	d.registry = nil
	d.mu.Unlock()
	return err
}

// Get returns the device named name, or nil.
func (r *Registry) Get(name string) *Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.devices[name]
}

// Devices returns the registered devices ordered by name.
func (r *Registry) Devices() []*Device {
	r.mu.RLock()
	names := make([]string, 0, len(r.devices))
	for name := range r.devices {
		names = append(names, name)
	}
	slices.Sort(names)
	out := make([]*Device, len(names))
	for i, name := range names {
		out[i] = r.devices[name]
	}
	r.mu.RUnlock()
	return out
}

// Watch calls fn for every event until the returned cancel function runs.
// fn runs on the goroutine that caused the event.
func (r *Registry) Watch(fn func(Event)) (cancel func()) {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.watchers[id] = fn
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.watchers, id)
		r.mu.Unlock()
	}
}

func (r *Registry) notify(ev Event) {
	r.mu.RLock()
	ids := make([]int, 0, len(r.watchers))
	for id := range r.watchers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	fns := make([]func(Event), len(ids))
	for i, id := range ids {
		fns[i] = r.watchers[id]
	}
	r.mu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
}

func (r *Registry) resolveLocked(template string) (string, error) {
	if template == "" || strings.ContainsAny(template, "/: \t\n") {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, template)
	}

	switch n := strings.Count(template, "%"); {
	case n == 0:
		if len(template) > MaxNameLen {
			return "", fmt.Errorf("%w: %q", ErrInvalidName, template)
		}
		if _, ok := r.devices[template]; ok {
			return "", fmt.Errorf("%w: %s", ErrNameExists, template)
		}
		return template, nil
	case n > 1 || !strings.Contains(template, "%d"):
		return "", fmt.Errorf("%w: %q", ErrInvalidName, template)
	}

	for i := range maxNameIndex {
		name := fmt.Sprintf(template, i)
		if len(name) > MaxNameLen {
			break
		}
		if _, ok := r.devices[name]; !ok {
			return name, nil
		}
	}
	return "", fmt.Errorf("%w: no free name for %q", pkg.ErrNoResources, template)
}
