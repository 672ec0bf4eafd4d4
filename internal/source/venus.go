package source

import (
	"context"
	"math"
	"slices"
	"strings"
	"sync"
	"time"

	"codeberg.org/mutker/venuslog/internal/errors"
	"codeberg.org/mutker/venuslog/internal/logger"
	"codeberg.org/mutker/venuslog/internal/sample"
	"github.com/godbus/dbus/v5"
)

const (
	defaultCallTimeout = 5 * time.Second
	signalQueueSize    = 128
)

type availability int8

const (
	unreported availability = iota
	available
	unavailable
)

type Config struct {
	// Bus is "system", "session" or a D-Bus address.
	Bus      string
	Bindings []Binding
	Ignored  []string
	Timeout  time.Duration
}

func DefaultConfig() Config {
	return Config{
		Bus:      "system",
		Bindings: DefaultBindings(),
		Ignored:  DefaultIgnored(),
		Timeout:  defaultCallTimeout,
	}
}

// notification is a handler call deferred until the state lock is released.
type notification func(Handler)

// Venus tracks Victron services on the bus and forwards their item changes.
type Venus struct {
	cfg  Config
	log  logger.Logger
	conn busConn
	now  func() time.Time

	mu       sync.Mutex
	handler  Handler
	owners   map[string]string // unique bus name -> service name
	services map[string]bool
	bound    [sample.NumMetrics]string
	reported [sample.NumMetrics]availability

	done chan struct{}
}

func NewVenus(cfg Config, log logger.Logger) *Venus {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultCallTimeout
	}
	return &Venus{
		cfg:      cfg,
		log:      log,
		now:      time.Now,
		owners:   make(map[string]string),
		services: make(map[string]bool),
	}
}

// Start connects to the bus, discovers the present services and begins
// forwarding notifications to h until ctx is done.
func (v *Venus) Start(ctx context.Context, h Handler) error {
	errFactory := errors.New()

	if v.conn == nil {
		conn, err := newBusConn(v.cfg.Bus)
		if err != nil {
			return errFactory.Wrap(ErrConnectFailed, err)
		}
		v.conn = conn
	}

	v.mu.Lock()
	v.handler = h
	v.mu.Unlock()

	sigs := make(chan *dbus.Signal, signalQueueSize)
	if err := v.conn.Subscribe(sigs); err != nil {
		return errFactory.Wrap(ErrSubscribeFailed, err)
	}

	if err := v.discover(ctx); err != nil {
		return err
	}

	v.done = make(chan struct{})
	go v.run(ctx, sigs)

	return nil
}

// Read fetches the current value of m from the service bound to it.
func (v *Venus) Read(ctx context.Context, m sample.Metric) (float64, bool, error) {
	errFactory := errors.New()

	if !m.Valid() {
		return 0, false, errFactory.WithData(ErrUnknownMetric, int(m))
	}

	v.mu.Lock()
	service := v.bound[m]
	v.mu.Unlock()

	if service == "" {
		v.setReported(m, unavailable)
		return 0, false, nil
	}

	path, ok := v.pathFor(service, m)
	if !ok {
		return 0, false, errFactory.WithData(ErrUnknownMetric, m.String())
	}

	callCtx, cancel := context.WithTimeout(ctx, v.cfg.Timeout)
	defer cancel()

	variant, err := v.conn.GetValue(callCtx, service, path)
	if err != nil {
		return 0, false, errFactory.Wrap(ErrReadFailed, err)
	}

	value, valid := toFloat(variant.Value())
	if valid {
		v.setReported(m, available)
	} else {
		v.setReported(m, unavailable)
	}
	return value, valid, nil
}

func (v *Venus) Close() error {
	if v.conn == nil {
		return nil
	}
	return v.conn.Close()
}

func (v *Venus) run(ctx context.Context, sigs <-chan *dbus.Signal) {
	defer close(v.done)

	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-sigs:
			if !ok {
				return
			}
			v.handleSignal(ctx, sig)
		}
	}
}

func (v *Venus) discover(ctx context.Context) error {
	callCtx, cancel := context.WithTimeout(ctx, v.cfg.Timeout)
	defer cancel()

	names, err := v.conn.ListNames(callCtx)
	if err != nil {
		return errors.New().Wrap(ErrDiscoverFailed, err)
	}

	slices.Sort(names)
	for _, name := range names {
		if !v.tracked(name) {
			continue
		}
		owner, err := v.conn.NameOwner(callCtx, name)
		if err != nil {
			v.log.Warn().Err(err).Str("service", name).Msg("Failed to resolve service owner")
			continue
		}
		v.emit(v.addService(ctx, name, owner, false))
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	for m, service := range v.bound {
		if service == "" {
			v.log.Info().Str("metric", sample.Metric(m).String()).Msg("No service provides metric yet")
		}
	}

	return nil
}

func (v *Venus) handleSignal(ctx context.Context, sig *dbus.Signal) {
	switch sig.Name {
	case dbusInterface + ".NameOwnerChanged":
		var name, oldOwner, newOwner string
		if err := dbus.Store(sig.Body, &name, &oldOwner, &newOwner); err != nil || !v.tracked(name) {
			return
		}
		if oldOwner != "" {
			v.emit(v.removeService(ctx, name))
		}
		if newOwner != "" {
			v.emit(v.addService(ctx, name, newOwner, true))
		}

	case busItemInterface + ".PropertiesChanged":
		var props map[string]dbus.Variant
		if err := dbus.Store(sig.Body, &props); err != nil {
			return
		}
		if value, ok := props["Value"]; ok {
			v.emit(v.itemChanged(sig.Sender, string(sig.Path), value))
		}

	case busItemInterface + ".ItemsChanged":
		var items map[string]map[string]dbus.Variant
		if err := dbus.Store(sig.Body, &items); err != nil {
			return
		}
		paths := make([]string, 0, len(items))
		for path := range items {
			paths = append(paths, path)
		}
		slices.Sort(paths)
		for _, path := range paths {
			if value, ok := items[path]["Value"]; ok {
				v.emit(v.itemChanged(sig.Sender, path, value))
			}
		}
	}
}

func (v *Venus) itemChanged(sender, path string, value dbus.Variant) []notification {
	v.mu.Lock()
	defer v.mu.Unlock()

	service, ok := v.owners[sender]
	if !ok {
		return nil
	}

	for _, b := range v.cfg.Bindings {
		if b.Path == path && b.Class == classOf(service) && v.bound[b.Metric] == service {
			return v.deliverLocked(b.Metric, value)
		}
	}
	return nil
}

// addService binds the service to every unbound metric of its class. With
// notify set, the current values are read and forwarded.
func (v *Venus) addService(ctx context.Context, name, owner string, notify bool) []notification {
	v.mu.Lock()
	v.owners[owner] = name
	v.services[name] = true

	var claimed []Binding
	for _, b := range v.cfg.Bindings {
		if b.Class == classOf(name) && v.bound[b.Metric] == "" {
			v.bound[b.Metric] = name
			claimed = append(claimed, b)
		}
	}
	v.mu.Unlock()

	v.log.Info().Str("service", name).Int("items", len(claimed)).Msg("Device added")

	if !notify {
		return nil
	}
	return v.refresh(ctx, name, claimed)
}

// removeService unbinds the service and hands its metrics to another present
// service of the same class, or reports them unavailable.
func (v *Venus) removeService(ctx context.Context, name string) []notification {
	v.mu.Lock()
	delete(v.services, name)
	for owner, service := range v.owners {
		if service == name {
			delete(v.owners, owner)
		}
	}

	var (
		out       []notification
		rebound   = map[string][]Binding{}
		successor string
	)
	for service := range v.services {
		if classOf(service) == classOf(name) && (successor == "" || service < successor) {
			successor = service
		}
	}

	for _, b := range v.cfg.Bindings {
		if v.bound[b.Metric] != name {
			continue
		}
		v.bound[b.Metric] = successor
		if successor != "" {
			rebound[successor] = append(rebound[successor], b)
			continue
		}
		if n := v.reportLocked(b.Metric, unavailable); n != nil {
			out = append(out, n)
		}
	}
	v.mu.Unlock()

	v.log.Info().Str("service", name).Str("successor", successor).Msg("Device removed")

	for service, bindings := range rebound {
		out = append(out, v.refresh(ctx, service, bindings)...)
	}
	return out
}

func (v *Venus) refresh(ctx context.Context, service string, bindings []Binding) []notification {
	callCtx, cancel := context.WithTimeout(ctx, v.cfg.Timeout)
	defer cancel()

	var out []notification
	for _, b := range bindings {
		value, err := v.conn.GetValue(callCtx, service, b.Path)
		if err != nil {
			v.log.Warn().Err(err).Str("service", service).Str("path", b.Path).Msg("Failed to read item")
			continue
		}

		v.mu.Lock()
		if v.bound[b.Metric] == service {
			out = append(out, v.deliverLocked(b.Metric, value)...)
		}
		v.mu.Unlock()
	}
	return out
}

// deliverLocked turns a bus value into handler calls. Invalid values mark the
// metric unavailable instead of being forwarded.
func (v *Venus) deliverLocked(m sample.Metric, variant dbus.Variant) []notification {
	value, ok := toFloat(variant.Value())
	if !ok {
		if n := v.reportLocked(m, unavailable); n != nil {
			return []notification{n}
		}
		return nil
	}

	var out []notification
	if n := v.reportLocked(m, available); n != nil {
		out = append(out, n)
	}
	ts := v.now()
	out = append(out, func(h Handler) { h.OnValueChanged(m, value, ts) })
	return out
}

// reportLocked records the availability of m and returns the handler call
// announcing a transition. The first valid value needs no announcement.
func (v *Venus) reportLocked(m sample.Metric, state availability) notification {
	prev := v.reported[m]
	v.reported[m] = state

	switch {
	case prev == state:
		return nil
	case state == available && prev == unreported:
		return nil
	default:
		isAvailable := state == available
		return func(h Handler) { h.OnAvailabilityChanged(m, isAvailable) }
	}
}

func (v *Venus) setReported(m sample.Metric, state availability) {
	v.mu.Lock()
	v.reported[m] = state
	v.mu.Unlock()
}

func (v *Venus) emit(ns []notification) {
	v.mu.Lock()
	h := v.handler
	v.mu.Unlock()

	if h == nil {
		return
	}
	for _, n := range ns {
		n(h)
	}
}

func (v *Venus) pathFor(service string, m sample.Metric) (string, bool) {
	for _, b := range v.cfg.Bindings {
		if b.Metric == m && b.Class == classOf(service) {
			return b.Path, true
		}
	}
	return "", false
}

func (v *Venus) tracked(name string) bool {
	if strings.HasPrefix(name, ":") || slices.Contains(v.cfg.Ignored, name) {
		return false
	}
	class := classOf(name)
	for _, b := range v.cfg.Bindings {
		if b.Class == class {
			return true
		}
	}
	return false
}

// classOf returns the first three dotted components of a service name.
func classOf(service string) string {
	parts := strings.SplitN(service, ".", 4)
	if len(parts) < 3 {
		return service
	}
	return strings.Join(parts[:3], ".")
}

// toFloat converts a bus item value. Venus marks invalid items with an empty
// array, which is reported as not ok.
func toFloat(v any) (float64, bool) {
	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case float32:
		f = float64(x)
	case int32:
		f = float64(x)
	case int64:
		f = float64(x)
	case int16:
		f = float64(x)
	case int:
		f = float64(x)
	case uint32:
		f = float64(x)
	case uint64:
		f = float64(x)
	case uint16:
		f = float64(x)
	case uint8:
		f = float64(x)
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
