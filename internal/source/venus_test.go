package source

import (
	"context"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"codeberg.org/mutker/venuslog/internal/errors"
	"codeberg.org/mutker/venuslog/internal/logger"
	"codeberg.org/mutker/venuslog/internal/sample"
	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	battery   = "com.victronenergy.battery.ttyO1"
	battery2  = "com.victronenergy.battery.ttyO2"
	ignored   = "com.victronenergy.battery.ttyUSB0"
	gps       = "com.victronenergy.gps.ve_ttyUSB1"
	batteryID = ":1.10"
	gpsID     = ":1.20"
	settings  = "com.victronenergy.settings"
)

type fakeConn struct {
	mu     sync.Mutex
	owners map[string]string
	values map[string]dbus.Variant
	sigs   chan<- *dbus.Signal
	closed bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		owners: map[string]string{
			battery:  batteryID,
			ignored:  ":1.30",
			gps:      gpsID,
			settings: ":1.40",
		},
		values: map[string]dbus.Variant{
			battery + "/Soc":            dbus.MakeVariant(87.5),
			battery + "/Dc/0/Voltage":   dbus.MakeVariant(13.2),
			battery + "/Dc/0/Current":   dbus.MakeVariant(-4.1),
			ignored + "/Soc":            dbus.MakeVariant(12.0),
			gps + "/Position/Latitude":  dbus.MakeVariant(52.1),
			gps + "/Position/Longitude": dbus.MakeVariant(4.3),
			gps + "/Speed":              dbus.MakeVariant([]int32{}),
		},
	}
}

func (f *fakeConn) ListNames(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := []string{"org.freedesktop.DBus", ":1.1"}
	for name := range f.owners {
		names = append(names, name)
	}
	return names, nil
}

func (f *fakeConn) NameOwner(_ context.Context, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	owner, ok := f.owners[name]
	if !ok {
		return "", fmt.Errorf("no owner for %s", name)
	}
	return owner, nil
}

func (f *fakeConn) GetValue(_ context.Context, service, path string) (dbus.Variant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.values[service+path]
	if !ok {
		return dbus.Variant{}, fmt.Errorf("no item %s%s", service, path)
	}
	return v, nil
}

func (f *fakeConn) Subscribe(ch chan<- *dbus.Signal) error {
	f.sigs = ch
	return nil
}

func (f *fakeConn) Close() error {
	f.closed = true
	return nil
}

func (f *fakeConn) set(service, path string, v any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[service+path] = dbus.MakeVariant(v)
}

type event struct {
	metric    sample.Metric
	value     float64
	available *bool
}

type recorder struct {
	mu     sync.Mutex
	events []event
}

func (r *recorder) OnValueChanged(m sample.Metric, value float64, _ time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event{metric: m, value: value})
}

func (r *recorder) OnAvailabilityChanged(m sample.Metric, available bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event{metric: m, available: &available})
}

func (r *recorder) take() []event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.events
	r.events = nil
	return out
}

func valueEvent(m sample.Metric, v float64) event { return event{metric: m, value: v} }

func availEvent(m sample.Metric, available bool) event {
	return event{metric: m, available: &available}
}

func newTestVenus(t *testing.T, conn *fakeConn) (*Venus, *recorder) {
	t.Helper()

	v := NewVenus(DefaultConfig(), logger.Nop())
	v.conn = conn
	v.now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }

	rec := &recorder{}
	v.handler = rec
	require.NoError(t, v.discover(context.Background()))
	return v, rec
}

func propertiesChanged(sender, path string, value any) *dbus.Signal {
	return &dbus.Signal{
		Sender: sender,
		Path:   dbus.ObjectPath(path),
		Name:   busItemInterface + ".PropertiesChanged",
		Body:   []any{map[string]dbus.Variant{"Value": dbus.MakeVariant(value)}},
	}
}

func nameOwnerChanged(name, oldOwner, newOwner string) *dbus.Signal {
	return &dbus.Signal{
		Sender: dbusService,
		Path:   "/org/freedesktop/DBus",
		Name:   dbusInterface + ".NameOwnerChanged",
		Body:   []any{name, oldOwner, newOwner},
	}
}

func TestDiscoverBindsTrackedServices(t *testing.T) {
	v, rec := newTestVenus(t, newFakeConn())

	assert.Equal(t, battery, v.bound[sample.SoC])
	assert.Equal(t, battery, v.bound[sample.Current])
	assert.Equal(t, gps, v.bound[sample.Latitude])
	assert.Equal(t, gps, v.bound[sample.Speed])
	assert.NotContains(t, v.services, ignored)
	assert.Empty(t, rec.take(), "discovery does not forward values")
}

func TestRead(t *testing.T) {
	ctx := context.Background()
	v, _ := newTestVenus(t, newFakeConn())

	value, ok, err := v.Read(ctx, sample.Voltage)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.InDelta(t, 13.2, value, 1e-9)

	_, ok, err = v.Read(ctx, sample.Speed)
	require.NoError(t, err)
	assert.False(t, ok, "empty array marks an invalid item")

	_, _, err = v.Read(ctx, sample.Metric(42))
	assert.True(t, errors.HasCode(err, ErrUnknownMetric))
}

func TestReadUnboundMetric(t *testing.T) {
	conn := newFakeConn()
	delete(conn.owners, gps)
	v, _ := newTestVenus(t, conn)

	_, ok, err := v.Read(context.Background(), sample.Latitude)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReadFailure(t *testing.T) {
	conn := newFakeConn()
	v, _ := newTestVenus(t, conn)
	delete(conn.values, battery+"/Soc")

	_, _, err := v.Read(context.Background(), sample.SoC)
	assert.True(t, errors.HasCode(err, ErrReadFailed))
}

func TestPropertiesChangedForwardsValue(t *testing.T) {
	ctx := context.Background()
	v, rec := newTestVenus(t, newFakeConn())

	v.handleSignal(ctx, propertiesChanged(batteryID, "/Soc", 86.0))
	v.handleSignal(ctx, propertiesChanged(gpsID, "/Speed", 3.5))
	v.handleSignal(ctx, propertiesChanged(batteryID, "/Unrelated", 1.0))
	v.handleSignal(ctx, propertiesChanged(":1.99", "/Soc", 1.0))

	assert.Equal(t, []event{
		valueEvent(sample.SoC, 86.0),
		valueEvent(sample.Speed, 3.5),
	}, rec.take())
}

func TestIgnoredServiceIsNotRecorded(t *testing.T) {
	v, rec := newTestVenus(t, newFakeConn())

	v.handleSignal(context.Background(), propertiesChanged(":1.30", "/Soc", 12.0))
	assert.Empty(t, rec.take())
}

func TestItemsChanged(t *testing.T) {
	v, rec := newTestVenus(t, newFakeConn())

	sig := &dbus.Signal{
		Sender: gpsID,
		Path:   "/",
		Name:   busItemInterface + ".ItemsChanged",
		Body: []any{map[string]map[string]dbus.Variant{
			"/Position/Longitude": {"Value": dbus.MakeVariant(4.4), "Text": dbus.MakeVariant("4.4")},
			"/Position/Latitude":  {"Value": dbus.MakeVariant(52.2)},
		}},
	}
	v.handleSignal(context.Background(), sig)

	assert.Equal(t, []event{
		valueEvent(sample.Latitude, 52.2),
		valueEvent(sample.Longitude, 4.4),
	}, rec.take())
}

func TestInvalidValueReportsUnavailability(t *testing.T) {
	ctx := context.Background()
	v, rec := newTestVenus(t, newFakeConn())

	v.handleSignal(ctx, propertiesChanged(batteryID, "/Dc/0/Current", []int32{}))
	v.handleSignal(ctx, propertiesChanged(batteryID, "/Dc/0/Current", []int32{}))
	v.handleSignal(ctx, propertiesChanged(batteryID, "/Dc/0/Current", 2.5))

	assert.Equal(t, []event{
		availEvent(sample.Current, false),
		availEvent(sample.Current, true),
		valueEvent(sample.Current, 2.5),
	}, rec.take())
}

func TestDeviceRemovedAndAdded(t *testing.T) {
	ctx := context.Background()
	conn := newFakeConn()
	v, rec := newTestVenus(t, conn)

	v.handleSignal(ctx, nameOwnerChanged(gps, gpsID, ""))
	assert.Equal(t, []event{
		availEvent(sample.Latitude, false),
		availEvent(sample.Longitude, false),
		availEvent(sample.Speed, false),
	}, rec.take())
	assert.Empty(t, v.bound[sample.Latitude])

	v.handleSignal(ctx, propertiesChanged(gpsID, "/Speed", 1.0))
	assert.Empty(t, rec.take(), "removed service no longer forwards")

	conn.set(gps, "/Speed", 0.5)
	v.handleSignal(ctx, nameOwnerChanged(gps, "", ":1.21"))
	assert.Equal(t, []event{
		availEvent(sample.Latitude, true),
		valueEvent(sample.Latitude, 52.1),
		availEvent(sample.Longitude, true),
		valueEvent(sample.Longitude, 4.3),
		availEvent(sample.Speed, true),
		valueEvent(sample.Speed, 0.5),
	}, rec.take())

	v.handleSignal(ctx, propertiesChanged(":1.21", "/Speed", 0.7))
	assert.Equal(t, []event{valueEvent(sample.Speed, 0.7)}, rec.take())
}

func TestDeviceRemovedRebindsSameClass(t *testing.T) {
	ctx := context.Background()
	conn := newFakeConn()
	conn.owners[battery2] = ":1.11"
	conn.set(battery2, "/Soc", 50.0)
	conn.set(battery2, "/Dc/0/Voltage", 12.8)
	conn.set(battery2, "/Dc/0/Current", 1.0)
	v, rec := newTestVenus(t, conn)

	require.Equal(t, battery, v.bound[sample.SoC])
	v.handleSignal(ctx, propertiesChanged(":1.11", "/Soc", 49.0))
	assert.Empty(t, rec.take(), "second battery is not bound")

	v.handleSignal(ctx, nameOwnerChanged(battery, batteryID, ""))
	assert.Equal(t, battery2, v.bound[sample.SoC])
	assert.Equal(t, []event{
		valueEvent(sample.SoC, 50.0),
		valueEvent(sample.Voltage, 12.8),
		valueEvent(sample.Current, 1.0),
	}, rec.take())
}

func TestStartRunsUntilCancelled(t *testing.T) {
	conn := newFakeConn()
	v := NewVenus(DefaultConfig(), logger.Nop())
	v.conn = conn

	rec := &recorder{}
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, v.Start(ctx, rec))
	require.NotNil(t, conn.sigs)

	conn.sigs <- propertiesChanged(batteryID, "/Soc", 80.0)
	assert.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.events) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-v.done:
	case <-time.After(time.Second):
		t.Fatal("signal loop did not stop")
	}

	require.NoError(t, v.Close())
	assert.True(t, conn.closed)
}

func TestToFloat(t *testing.T) {
	tests := []struct {
		in   any
		want float64
		ok   bool
	}{
		{in: 1.5, want: 1.5, ok: true},
		{in: float32(2.5), want: 2.5, ok: true},
		{in: int32(-3), want: -3, ok: true},
		{in: uint8(7), want: 7, ok: true},
		{in: int64(1 << 40), want: 1 << 40, ok: true},
		{in: math.NaN()},
		{in: math.Inf(1)},
		{in: []int32{}},
		{in: "12"},
		{in: nil},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%T", tt.in), func(t *testing.T) {
			got, ok := toFloat(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestClassOf(t *testing.T) {
	assert.Equal(t, BatteryClass, classOf(battery))
	assert.Equal(t, GPSClass, classOf(gps))
	assert.Equal(t, "com.victronenergy", classOf("com.victronenergy"))
}
