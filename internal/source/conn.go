package source

import (
	"context"

	"github.com/godbus/dbus/v5"
)

const (
	busItemInterface = "com.victronenergy.BusItem"
	dbusInterface    = "org.freedesktop.DBus"
	dbusService      = "org.freedesktop.DBus"
)

type busConn interface {
	ListNames(ctx context.Context) ([]string, error)
	NameOwner(ctx context.Context, name string) (string, error)
	GetValue(ctx context.Context, service, path string) (dbus.Variant, error)
	Subscribe(ch chan<- *dbus.Signal) error
	Close() error
}

func newBusConn(bus string) (busConn, error) {
	var (
		conn *dbus.Conn
		err  error
	)
	switch bus {
	case "", "system":
		conn, err = dbus.ConnectSystemBus()
	case "session":
		conn, err = dbus.ConnectSessionBus()
	default:
		conn, err = dbus.Connect(bus)
	}
	if err != nil {
		return nil, err
	}
	return &dbusConn{conn: conn}, nil
}

type dbusConn struct {
	conn *dbus.Conn
}

func (c *dbusConn) ListNames(ctx context.Context) ([]string, error) {
	var names []string
	err := c.conn.BusObject().CallWithContext(ctx, dbusInterface+".ListNames", 0).Store(&names)
	return names, err
}

func (c *dbusConn) NameOwner(ctx context.Context, name string) (string, error) {
	var owner string
	err := c.conn.BusObject().CallWithContext(ctx, dbusInterface+".GetNameOwner", 0, name).Store(&owner)
	return owner, err
}

func (c *dbusConn) GetValue(ctx context.Context, service, path string) (dbus.Variant, error) {
	var v dbus.Variant
	err := c.conn.Object(service, dbus.ObjectPath(path)).
		CallWithContext(ctx, busItemInterface+".GetValue", 0).
		Store(&v)
	return v, err
}

func (c *dbusConn) Subscribe(ch chan<- *dbus.Signal) error {
	matches := [][]dbus.MatchOption{
		{dbus.WithMatchInterface(busItemInterface), dbus.WithMatchMember("PropertiesChanged")},
		{dbus.WithMatchInterface(busItemInterface), dbus.WithMatchMember("ItemsChanged")},
		{
			dbus.WithMatchSender(dbusService),
			dbus.WithMatchInterface(dbusInterface),
			dbus.WithMatchMember("NameOwnerChanged"),
		},
	}
	for _, m := range matches {
		if err := c.conn.AddMatchSignal(m...); err != nil {
			return err
		}
	}
	c.conn.Signal(ch)
	return nil
}

func (c *dbusConn) Close() error {
	return c.conn.Close()
}
