//go:build linux

package systemdmanager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/dbus"
)

type dbusManager struct {
	mu   sync.RWMutex
	conn *dbus.Conn
}

func newDBus(ctx context.Context) (Manager, error) {
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to systemd: %w", err)
	}
	return &dbusManager{conn: conn}, nil
}

func (m *dbusManager) Start(ctx context.Context, unit string) error {
	return m.job(ctx, "start", unit, func(c *dbus.Conn, ch chan<- string) (int, error) {
		return c.StartUnitContext(ctx, UnitName(unit), "replace", ch)
	})
}

func (m *dbusManager) Stop(ctx context.Context, unit string) error {
	return m.job(ctx, "stop", unit, func(c *dbus.Conn, ch chan<- string) (int, error) {
		return c.StopUnitContext(ctx, UnitName(unit), "replace", ch)
	})
}

// job submits a unit job and waits for systemd to report its result.
func (m *dbusManager) job(ctx context.Context, action, unit string, submit func(*dbus.Conn, chan<- string) (int, error)) error {
	m.mu.RLock()
	conn := m.conn
	m.mu.RUnlock()
	if conn == nil {
		return fmt.Errorf("systemd connection is closed")
	}

	ch := make(chan string, 1)
	if _, err := submit(conn, ch); err != nil {
		return fmt.Errorf("failed to %s %s: %w", action, unit, err)
	}
	select {
	case res := <-ch:
		if res != "done" {
			return fmt.Errorf("%s %s: job %s", action, unit, res)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *dbusManager) Status(ctx context.Context, unit string) (UnitStatus, error) {
	m.mu.RLock()
	conn := m.conn
	m.mu.RUnlock()
	if conn == nil {
		return UnitStatus{}, fmt.Errorf("systemd connection is closed")
	}

	name := UnitName(unit)
	props, err := conn.GetUnitPropertiesContext(ctx, name)
	if err != nil {
		return UnitStatus{}, fmt.Errorf("failed to get %s properties: %w", name, err)
	}
	st := UnitStatus{Name: name}
	st.Active, _ = props["ActiveState"].(string)
	st.SubState, _ = props["SubState"].(string)
	st.LoadState, _ = props["LoadState"].(string)
	if ts, ok := props["ActiveEnterTimestamp"].(uint64); ok && ts > 0 {
		// microseconds since the epoch
		st.ActiveSince = time.UnixMicro(int64(ts))
	}
	return st, nil
}

func (m *dbusManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	return nil
}
