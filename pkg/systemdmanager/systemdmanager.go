// Package systemdmanager controls the rbaker unit and reports daemon state
// to systemd.
//
// Unit control goes through D-Bus when the system bus is reachable and falls
// back to the systemctl binary otherwise.
package systemdmanager

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	logx "rbaker/pkg/logx"
)

var ErrUnsupported = errors.New("systemdmanager: unsupported OS (linux only)")

// UnitStatus is the subset of unit properties rbaker looks at.
type UnitStatus struct {
	Name        string
	Active      string // active, inactive, failed, ...
	SubState    string // running, dead, ...
	LoadState   string // loaded, not-found, ...
	ActiveSince time.Time
}

func (s UnitStatus) IsActive() bool { return s.Active == "active" || s.Active == "reloading" }

// Manager starts, stops and inspects units.
type Manager interface {
	Start(ctx context.Context, unit string) error
	Stop(ctx context.Context, unit string) error
	Status(ctx context.Context, unit string) (UnitStatus, error)
	Close() error
}

// New connects to systemd over D-Bus, or returns the systemctl fallback.
func New(ctx context.Context, log logx.Logger) Manager {
	if ctx == nil {
		ctx = context.Background()
	}
	m, err := newDBus(ctx)
	if err == nil {
		return m
	}
	log.Debug("systemd dbus unavailable; using systemctl", logx.Err(err))
	return NewSystemctl()
}

// UnitName appends ".service" when name carries no unit suffix.
func UnitName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	for _, suf := range []string{".service", ".timer", ".target", ".socket"} {
		if strings.HasSuffix(name, suf) {
			return name
		}
	}
	return name + ".service"
}

// PauseDuring stops unit while fn runs and starts it again afterwards. If the
// unit was not active it is left alone. The restart happens even when fn
// fails; errors from both are joined.
func PauseDuring(ctx context.Context, m Manager, unit string, log logx.Logger, fn func(ctx context.Context) error) error {
	unit = UnitName(unit)
	st, err := m.Status(ctx, unit)
	if err != nil {
		return fmt.Errorf("status %s: %w", unit, err)
	}
	if !st.IsActive() {
		log.Info("unit not active; running without pause", logx.String("unit", unit), logx.String("state", st.Active))
		return fn(ctx)
	}

	log.Info("stopping unit", logx.String("unit", unit))
	if err := m.Stop(ctx, unit); err != nil {
		return fmt.Errorf("stop %s: %w", unit, err)
	}
	runErr := fn(ctx)

	// Restart even if ctx was cancelled by the run.
	startCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	log.Info("starting unit", logx.String("unit", unit))
	if err := m.Start(startCtx, unit); err != nil {
		return errors.Join(runErr, fmt.Errorf("start %s: %w", unit, err))
	}
	return runErr
}
