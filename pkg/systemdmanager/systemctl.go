package systemdmanager

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Systemctl drives units through the systemctl binary.
type Systemctl struct {
	run func(ctx context.Context, args ...string) ([]byte, error)
}

func NewSystemctl() *Systemctl {
	return &Systemctl{run: func(ctx context.Context, args ...string) ([]byte, error) {
		return exec.CommandContext(ctx, "systemctl", args...).CombinedOutput()
	}}
}

func (s *Systemctl) Start(ctx context.Context, unit string) error {
	if out, err := s.run(ctx, "start", UnitName(unit)); err != nil {
		return fmt.Errorf("systemctl start %s: %w: %s", unit, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (s *Systemctl) Stop(ctx context.Context, unit string) error {
	if out, err := s.run(ctx, "stop", UnitName(unit)); err != nil {
		return fmt.Errorf("systemctl stop %s: %w: %s", unit, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (s *Systemctl) Status(ctx context.Context, unit string) (UnitStatus, error) {
	unit = UnitName(unit)
	out, err := s.run(ctx, "show", unit, "--property=ActiveState,SubState,LoadState,ActiveEnterTimestamp")
	if err != nil {
		return UnitStatus{}, fmt.Errorf("systemctl show %s: %w: %s", unit, err, strings.TrimSpace(string(out)))
	}
	return parseShow(unit, out), nil
}

func (s *Systemctl) Close() error { return nil }

func parseShow(unit string, out []byte) UnitStatus {
	st := UnitStatus{Name: unit}
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		k, v, ok := strings.Cut(sc.Text(), "=")
		if !ok {
			continue
		}
		v = strings.TrimSpace(v)
		switch k {
		case "ActiveState":
			st.Active = v
		case "SubState":
			st.SubState = v
		case "LoadState":
			st.LoadState = v
		case "ActiveEnterTimestamp":
			// e.g. "Fri 2026-10-16 01:00:00 UTC"
			if t, err := time.Parse("Mon 2006-01-02 15:04:05 MST", v); err == nil {
				st.ActiveSince = t
			}
		}
	}
	return st
}
