package systemdmanager

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	logx "rbaker/pkg/logx"
)

func TestUnitName(t *testing.T) {
	cases := map[string]string{
		"rbaker":         "rbaker.service",
		"rbaker.service": "rbaker.service",
		" backup.timer ": "backup.timer",
		"":               "",
	}
	for in, want := range cases {
		if got := UnitName(in); got != want {
			t.Fatalf("UnitName(%q)=%q want %q", in, got, want)
		}
	}
}

func TestSystemctlStatusParsesShow(t *testing.T) {
	var gotArgs []string
	s := &Systemctl{run: func(_ context.Context, args ...string) ([]byte, error) {
		gotArgs = args
		return []byte("ActiveState=active\nSubState=running\nLoadState=loaded\nActiveEnterTimestamp=Fri 2026-10-16 01:00:00 UTC\n"), nil
	}}
	st, err := s.Status(context.Background(), "rbaker")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if gotArgs[0] != "show" || gotArgs[1] != "rbaker.service" {
		t.Fatalf("args=%v", gotArgs)
	}
	if !st.IsActive() || st.SubState != "running" || st.LoadState != "loaded" {
		t.Fatalf("status=%+v", st)
	}
	want := time.Date(2026, 10, 16, 1, 0, 0, 0, time.UTC)
	if !st.ActiveSince.Equal(want) {
		t.Fatalf("ActiveSince=%v want %v", st.ActiveSince, want)
	}
}

func TestSystemctlErrorIncludesOutput(t *testing.T) {
	s := &Systemctl{run: func(context.Context, ...string) ([]byte, error) {
		return []byte("Access denied\n"), errors.New("exit status 4")
	}}
	err := s.Stop(context.Background(), "rbaker")
	if err == nil || !strings.Contains(err.Error(), "Access denied") {
		t.Fatalf("err=%v", err)
	}
}

type fakeManager struct {
	active   bool
	calls    []string
	startErr error
}

func (f *fakeManager) Start(_ context.Context, unit string) error {
	f.calls = append(f.calls, "start "+unit)
	if f.startErr == nil {
		f.active = true
	}
	return f.startErr
}

func (f *fakeManager) Stop(_ context.Context, unit string) error {
	f.calls = append(f.calls, "stop "+unit)
	f.active = false
	return nil
}

func (f *fakeManager) Status(_ context.Context, unit string) (UnitStatus, error) {
	st := UnitStatus{Name: unit, Active: "inactive"}
	if f.active {
		st.Active = "active"
	}
	return st, nil
}

func (f *fakeManager) Close() error { return nil }

func TestPauseDuringStopsAndRestarts(t *testing.T) {
	m := &fakeManager{active: true}
	ran := false
	err := PauseDuring(context.Background(), m, "rbaker", logx.Nop(), func(context.Context) error {
		if m.active {
			t.Fatal("unit still active while fn runs")
		}
		ran = true
		return nil
	})
	if err != nil || !ran {
		t.Fatalf("err=%v ran=%v", err, ran)
	}
	want := []string{"stop rbaker.service", "start rbaker.service"}
	if !reflect.DeepEqual(m.calls, want) {
		t.Fatalf("calls=%v want %v", m.calls, want)
	}
}

func TestPauseDuringRestartsAfterFailure(t *testing.T) {
	m := &fakeManager{active: true}
	boom := errors.New("boom")
	err := PauseDuring(context.Background(), m, "rbaker", logx.Nop(), func(context.Context) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("err=%v", err)
	}
	if !m.active {
		t.Fatal("unit not restarted after failed run")
	}
}

func TestPauseDuringLeavesInactiveUnitAlone(t *testing.T) {
	m := &fakeManager{}
	if err := PauseDuring(context.Background(), m, "rbaker", logx.Nop(), func(context.Context) error { return nil }); err != nil {
		t.Fatalf("err=%v", err)
	}
	if len(m.calls) != 0 || m.active {
		t.Fatalf("calls=%v active=%v", m.calls, m.active)
	}
}

func TestPauseDuringReportsStartError(t *testing.T) {
	m := &fakeManager{active: true, startErr: errors.New("start refused")}
	err := PauseDuring(context.Background(), m, "rbaker", logx.Nop(), func(context.Context) error { return nil })
	if err == nil || !strings.Contains(err.Error(), "start refused") {
		t.Fatalf("err=%v", err)
	}
}

func TestNotifierDisabledIsNoop(t *testing.T) {
	n := NewNotifier(false, logx.Nop())
	n.Ready()
	n.Status("idle")
	n.Stopping()
	if d := n.WatchdogInterval(); d != 0 {
		t.Fatalf("WatchdogInterval=%v", d)
	}
	var nilN *Notifier
	nilN.Ready()
}
