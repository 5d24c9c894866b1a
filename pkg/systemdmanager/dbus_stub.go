//go:build !linux

package systemdmanager

import "context"

func newDBus(context.Context) (Manager, error) { return nil, ErrUnsupported }
