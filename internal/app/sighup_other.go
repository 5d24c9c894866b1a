//go:build !unix

package app

import "rbaker/internal/runtime/supervisor"

func (a *App) watchSIGHUP(*supervisor.Supervisor) {}
