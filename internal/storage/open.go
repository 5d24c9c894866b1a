package storage

import (
	"fmt"
	"strings"

	logx "rbaker/pkg/logx"
)

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file", "json":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "":
		return nil, fmt.Errorf("storage driver required")
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", driver)
	}
}
