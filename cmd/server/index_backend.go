package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"autosupport.dev/internal/persistence/indexdb"
	"autosupport.dev/internal/persistence/snapshot"
	"autosupport.dev/internal/sim/autosupport"
	"autosupport.dev/internal/sim/catalogs"
	"autosupport.dev/internal/sim/tuning"
)

type runtimeIndex interface {
	autosupport.AuditLogger
	Close() error
	UpsertCatalogs(configDir string, cats *catalogs.Catalogs, tune tuning.Tuning) error
	RecordSave(path string, h snapshot.Header)
	Stats() indexdb.Stats
}

func openRuntimeIndex(worldDir string, disableDB bool) (runtimeIndex, error) {
	if disableDB {
		return nil, nil
	}

	backend := strings.ToLower(strings.TrimSpace(os.Getenv("AS_INDEX_BACKEND")))
	if backend == "" {
		backend = "sqlite"
	}

	switch backend {
	case "none", "off", "disabled":
		return nil, nil
	case "sqlite":
		return indexdb.OpenSQLite(indexPath(worldDir))
	default:
		return nil, fmt.Errorf("unsupported AS_INDEX_BACKEND: %s", backend)
	}
}

func indexPath(worldDir string) string {
	return filepath.Join(worldDir, "index", "world.sqlite")
}

type multiAuditLogger struct {
	a autosupport.AuditLogger
	b autosupport.AuditLogger
}

func (m multiAuditLogger) WriteAudit(entry autosupport.AuditEntry) error {
	if m.a != nil {
		_ = m.a.WriteAudit(entry)
	}
	if m.b != nil {
		_ = m.b.WriteAudit(entry)
	}
	return nil
}
