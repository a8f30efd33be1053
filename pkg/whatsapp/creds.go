package whatsapp

import (
	"os"

	"github.com/waclaw/waclaw/pkg/logger"
)

// restoreCredentials copies the backup session database over the primary
// when the primary is missing or empty.
func restoreCredentials(dbPath string) {
	bak := dbPath + ".bak"

	if info, err := os.Stat(dbPath); err == nil && info.Size() > 0 {
		return
	}
	data, err := os.ReadFile(bak)
	if err != nil || len(data) == 0 {
		return
	}
	if err := writeAtomic(dbPath, data); err != nil {
		logger.WarnCF("whatsapp", "Credential restore failed", map[string]any{"error": err.Error()})
		return
	}
	logger.InfoC("whatsapp", "Restored session database from backup")
}

// backupCredentials refreshes the .bak sibling of the session database.
func backupCredentials(dbPath string) {
	data, err := os.ReadFile(dbPath)
	if err != nil || len(data) == 0 {
		return
	}
	if err := writeAtomic(dbPath+".bak", data); err != nil {
		logger.WarnCF("whatsapp", "Credential backup failed", map[string]any{"error": err.Error()})
	}
}

// wipeCredentials removes the session database, its sidecars and backup.
func wipeCredentials(dbPath string) {
	for _, p := range []string{dbPath, dbPath + "-wal", dbPath + "-shm", dbPath + ".bak"} {
		_ = os.Remove(p)
	}
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
