// Package identity derives a stable relay id for this host.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"strings"

	"github.com/google/uuid"
)

var machineIDFiles = []string{
	"/etc/machine-id",
	"/var/lib/dbus/machine-id",
}

// RelayID returns a stable 32-hex-char identifier for this host,
// derived from the machine id. Falls back to the hostname, then to a
// random UUID (unstable across restarts).
func RelayID() string {
	if id := machineID(); id != "" {
		return hash(id)
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return hash(host)
	}
	return hash(uuid.NewString())
}

func machineID() string {
	for _, path := range machineIDFiles {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if id := strings.TrimSpace(string(data)); id != "" {
			return id
		}
	}
	return ""
}

func hash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:16])
}
