package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"runtime"
	"strings"
)

// machineIDPaths are read in order; the first usable one wins.
var machineIDPaths = []string{
	"/etc/machine-id",
	"/var/lib/dbus/machine-id",
}

// DetectOS returns the operating system type in a standardized format
func DetectOS() string {
	switch runtime.GOOS {
	case "darwin":
		return "macos"
	default:
		return runtime.GOOS
	}
}

// DeviceFingerprint derives a stable identifier for this machine from its
// machine-id (or hostname when there is none) and OS. The raw machine-id is
// never sent; only a 32-char hash of it.
func DeviceFingerprint() string {
	source := machineID()
	if source == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "unknown-host"
		}
		source = "host:" + host
	}
	return fingerprintOf(source, DetectOS())
}

func fingerprintOf(source, osType string) string {
	sum := sha256.Sum256([]byte("luna-device|" + osType + "|" + source))
	return hex.EncodeToString(sum[:16])
}

func machineID() string {
	for _, path := range machineIDPaths {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if id := strings.TrimSpace(string(data)); len(id) >= 8 {
			return id
		}
	}
	return ""
}
