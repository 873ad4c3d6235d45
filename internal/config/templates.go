package config

import (
	"fmt"
	"os"
	"path/filepath"
)

func Template() string { return appTemplate }

// WriteTemplate writes the default configuration to path, creating parent
// directories.
func WriteTemplate(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, []byte(appTemplate), 0o600)
}

const appTemplate = `adapter = "hci0"
store_path = "local/chamctl/store.toml"
diag_addr = "127.0.0.1:9210"
cors_origins = ["http://localhost:3000"]

service_uuid = "6E400001-B5A3-F393-E0A9-E50E24DCCA9E"
rx_uuid = "6E400002-B5A3-F393-E0A9-E50E24DCCA9E"
tx_uuid = "6E400003-B5A3-F393-E0A9-E50E24DCCA9E"
name_markers = ["Chameleon", "Ultra"]

max_retries = 3
scan_timeout = "10s"
rescan_timeout = "5s"
connect_timeout = "20s"
connect_settle = "300ms"
security_timeout = "15s"
security_settle = "1s"
cooldown = "2s"

subscribe_settle = "200ms"
manual_write_settle = "500ms"
trust_manual_write = false
`
