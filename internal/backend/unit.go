package backend

import (
	"fmt"
	"os"
	"path/filepath"
)

// unitTemplate keeps a container alive across host reboots by delegating
// restart duty to the init system. The container is created by Prepare; the
// unit only attaches and restarts it.
const unitTemplate = `[Unit]
Description=%s
After=docker.service
Requires=docker.service

[Service]
ExecStart=/usr/bin/docker start -a %s
ExecStop=/usr/bin/docker stop %s
Restart=always

[Install]
WantedBy=multi-user.target
`

// writeUnit writes the init unit for a container. Disabled when no unit
// directory is configured.
func (b *DockerBackend) writeUnit(name string) error {
	if b.unitDir == "" {
		return nil
	}
	if err := os.MkdirAll(b.unitDir, 0o755); err != nil {
		return fmt.Errorf("failed to create unit dir: %w", err)
	}
	unit := fmt.Sprintf(unitTemplate, name, name, name)
	path := filepath.Join(b.unitDir, name+".service")
	if err := os.WriteFile(path, []byte(unit), 0o644); err != nil {
		return fmt.Errorf("failed to write unit file: %w", err)
	}
	return nil
}
