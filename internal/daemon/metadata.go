package daemon

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/renameio/v2"
)

// Metadata is the JSON body of daemon.json, read by clients to locate and
// validate a running daemon before dialing it.
type Metadata struct {
	Port             int    `json:"port,omitempty"`
	HTTPPort         int    `json:"httpPort,omitempty"`
	Transport        string `json:"transport"`
	Token            string `json:"token"`
	PID              int    `json:"pid"`
	ProcessStartTime string `json:"processStartTime,omitempty"`
	Version          string `json:"version"`
	CodeSignature    string `json:"codeSignature"`
	StateDir         string `json:"stateDir"`
}

// writeMetadata atomically writes md to path with 0600 permissions. Clients
// must never observe a partially-written metadata file, so the write goes
// through a temp-file-then-rename, matching renameio's guarantee.
func writeMetadata(path string, md Metadata) error {
	data, err := json.MarshalIndent(md, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling daemon metadata: %w", err)
	}
	if err := renameio.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing daemon metadata: %w", err)
	}
	return nil
}

// ReadMetadata reads and parses the metadata file at path.
func ReadMetadata(path string) (Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Metadata{}, err
	}
	var md Metadata
	if err := json.Unmarshal(data, &md); err != nil {
		return Metadata{}, fmt.Errorf("parsing daemon metadata: %w", err)
	}
	return md, nil
}

// removeMetadata deletes the metadata file. Best-effort, like releaseLock.
func removeMetadata(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
