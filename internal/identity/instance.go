// Package identity persists the console's instance id. The id is minted on
// first run and stored under the data directory; it rides every gateway
// dial as a header so gateway logs can tell console instances apart across
// restarts.
package identity

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const (
	// InstanceFileName is the file under the data dir holding the id.
	InstanceFileName = "instance.id"

	// HeaderName is the dial header carrying the instance id.
	HeaderName = "X-Console-Instance"
)

// Instance is the persisted console identity.
type Instance struct {
	ID string
}

// GetOrCreate loads the instance id from the data directory, minting and
// persisting a new one on first run.
func GetOrCreate(dataDir string) (*Instance, error) {
	path := filepath.Join(dataDir, InstanceFileName)

	content, err := os.ReadFile(path)
	switch {
	case err == nil:
		raw := strings.TrimSpace(string(content))
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("instance id file %s is corrupt: %w", path, err)
		}
		return &Instance{ID: id.String()}, nil

	case os.IsNotExist(err):
		id := uuid.NewString()
		if err := os.MkdirAll(dataDir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		if err := os.WriteFile(path, []byte(id+"\n"), 0600); err != nil {
			return nil, fmt.Errorf("failed to write instance id file: %w", err)
		}
		return &Instance{ID: id}, nil

	default:
		return nil, fmt.Errorf("failed to read instance id file: %w", err)
	}
}

// Short returns the first id block for compact log fields.
func (i *Instance) Short() string {
	if idx := strings.IndexByte(i.ID, '-'); idx > 0 {
		return i.ID[:idx]
	}
	return i.ID
}
