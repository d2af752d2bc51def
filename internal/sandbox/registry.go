package sandbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/neoclaw-ai/clawbox/internal/store"
)

// ContainerInfo describes one sandbox container known to clawbox.
type ContainerInfo struct {
	Name         string    `json:"name"`
	Key          string    `json:"key"`
	Image        string    `json:"image"`
	WorkspaceDir string    `json:"workspace_dir"`
	CreatedAt    time.Time `json:"created_at"`
	LastUsedAt   time.Time `json:"last_used_at"`
}

type registryFile struct {
	Entries []ContainerInfo `json:"entries"`
}

// Registry persists the containers this host has launched so separate
// clawbox processes can list and prune them.
type Registry struct {
	path string
}

// NewRegistry creates a registry backed by a JSON file.
func NewRegistry(path string) *Registry {
	return &Registry{path: path}
}

// List returns all entries sorted by name. A missing file is an empty registry.
func (r *Registry) List() ([]ContainerInfo, error) {
	raw, err := store.ReadFile(r.path)
	if errors.Is(err, os.ErrNotExist) {
		return []ContainerInfo{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read sandbox registry: %w", err)
	}
	data, err := decodeRegistry(raw)
	if err != nil {
		return nil, err
	}
	return data.Entries, nil
}

// Upsert inserts or replaces the entry with the same name.
func (r *Registry) Upsert(entry ContainerInfo) error {
	return r.update(func(data *registryFile) {
		for i := range data.Entries {
			if data.Entries[i].Name == entry.Name {
				data.Entries[i] = entry
				return
			}
		}
		data.Entries = append(data.Entries, entry)
	})
}

// Touch records a use of the named container.
func (r *Registry) Touch(name string, at time.Time) error {
	return r.update(func(data *registryFile) {
		for i := range data.Entries {
			if data.Entries[i].Name == name {
				data.Entries[i].LastUsedAt = at
				return
			}
		}
	})
}

// Remove deletes the named entry if present.
func (r *Registry) Remove(name string) error {
	return r.update(func(data *registryFile) {
		data.Entries = slices.DeleteFunc(data.Entries, func(e ContainerInfo) bool {
			return e.Name == name
		})
	})
}

func (r *Registry) update(mutate func(*registryFile)) error {
	err := store.UpdateFile(r.path, func(current []byte) ([]byte, error) {
		data, err := decodeRegistry(current)
		if err != nil {
			return nil, err
		}
		mutate(&data)
		slices.SortFunc(data.Entries, func(a, b ContainerInfo) int {
			return strings.Compare(a.Name, b.Name)
		})

		encoded, err := json.MarshalIndent(data, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("encode sandbox registry: %w", err)
		}
		return append(encoded, '\n'), nil
	})
	if err != nil {
		return fmt.Errorf("update sandbox registry: %w", err)
	}
	return nil
}

func decodeRegistry(raw []byte) (registryFile, error) {
	data := registryFile{Entries: []ContainerInfo{}}
	if len(strings.TrimSpace(string(raw))) == 0 {
		return data, nil
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return registryFile{}, fmt.Errorf("decode sandbox registry: %w", err)
	}
	if data.Entries == nil {
		data.Entries = []ContainerInfo{}
	}
	return data, nil
}
