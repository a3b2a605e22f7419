package system

import (
	"os"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"
)

// ErrDeviceNotFound is returned when an id is not part of the inventory.
var ErrDeviceNotFound = errors.New("device not found")

// DeviceSource hands out device snapshots by id.
type DeviceSource interface {
	Lookup(id string) (Device, error)
	List() []Device
}

// Inventory is a DeviceSource backed by the file an enumeration tool
// writes. YAML and JSON are both accepted.
type Inventory struct {
	mu      sync.RWMutex
	devices map[string]Device
}

type inventoryFile struct {
	Devices []Device `yaml:"devices"`
}

// NewInventory builds an inventory from devices. Duplicate ids are an error.
func NewInventory(devices []Device) (*Inventory, error) {
	inv := &Inventory{devices: make(map[string]Device, len(devices))}
	for _, d := range devices {
		if d.ID == "" {
			return nil, errors.Newf("device with path %q has no id", d.Path)
		}
		if _, dup := inv.devices[d.ID]; dup {
			return nil, errors.Newf("duplicate device id %q", d.ID)
		}
		if d.MediaClass == "" {
			d.MediaClass = MediaUnknown
		}
		inv.devices[d.ID] = d
	}
	return inv, nil
}

// LoadInventory reads an inventory file. Both `devices: [...]` and a bare
// list are understood.
func LoadInventory(path string) (*Inventory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read inventory %s", path)
	}

	var wrapped inventoryFile
	if err := yaml.Unmarshal(data, &wrapped); err == nil && len(wrapped.Devices) > 0 {
		return NewInventory(wrapped.Devices)
	}

	var bare []Device
	if err := yaml.Unmarshal(data, &bare); err != nil {
		return nil, errors.Wrapf(err, "failed to parse inventory %s", path)
	}
	return NewInventory(bare)
}

// Lookup returns a copy of the device snapshot.
func (inv *Inventory) Lookup(id string) (Device, error) {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	d, ok := inv.devices[id]
	if !ok {
		return Device{}, errors.Wrapf(ErrDeviceNotFound, "id %q", id)
	}
	return d, nil
}

// List returns devices sorted by id.
func (inv *Inventory) List() []Device {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	out := make([]Device, 0, len(inv.devices))
	for _, d := range inv.devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
