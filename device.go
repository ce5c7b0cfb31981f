package securestore

import (
	"fmt"
	"sync"
)

// DeviceState is the lock state checked against an entry's accessibility.
type DeviceState struct {
	// Unlocked is true while the device is unlocked.
	Unlocked bool
	// UnlockedSinceBoot is true once the device has been unlocked at least
	// once since it booted.
	UnlockedSinceBoot bool
	// PasscodeSet is true when a device passcode is configured.
	PasscodeSet bool
}

// DeviceStateProvider reports the current lock state.
type DeviceStateProvider interface {
	DeviceState() DeviceState
}

type unlockedDevice struct{}

func (unlockedDevice) DeviceState() DeviceState {
	return DeviceState{Unlocked: true, UnlockedSinceBoot: true, PasscodeSet: true}
}

// UnlockedDevice is a provider for hosts without a lock screen.
var UnlockedDevice DeviceStateProvider = unlockedDevice{}

// SimulatedDevice is a mutable lock state used by tests and the CLI.
type SimulatedDevice struct {
	mu    sync.RWMutex
	state DeviceState
}

// NewSimulatedDevice returns an unlocked device with a passcode.
func NewSimulatedDevice() *SimulatedDevice {
	return &SimulatedDevice{state: UnlockedDevice.DeviceState()}
}

// ParseDeviceState builds a simulated device from unlocked, locked or booted.
// A booted device has not been unlocked since it started.
func ParseDeviceState(s string) (*SimulatedDevice, error) {
	d := NewSimulatedDevice()
	switch s {
	case "", "unlocked":
	case "locked":
		d.Lock()
	case "booted":
		d.Reboot()
	default:
		return nil, fmt.Errorf("unknown device state %q", s)
	}
	return d, nil
}

func (d *SimulatedDevice) DeviceState() DeviceState {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

// Lock locks the device. It stays "unlocked since boot".
func (d *SimulatedDevice) Lock() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state.Unlocked = false
}

// Unlock unlocks the device.
func (d *SimulatedDevice) Unlock() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state.Unlocked = true
	d.state.UnlockedSinceBoot = true
}

// Reboot restarts the device into the locked, never unlocked state.
func (d *SimulatedDevice) Reboot() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state.Unlocked = false
	d.state.UnlockedSinceBoot = false
}

// SetPasscode configures or removes the device passcode.
func (d *SimulatedDevice) SetPasscode(set bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state.PasscodeSet = set
}
