package securestore

import (
	"fmt"
)

// Accessibility describes under which device lock state a stored secret
// may be read. It is attached to an entry when it is written.
type Accessibility int

const (
	// AccessibilityUnset selects the default policy in SetOptions.
	AccessibilityUnset Accessibility = iota
	AfterFirstUnlock
	AfterFirstUnlockThisDeviceOnly
	Always
	AlwaysThisDeviceOnly
	WhenPasscodeSetThisDeviceOnly
	WhenUnlocked
	WhenUnlockedThisDeviceOnly
)

// DefaultAccessibility is applied to writes that do not carry a policy.
// Entries become readable once the device has been unlocked after boot.
const DefaultAccessibility = AfterFirstUnlock

var accessibilityTokens = map[Accessibility]string{
	AfterFirstUnlock:               "AFTER_FIRST_UNLOCK",
	AfterFirstUnlockThisDeviceOnly: "AFTER_FIRST_UNLOCK_THIS_DEVICE_ONLY",
	Always:                         "ALWAYS",
	AlwaysThisDeviceOnly:           "ALWAYS_THIS_DEVICE_ONLY",
	WhenPasscodeSetThisDeviceOnly:  "WHEN_PASSCODE_SET_THIS_DEVICE_ONLY",
	WhenUnlocked:                   "WHEN_UNLOCKED",
	WhenUnlockedThisDeviceOnly:     "WHEN_UNLOCKED_THIS_DEVICE_ONLY",
}

var nativeNames = map[Accessibility]string{
	AfterFirstUnlock:               "AccessibleAfterFirstUnlock",
	AfterFirstUnlockThisDeviceOnly: "AccessibleAfterFirstUnlockThisDeviceOnly",
	Always:                         "AccessibleAlways",
	AlwaysThisDeviceOnly:           "AccessibleAlwaysThisDeviceOnly",
	WhenPasscodeSetThisDeviceOnly:  "AccessibleWhenPasscodeSetThisDeviceOnly",
	WhenUnlocked:                   "AccessibleWhenUnlocked",
	WhenUnlockedThisDeviceOnly:     "AccessibleWhenUnlockedThisDeviceOnly",
}

// Accessibilities returns every valid policy in declaration order.
func Accessibilities() []Accessibility {
	return []Accessibility{
		AfterFirstUnlock,
		AfterFirstUnlockThisDeviceOnly,
		Always,
		AlwaysThisDeviceOnly,
		WhenPasscodeSetThisDeviceOnly,
		WhenUnlocked,
		WhenUnlockedThisDeviceOnly,
	}
}

// ParseAccessibility accepts either the token form (WHEN_UNLOCKED) or the
// native name form (AccessibleWhenUnlocked).
func ParseAccessibility(s string) (Accessibility, error) {
	for a, token := range accessibilityTokens {
		if s == token || s == nativeNames[a] {
			return a, nil
		}
	}
	return AccessibilityUnset, fmt.Errorf("%w: unknown accessibility %q", ErrUnsupportedPolicy, s)
}

// IsValid reports whether a is one of the enumerated policies.
func (a Accessibility) IsValid() bool {
	_, ok := accessibilityTokens[a]
	return ok
}

func (a Accessibility) String() string {
	if token, ok := accessibilityTokens[a]; ok {
		return token
	}
	return fmt.Sprintf("Accessibility(%d)", int(a))
}

// NativeName returns the platform availability class name.
func (a Accessibility) NativeName() string {
	return nativeNames[a]
}

// ThisDeviceOnly reports whether entries with this policy must never
// leave the device they were written on.
func (a Accessibility) ThisDeviceOnly() bool {
	switch a {
	case AfterFirstUnlockThisDeviceOnly, AlwaysThisDeviceOnly,
		WhenPasscodeSetThisDeviceOnly, WhenUnlockedThisDeviceOnly:
		return true
	}
	return false
}

// Readable reports whether an entry written with a can be read in state s.
func (a Accessibility) Readable(s DeviceState) bool {
	switch a {
	case Always, AlwaysThisDeviceOnly:
		return true
	case AfterFirstUnlock, AfterFirstUnlockThisDeviceOnly:
		return s.Unlocked || s.UnlockedSinceBoot
	case WhenUnlocked, WhenUnlockedThisDeviceOnly:
		return s.Unlocked
	case WhenPasscodeSetThisDeviceOnly:
		return s.Unlocked && s.PasscodeSet
	}
	return false
}

// Writable reports whether an entry with policy a can be created in state s.
// Only WhenPasscodeSetThisDeviceOnly restricts writes.
func (a Accessibility) Writable(s DeviceState) bool {
	if a == WhenPasscodeSetThisDeviceOnly {
		return s.PasscodeSet
	}
	return a.IsValid()
}

func (a Accessibility) MarshalText() ([]byte, error) {
	if !a.IsValid() {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedPolicy, int(a))
	}
	return []byte(a.String()), nil
}

func (a *Accessibility) UnmarshalText(text []byte) error {
	parsed, err := ParseAccessibility(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// CheckReadable returns ErrAccessDenied when a is not readable in the
// state reported by dev. Backends emulating the platform check use it.
func CheckReadable(a Accessibility, dev DeviceStateProvider) error {
	if dev == nil {
		return nil
	}
	if !a.Readable(dev.DeviceState()) {
		return fmt.Errorf("%w: %s", ErrAccessDenied, a)
	}
	return nil
}

// CheckWritable returns ErrAccessDenied when a cannot be written in the
// state reported by dev.
func CheckWritable(a Accessibility, dev DeviceStateProvider) error {
	if !a.IsValid() {
		return fmt.Errorf("%w: %s", ErrUnsupportedPolicy, a)
	}
	if dev == nil {
		return nil
	}
	if !a.Writable(dev.DeviceState()) {
		return fmt.Errorf("%w: %s requires a device passcode", ErrAccessDenied, a)
	}
	return nil
}
