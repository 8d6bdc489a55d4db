// Package phc reads the PHC error bound that the ENA driver exposes through
// sysfs for a network interface's PTP hardware clock.
package phc

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// RefIDFromString converts a four-character ASCII reference identity, as
// reported by the synchronization daemon (e.g. "PHC0"), to its numeric form.
func RefIDFromString(refID string) (uint32, error) {
	if len(refID) == 0 || len(refID) > 4 {
		return 0, fmt.Errorf("reference ID %q must be 1 to 4 ASCII characters", refID)
	}
	var id uint32
	for i := 0; i < len(refID); i++ {
		c := refID[i]
		if c >= 0x80 {
			return 0, fmt.Errorf("reference ID %q must be 1 to 4 ASCII characters", refID)
		}
		id = id<<8 | uint32(c)
	}
	return id, nil
}

// PCISlotName extracts the PCI_SLOT_NAME entry from a device uevent file.
func PCISlotName(ueventPath string) (string, error) {
	contents, err := os.ReadFile(ueventPath)
	if err != nil {
		return "", fmt.Errorf("failed to read uevent file %s: %w", ueventPath, err)
	}
	for _, line := range strings.Split(string(contents), "\n") {
		if name, ok := strings.CutPrefix(line, "PCI_SLOT_NAME="); ok {
			return name, nil
		}
	}
	return "", fmt.Errorf("no PCI_SLOT_NAME in uevent file %s", ueventPath)
}

// ErrorBoundSysfsPath locates the phc_error_bound sysfs file for the PCI
// device backing the given network interface.
func ErrorBoundSysfsPath(iface string) (string, error) {
	slot, err := PCISlotName(fmt.Sprintf("/sys/class/net/%s/device/uevent", iface))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("/sys/bus/pci/devices/%s/phc_error_bound", slot), nil
}

// An ErrorBoundReader reads the additive PHC error bound term, gated on the
// synchronization daemon actually using the PHC as its reference.
type ErrorBoundReader struct {
	path  string
	refID uint32
}

func NewErrorBoundReader(path string, refID uint32) *ErrorBoundReader {
	return &ErrorBoundReader{path: path, refID: refID}
}

// RefID returns the reference identity the PHC is known under in the
// synchronization daemon.
func (r *ErrorBoundReader) RefID() uint32 {
	return r.refID
}

// ReadErrorBound returns the current PHC error bound in nanoseconds.
func (r *ErrorBoundReader) ReadErrorBound() (int64, error) {
	contents, err := os.ReadFile(r.path)
	if err != nil {
		return 0, err
	}
	bound, err := strconv.ParseInt(strings.TrimSpace(string(contents)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse PHC error bound: %w", err)
	}
	return bound, nil
}
