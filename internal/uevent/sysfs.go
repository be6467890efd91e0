// internal/uevent/sysfs.go
package uevent

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/solatis/usbwarden/internal/types"
)

/*
 * Sysfs attribute reader.
 *
 * The kernel uevent message only names the device; everything the rule
 * language can match on (vendor:product, serial, interface types, connect
 * type) lives in attribute files under the device's sysfs directory. Reads
 * are racy against removal: a device can vanish between the uevent and the
 * read, which surfaces as an error the caller reports and moves past.
 */

const usbDevicesDir = "/sys/bus/usb/devices"

// SysfsReader reads USB device attributes from a sysfs tree. Root is the
// filesystem root, normally "/"; tests point it at a temp directory.
type SysfsReader struct {
	root string
}

func NewSysfsReader(root string) *SysfsReader {
	if root == "" {
		root = "/"
	}
	return &SysfsReader{root: root}
}

// ReadAttributes reads the full attribute set for the USB device whose
// sysfs directory is at sysPath (absolute within the reader's root).
func (r *SysfsReader) ReadAttributes(sysPath string) (types.DeviceAttributes, error) {
	dir := filepath.Join(r.root, sysPath)

	vendor, err := r.requiredAttr(dir, "idVendor")
	if err != nil {
		return types.DeviceAttributes{}, err
	}
	product, err := r.requiredAttr(dir, "idProduct")
	if err != nil {
		return types.DeviceAttributes{}, err
	}

	attrs := types.DeviceAttributes{
		VendorID:    vendor,
		ProductID:   product,
		Serial:      r.optionalAttr(dir, "serial"),
		Name:        r.optionalAttr(dir, "product"),
		Port:        filepath.Base(sysPath),
		ConnectType: connectType(r.optionalAttr(dir, "removable")),
	}

	for _, field := range []string{attrs.Serial, attrs.Name} {
		if len(field) > types.MaxAttributeLength {
			return types.DeviceAttributes{}, fmt.Errorf(
				"%w: sysfs attribute exceeds %d bytes", types.ErrAttributeTooLong, types.MaxAttributeLength)
		}
	}

	interfaces, err := r.readInterfaces(dir)
	if err != nil {
		return types.DeviceAttributes{}, err
	}
	attrs.Interfaces = interfaces
	attrs.Hash = identityHash(attrs)
	return attrs, nil
}

// Scan enumerates USB devices already present in the sysfs tree and
// returns an insert event per device, ordered by port so parent hubs
// precede the devices behind them.
func (r *SysfsReader) Scan() ([]types.DeviceEvent, error) {
	entries, err := os.ReadDir(filepath.Join(r.root, usbDevicesDir))
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate usb devices: %w", err)
	}

	var events []types.DeviceEvent
	for _, entry := range entries {
		// Interface entries contain ':' ("1-2:1.0"); devices do not.
		if strings.ContainsRune(entry.Name(), ':') {
			continue
		}
		sysPath, err := r.resolveDevice(entry.Name())
		if err != nil {
			continue
		}

		attrs, err := r.ReadAttributes(sysPath)
		if err != nil {
			// Not a device dir (no idVendor) or it vanished mid-scan.
			continue
		}
		events = append(events, types.DeviceEvent{
			Type:       types.EventInsert,
			SysPath:    sysPath,
			Attributes: attrs,
		})
	}

	sort.Slice(events, func(i, j int) bool {
		return events[i].Attributes.Port < events[j].Attributes.Port
	})
	return events, nil
}

// resolveDevice turns a /sys/bus/usb/devices entry (a symlink into the
// device hierarchy) into the canonical sys path used as the device key.
func (r *SysfsReader) resolveDevice(name string) (string, error) {
	link := filepath.Join(r.root, usbDevicesDir, name)
	resolved, err := filepath.EvalSymlinks(link)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(r.root, resolved)
	if err != nil {
		return "", err
	}
	return "/" + filepath.ToSlash(rel), nil
}

// readInterfaces collects the interface type triples from the device's
// interface subdirectories (named "<device>:<config>.<interface>").
func (r *SysfsReader) readInterfaces(dir string) ([]types.InterfaceType, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read device directory: %w", err)
	}

	base := filepath.Base(dir)
	var out []types.InterfaceType
	for _, entry := range entries {
		if !strings.HasPrefix(entry.Name(), base+":") {
			continue
		}
		ifaceDir := filepath.Join(dir, entry.Name())

		class, err := r.hexAttr(ifaceDir, "bInterfaceClass")
		if err != nil {
			continue
		}
		subClass, err := r.hexAttr(ifaceDir, "bInterfaceSubClass")
		if err != nil {
			continue
		}
		protocol, err := r.hexAttr(ifaceDir, "bInterfaceProtocol")
		if err != nil {
			continue
		}

		if len(out) == types.MaxInterfacesPerDevice {
			return nil, fmt.Errorf("device exposes more than %d interfaces",
				types.MaxInterfacesPerDevice)
		}
		out = append(out, types.InterfaceType{
			Class:       class,
			SubClass:    subClass,
			Protocol:    protocol,
			HasSubClass: true,
			HasProtocol: true,
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}

func (r *SysfsReader) requiredAttr(dir, name string) (string, error) {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return "", fmt.Errorf("failed to read device attribute %s: %w", name, err)
	}
	return strings.TrimSpace(string(data)), nil
}

func (r *SysfsReader) optionalAttr(dir, name string) string {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func (r *SysfsReader) hexAttr(dir, name string) (uint8, error) {
	raw, err := r.requiredAttr(dir, name)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(raw, 16, 8)
	if err != nil {
		return 0, fmt.Errorf("failed to parse device attribute %s=%q: %w", name, raw, err)
	}
	return uint8(v), nil
}

// connectType maps the kernel's "removable" attribute onto the rule
// language's connect type vocabulary.
func connectType(removable string) string {
	switch removable {
	case "removable":
		return "hotplug"
	case "fixed":
		return "hardwired"
	case "":
		return ""
	default:
		return "unknown"
	}
}

// identityHash is a stable digest over the device's identifying attributes.
// It deliberately excludes the port, so the same device hashes identically
// wherever it is plugged in.
func identityHash(a types.DeviceAttributes) string {
	h := sha256.New()
	for _, field := range []string{a.VendorID, a.ProductID, a.Serial, a.Name} {
		h.Write([]byte(field))
		h.Write([]byte{0x00})
	}
	for _, iface := range a.Interfaces {
		h.Write([]byte(iface.String()))
		h.Write([]byte{0x00})
	}
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}
