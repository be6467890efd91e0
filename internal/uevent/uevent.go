// Package uevent observes USB device hotplug activity: it reads kernel
// uevent messages from a netlink socket, enriches them with device
// attributes read from sysfs, and feeds the resulting device events into
// the policy engine. It also enumerates devices already present at startup.
package uevent

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/solatis/usbwarden/internal/types"
)

// udev-processed messages carry this magic prefix. We subscribe to the
// kernel group only, so such a message means something else is injecting
// traffic on the socket; it is rejected rather than misparsed.
var libudevMagic = []byte("libudev\x00")

// UEvent is one decoded kernel uevent message.
type UEvent struct {
	Action  string
	DevPath string
	Env     map[string]string
}

// ParseUEvent decodes a raw kernel uevent message. The wire format is
// "action@devpath" followed by NUL-separated KEY=VALUE pairs.
func ParseUEvent(msg []byte) (*UEvent, error) {
	if len(msg) == 0 {
		return nil, fmt.Errorf("empty uevent message")
	}
	if bytes.HasPrefix(msg, libudevMagic) {
		return nil, fmt.Errorf("rejecting udev-processed message on kernel socket")
	}

	fields := bytes.Split(msg, []byte{0x00})
	header := string(fields[0])

	action, devPath, ok := strings.Cut(header, "@")
	if !ok || action == "" || devPath == "" {
		return nil, fmt.Errorf("malformed uevent header %q", header)
	}

	ev := &UEvent{
		Action:  action,
		DevPath: devPath,
		Env:     make(map[string]string, len(fields)-1),
	}
	for _, field := range fields[1:] {
		if len(field) == 0 {
			continue
		}
		key, value, ok := strings.Cut(string(field), "=")
		if !ok {
			return nil, fmt.Errorf("malformed uevent field %q", field)
		}
		ev.Env[key] = value
	}
	return ev, nil
}

// IsUSBDevice reports whether the event concerns a whole USB device, as
// opposed to one of its interfaces or an unrelated subsystem.
func (u *UEvent) IsUSBDevice() bool {
	return u.Env["SUBSYSTEM"] == "usb" && u.Env["DEVTYPE"] == "usb_device"
}

// EventType maps the uevent action onto the engine's event taxonomy.
// "bind" and "change" arrive after interface drivers probe and are treated
// as attribute updates. Unrecognized actions report ok false and are
// skipped.
func (u *UEvent) EventType() (types.EventType, bool) {
	switch u.Action {
	case "add":
		return types.EventInsert, true
	case "bind", "change":
		return types.EventUpdate, true
	case "remove":
		return types.EventRemove, true
	default:
		return 0, false
	}
}
