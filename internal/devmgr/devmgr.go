// Package devmgr applies authorization targets to USB devices through the
// kernel's sysfs interface.
//
// The kernel exposes per-device authorization as attribute files under the
// device's sysfs directory: writing "1" or "0" to "authorized" enables or
// disables the device, and writing "1" to "remove" logically disconnects it.
// Reject is deauthorize followed by disconnect, so a rejected device cannot
// be re-authorized without physical reinsertion.
package devmgr

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/solatis/usbwarden/internal/types"
)

const (
	attrAuthorized = "authorized"
	attrRemove     = "remove"
)

// Sysfs applies targets by writing kernel attribute files. Root is the
// sysfs mount point, normally "/sys"; tests point it at a temp directory.
type Sysfs struct {
	root string
	log  *slog.Logger
}

// NewSysfs creates a sysfs-backed device manager. An empty root means "/".
// Device sys paths handed to ApplyTarget are absolute within that root
// (e.g. "/sys/bus/usb/devices/1-2" under root "/").
func NewSysfs(root string, log *slog.Logger) *Sysfs {
	if root == "" {
		root = "/"
	}
	return &Sysfs{root: root, log: log}
}

// ApplyTarget writes the kernel attributes that realize target for the
// device at sysPath. Only policy targets are valid.
func (s *Sysfs) ApplyTarget(ctx context.Context, sysPath string, target types.Target) error {
	switch target {
	case types.TargetAllow:
		return s.writeAttr(ctx, sysPath, attrAuthorized, "1")
	case types.TargetBlock:
		return s.writeAttr(ctx, sysPath, attrAuthorized, "0")
	case types.TargetReject:
		if err := s.writeAttr(ctx, sysPath, attrAuthorized, "0"); err != nil {
			return err
		}
		return s.writeAttr(ctx, sysPath, attrRemove, "1")
	default:
		return fmt.Errorf("%w: cannot enforce %s", types.ErrInvalidTarget, target)
	}
}

func (s *Sysfs) writeAttr(ctx context.Context, sysPath, attr, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	path := filepath.Join(s.root, sysPath, attr)
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", types.ErrEnforcementFailure, path, err)
	}
	defer f.Close()

	if _, err := f.WriteString(value); err != nil {
		return fmt.Errorf("%w: write %s: %v", types.ErrEnforcementFailure, path, err)
	}
	s.log.Debug("applied device attribute", "path", path, "value", value)
	return nil
}

// Noop logs intended targets without touching the kernel. Used in audit-only
// mode, where the daemon observes and records but never enforces.
type Noop struct {
	log *slog.Logger
}

func NewNoop(log *slog.Logger) *Noop {
	return &Noop{log: log}
}

func (n *Noop) ApplyTarget(ctx context.Context, sysPath string, target types.Target) error {
	n.log.Info("audit-only mode, target not enforced",
		"syspath", sysPath, "target", target.String())
	return nil
}
