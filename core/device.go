package core

import (
	"context"
	"errors"
	"fmt"

	"pkt.systems/notebookx/internal/i18n"
	"pkt.systems/notebookx/internal/logx"
	"pkt.systems/notebookx/schema"
)

// ComputeDevice returns the device recorded for the notebook.
func (n *Notebook) ComputeDevice() schema.ComputeDevice {
	n.deviceMu.Lock()
	defer n.deviceMu.Unlock()
	return n.device
}

// ChangeComputeDevice records a new compute device. It reports whether the device changed.
// A running session keeps its device until it is restarted.
func (n *Notebook) ChangeComputeDevice(ctx context.Context, value string) (bool, error) {
	device, err := schema.NormalizeComputeDevice(value)
	if err != nil {
		n.notice(schema.NoticeError, n.msg.T(i18n.DeviceInvalid))
		return false, fmt.Errorf("compute device %q: %w", value, err)
	}
	if n.devices == nil {
		n.notice(schema.NoticeError, n.msg.T(i18n.DeviceUnavailable))
		return false, fmt.Errorf("compute device: %w", schema.ErrEndpointMissing)
	}
	n.Touch()

	n.deviceMu.Lock()
	defer n.deviceMu.Unlock()
	if device == n.device {
		return false, nil
	}
	log := logx.WithNotebook(n.base, n.cfg.NotebookID)
	if err := n.devices.SetComputeDevice(ctx, n.cfg.NotebookID, device); err != nil {
		log.Warn("compute device update failed", "device", device, "err", err)
		message := n.msg.T(i18n.DeviceUpdateFail)
		if errors.Is(err, schema.ErrEndpointMissing) {
			message = n.msg.T(i18n.DeviceUnavailable)
		} else if detail := userMessage(err, ""); detail != "" {
			message += ": " + detail
		}
		n.notice(schema.NoticeError, message)
		return false, err
	}
	log.Info("compute device updated", "from", n.device, "to", device)
	n.device = device
	if n.session.Snapshot().State == schema.SessionReady {
		n.notice(schema.NoticeInfo, n.msg.T(i18n.DeviceAfterRestart))
	}
	return true, nil
}
