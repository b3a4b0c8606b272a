package device

import "slices"

// SortDevices orders devices by DeviceID, giving callers of StateStore.Devices a
// stable, deterministic ordering (left shin, left thigh, right shin, right
// thigh) regardless of discovery order.
func SortDevices(devices []Device) {
	slices.SortFunc(devices, func(a, b Device) int {
		return int(a.DeviceID) - int(b.DeviceID)
	})
}
