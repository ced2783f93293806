// Package device applies authorized commands to the physical devices of a
// room.
package device

import "context"

// Actuator drives a device to a value. It is only called for commands the
// ledger recorded as authorized.
type Actuator interface {
	Apply(ctx context.Context, room, device string, value uint8) error
}
