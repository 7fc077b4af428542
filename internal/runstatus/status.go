package runstatus

import "strings"

// Display labels for the realtime connection.
const (
	Connecting   = "Connecting"
	Connected    = "Connected"
	Unavailable  = "Unavailable"
	Disconnected = "Disconnected"
)

const (
	KeyConnecting   = "connecting"
	KeyConnected    = "connected"
	KeyUnavailable  = "unavailable"
	KeyDisconnected = "disconnected"
)

func Key(status string) string {
	return strings.ToLower(strings.TrimSpace(status))
}

// Label maps a status key back to its display label. Unknown keys are
// returned unchanged.
func Label(status string) string {
	switch Key(status) {
	case KeyConnecting:
		return Connecting
	case KeyConnected:
		return Connected
	case KeyUnavailable:
		return Unavailable
	case KeyDisconnected:
		return Disconnected
	default:
		return status
	}
}
