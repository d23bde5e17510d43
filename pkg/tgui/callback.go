package tgui

import (
	"strings"
)

// Data formats inline callback data as "component:action:payload".
// Payload is kept as-is (no escaping).
func Data(component, action, payload string) string {
	component = strings.TrimSpace(component)
	action = strings.TrimSpace(action)
	if payload == "" {
		return component + ":" + action
	}
	return component + ":" + action + ":" + payload
}

// Split parses "component:action:payload" callback data.
// The payload part may itself contain colons.
func Split(data string) (component, action, payload string) {
	parts := strings.SplitN(strings.TrimSpace(data), ":", 3)
	switch len(parts) {
	case 3:
		return parts[0], parts[1], parts[2]
	case 2:
		return parts[0], parts[1], ""
	case 1:
		return parts[0], "", ""
	default:
		return "", "", ""
	}
}
