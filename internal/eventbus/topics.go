package eventbus

import "strings"

// DefaultTopic receives events whose type carries no domain prefix.
const DefaultTopic = "default-events"

// DeriveTopic maps an event type to its primary topic by domain prefix:
// user.* -> user-events, order.* -> order-events, notification.* ->
// notification-events. One event maps to exactly one primary topic.
func DeriveTopic(eventType string) string {
	prefix, _, found := strings.Cut(eventType, ".")
	if !found || prefix == "" {
		return DefaultTopic
	}
	return prefix + "-events"
}
