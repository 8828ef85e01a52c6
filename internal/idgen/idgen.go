package idgen

import (
	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

const (
	eventPrefix        = "evt_"
	notificationPrefix = "not_"
	connectionPrefix   = "conn_"
	replayPrefix       = "rpl_"

	nanoidSize = 21
)

func newID(prefix string) string {
	id, err := gonanoid.New(nanoidSize)
	if err != nil {
		// crypto/rand failure; fall back to UUID v4
		return prefix + uuid.New().String()
	}
	return prefix + id
}

// Event generates an ID for a canonical event.
func Event() string { return newID(eventPrefix) }

// Notification generates an ID for a materialized notification.
func Notification() string { return newID(notificationPrefix) }

// Connection generates an ID for a broker connection.
func Connection() string { return newID(connectionPrefix) }

// Replay generates an ID for a replay run.
func Replay() string { return newID(replayPrefix) }

// String generates an unprefixed random ID for tests and correlation keys.
func String() string { return uuid.New().String() }
