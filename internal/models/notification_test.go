package models_test

import (
	"testing"

	"github.com/pulseproof/pulseproof/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotification_TransitionTo(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		from    string
		to      string
		wantErr bool
	}{
		{name: "pending to filtered", from: models.NotificationStatusPending, to: models.NotificationStatusFiltered},
		{name: "pending to delivered", from: models.NotificationStatusPending, to: models.NotificationStatusDelivered},
		{name: "pending to failed", from: models.NotificationStatusPending, to: models.NotificationStatusFailed},
		{name: "delivered is terminal", from: models.NotificationStatusDelivered, to: models.NotificationStatusPending, wantErr: true},
		{name: "failed is terminal", from: models.NotificationStatusFailed, to: models.NotificationStatusDelivered, wantErr: true},
		{name: "filtered is terminal", from: models.NotificationStatusFiltered, to: models.NotificationStatusPending, wantErr: true},
		{name: "pending cannot self transition", from: models.NotificationStatusPending, to: models.NotificationStatusPending, wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			n := &models.Notification{Status: tc.from}
			err := n.TransitionTo(tc.to)
			if tc.wantErr {
				require.ErrorIs(t, err, models.ErrInvalidStatusTransition)
				assert.Equal(t, tc.from, n.Status, "status must not change on rejected transition")
			} else {
				require.NoError(t, err)
				assert.Equal(t, tc.to, n.Status)
			}
		})
	}
}

func TestNotification_Terminal(t *testing.T) {
	t.Parallel()

	assert.False(t, (&models.Notification{Status: models.NotificationStatusPending}).Terminal())
	assert.True(t, (&models.Notification{Status: models.NotificationStatusDelivered}).Terminal())
	assert.True(t, (&models.Notification{Status: models.NotificationStatusFiltered}).Terminal())
	assert.True(t, (&models.Notification{Status: models.NotificationStatusFailed}).Terminal())
}
