package channels

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func notificationsEnv(t *testing.T) (*testEnv, *NotificationsHandler) {
	var handler *NotificationsHandler
	env := newTestEnv(t, func(b Broker) Handler {
		handler = NewNotificationsHandler(b, NewMemoryNotificationStore(), zerolog.Nop())
		return handler
	})
	return env, handler
}

func TestNotificationLifecycle(t *testing.T) {
	env, handler := notificationsEnv(t)
	id, tr := env.login(t, "tok-7")
	ctx := context.Background()

	d, err := handler.Publish(ctx, Notification{UserID: "7", Title: "Lab results ready", Category: "results"})
	require.NoError(t, err)
	assert.Equal(t, 1, d.Delivered)
	n := tr.last(t, "notification")["notification"].(map[string]any)
	nid := n["id"].(string)
	require.NotEmpty(t, nid)

	_, err = handler.Publish(ctx, Notification{UserID: "7", Title: "Reminder"})
	require.NoError(t, err)

	env.send(id, frame{"type": "mark_read", "notification_id": nid})
	assert.Equal(t, nid, tr.last(t, "notification_read")["notification_id"])

	env.send(id, frame{"type": "get_history", "unread_only": true})
	unread := tr.last(t, "notification_history")["notifications"].([]any)
	require.Len(t, unread, 1)
	assert.Equal(t, "Reminder", unread[0].(map[string]any)["title"])

	env.send(id, frame{"type": "acknowledge", "notification_id": nid})
	assert.Equal(t, nid, tr.last(t, "notification_acknowledged")["notification_id"])

	env.send(id, frame{"type": "dismiss", "notification_id": nid})
	tr.last(t, "notification_dismissed")

	env.send(id, frame{"type": "get_history"})
	all := tr.last(t, "notification_history")["notifications"].([]any)
	require.Len(t, all, 1)
	assert.Equal(t, "general", all[0].(map[string]any)["category"])
}

func TestNotificationPreferencesSuppressDelivery(t *testing.T) {
	env, handler := notificationsEnv(t)
	id, tr := env.login(t, "tok-7")
	ctx := context.Background()

	env.send(id, frame{"type": "update_preferences", "preferences": map[string]bool{"marketing": false}})
	prefs := tr.last(t, "preferences_updated")["preferences"].(map[string]any)
	assert.Equal(t, false, prefs["marketing"])

	d, err := handler.Publish(ctx, Notification{UserID: "7", Title: "Sale", Category: "marketing"})
	require.NoError(t, err)
	assert.Zero(t, d.Targets)
	assert.Empty(t, tr.ofType("notification"))

	// suppressed notifications are still in history
	env.send(id, frame{"type": "get_history"})
	assert.Len(t, tr.last(t, "notification_history")["notifications"].([]any), 1)
}

func TestNotificationNotFound(t *testing.T) {
	env, _ := notificationsEnv(t)
	id, tr := env.login(t, "tok-7")

	env.send(id, frame{"type": "acknowledge", "notification_id": "nope"})

	assert.Equal(t, "NOT_FOUND", tr.last(t, "error")["code"])
}
