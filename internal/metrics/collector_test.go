package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Hara602/usbShare/internal/action"
	"github.com/Hara602/usbShare/internal/model"
)

func TestCollector_ObserveAction(t *testing.T) {
	t.Parallel()

	c := NewCollector()
	c.ObserveAction(action.Result{Action: model.RemountShare, Outcome: model.Succeeded, Duration: time.Second})
	c.ObserveAction(action.Result{Action: model.RemountShare, Outcome: model.ActionFailed})
	c.ObserveAction(action.Result{Action: model.RemountShare, Outcome: model.ActionFailed})

	assert.InDelta(t, 1, testutil.ToFloat64(c.actions.WithLabelValues("remount_share", "succeeded")), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(c.actions.WithLabelValues("remount_share", "failed")), 0)
	assert.Equal(t, 1, testutil.CollectAndCount(c.actionDuration))
}

func TestCollector_Gauges(t *testing.T) {
	t.Parallel()

	c := NewCollector()

	c.SetExposure(model.Exposed)
	c.SetDirty(true)
	assert.InDelta(t, 1, testutil.ToFloat64(c.exposed), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(c.dirty), 0)

	c.SetExposure(model.Withdrawn)
	c.SetDirty(false)
	assert.InDelta(t, 0, testutil.ToFloat64(c.exposed), 0)
	assert.InDelta(t, 0, testutil.ToFloat64(c.dirty), 0)

	c.CycleCompleted()
	c.RefreshAttempted()
	c.RefreshAttempted()
	assert.InDelta(t, 1, testutil.ToFloat64(c.cycles), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(c.refreshes), 0)
}

func TestCollector_ObserveNotification(t *testing.T) {
	t.Parallel()

	c := NewCollector()
	c.ObserveNotification(model.Notification{Kind: model.KindDeleted, IsDir: true}, true)
	c.ObserveNotification(model.Notification{Kind: model.KindCreated}, false)

	assert.InDelta(t, 1, testutil.ToFloat64(c.notifications.WithLabelValues("dir-deleted", "true")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(c.notifications.WithLabelValues("file-created", "false")), 0)
}

func TestCollector_Serve(t *testing.T) {
	t.Parallel()

	t.Run("stops_on_cancel", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- NewCollector().Serve(ctx, "127.0.0.1:0") }()

		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("Serve did not return after cancel")
		}
	})

	t.Run("bad_address", func(t *testing.T) {
		t.Parallel()

		err := NewCollector().Serve(context.Background(), "256.0.0.1:-1")

		require.Error(t, err)
	})
}
