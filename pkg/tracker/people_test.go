package tracker

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/guido-cesarano/eventq/pkg/events"
)

func TestPeopleOperations(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	tr := setupTestTracker(t, WithClock(mock), WithDistinctID("user-7"))
	p := tr.People()

	require.NoError(t, p.Set(events.Object{"$name": "Ada"}))
	require.NoError(t, p.SetOnce(events.Object{"first_seen": "today"}))
	require.NoError(t, p.Unset("nickname", "age"))
	require.NoError(t, p.Increment(events.Object{"coins": 5, "gems": 1.5}))
	require.NoError(t, p.Append(events.Object{"items": "sword"}))
	require.NoError(t, p.Union(events.Object{"tags": []string{"a", "b"}}))
	require.NoError(t, p.Delete())

	objs := queued(t, tr, events.QueueEngage)
	require.Len(t, objs, 7)

	for _, obj := range objs {
		require.Equal(t, testToken, obj["$token"])
		require.Equal(t, "user-7", obj["$distinct_id"])
		require.EqualValues(t, mock.Now().Unix(), obj["$time"])
	}

	set := objs[0]["$set"].(map[string]any)
	require.Equal(t, "Ada", set["$name"])
	require.Equal(t, Version, set["$go_lib_version"])

	require.Contains(t, objs[1], "$set_once")
	require.Equal(t, []any{"nickname", "age"}, objs[2]["$unset"])
	require.EqualValues(t, 5, objs[3]["$add"].(map[string]any)["coins"])
	require.Equal(t, "sword", objs[4]["$append"].(map[string]any)["items"])
	require.Equal(t, []any{"a", "b"}, objs[5]["$union"].(map[string]any)["tags"])
	require.Equal(t, "", objs[6]["$delete"])
}

func TestPeopleSetMergesSuperProperties(t *testing.T) {
	tr := setupTestTracker(t)
	require.NoError(t, tr.Register(events.Object{"plan": "free", "$name": "super"}))

	require.NoError(t, tr.People().Set(events.Object{"$name": "Ada"}))
	require.NoError(t, tr.People().Append(events.Object{"items": "shield"}))

	objs := queued(t, tr, events.QueueEngage)
	set := objs[0]["$set"].(map[string]any)
	require.Equal(t, "Ada", set["$name"])
	require.Equal(t, "free", set["plan"])

	require.NotContains(t, objs[1]["$append"].(map[string]any), "plan")
}

func TestPeopleInvalidValues(t *testing.T) {
	tr := setupTestTracker(t)
	p := tr.People()

	require.ErrorIs(t, p.Set(nil), ErrInvalidValue)
	require.ErrorIs(t, p.SetOnce(nil), ErrInvalidValue)
	require.ErrorIs(t, p.Unset(), ErrInvalidValue)
	require.ErrorIs(t, p.Increment(events.Object{"coins": "five"}), ErrInvalidValue)
	require.ErrorIs(t, p.Append(nil), ErrInvalidValue)
	require.ErrorIs(t, p.Union(events.Object{"tags": "a"}), ErrInvalidValue)

	require.Empty(t, queued(t, tr, events.QueueEngage))
}

func TestTrackCharge(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.Date(2024, 5, 1, 12, 30, 15, 0, time.UTC))
	tr := setupTestTracker(t, WithClock(mock))

	require.NoError(t, tr.People().TrackCharge(9.99, events.Object{"sku": "gold", "$amount": 1}))
	require.NoError(t, tr.People().ClearCharges())

	objs := queued(t, tr, events.QueueEngage)
	require.Len(t, objs, 2)

	tx := objs[0]["$append"].(map[string]any)["$transactions"].(map[string]any)
	require.Equal(t, 9.99, tx["$amount"])
	require.Equal(t, "2024-05-01T12:30:15", tx["$time"])
	require.Equal(t, "gold", tx["sku"])

	require.Equal(t, []any{}, objs[1]["$set"].(map[string]any)["$transactions"])
}
