package rpc

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hera-team/librarian/internal/catalog"
)

func TestStandingOrderLifecycle(t *testing.T) {
	f := newFixture(t)

	f.rejected(t, "create_standing_order", map[string]any{
		"name": "o1", "search": "not json", "connection_name": "peer",
	}, kindBadRequest)

	f.rejected(t, "create_standing_order", map[string]any{
		"name": "o1", "search": `{"not-older-than": 1}`, "connection_name": "nowhere",
	}, kindBadRequest)

	body := f.ok(t, "create_standing_order", map[string]any{
		"name": "o1", "search": `{"not-older-than": 1}`, "connection_name": "peer",
	})
	assert.NotZero(t, body["id"])

	body = f.ok(t, "list_standing_orders", nil)
	orders := body["orders"].([]any)
	require.Len(t, orders, 1)
	first := orders[0].(map[string]any)
	assert.Equal(t, "o1", first["name"])
	assert.Equal(t, "peer", first["connection_name"])

	f.ok(t, "update_standing_order", map[string]any{
		"name": "o1", "search": `{"not-older-than": 7}`, "connection_name": "peer",
	})
	o, err := f.cat.GetStandingOrder(context.Background(), "o1")
	require.NoError(t, err)
	assert.Equal(t, `{"not-older-than": 7}`, o.Search)

	f.ok(t, "delete_standing_order", map[string]any{"name": "o1"})
	f.rejected(t, "delete_standing_order", map[string]any{"name": "o1"}, kindNotFound)
}

func TestObservationsAndSessions(t *testing.T) {
	f := newFixture(t)

	f.ok(t, "create_or_update_observation", map[string]any{
		"obsid": 1102118418, "start_time_jd": 2457000.5, "stop_time_jd": 2457000.51,
	})
	f.ok(t, "create_or_update_observation", map[string]any{
		"obsid": 1102119000, "start_time_jd": 2457000.51, "stop_time_jd": 2457000.52,
	})

	body := f.ok(t, "assign_observing_sessions", nil)
	created := body["new_sessions"].([]any)
	require.Len(t, created, 1)
	session := created[0].(map[string]any)
	assert.EqualValues(t, 2, session["n_obs"])

	// Idempotent: nothing new on a second run.
	body = f.ok(t, "assign_observing_sessions", nil)
	assert.Empty(t, body["new_sessions"])

	f.rejected(t, "create_or_update_observation", map[string]any{
		"obsid": 5, "start_time_jd": "late",
	}, kindBadRequest)
}

func TestDescribeSessionWithoutEvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	storeID := f.addStore(t, "pot1", "/pot1data")

	body := f.ok(t, "describe_session_without_event", map[string]any{
		"source": "hera", "event_type": "rtp_launch",
	})
	assert.Equal(t, false, body["any_matching"])

	f.ok(t, "create_or_update_observation", map[string]any{
		"obsid": 1102118418, "start_time_jd": 2457000.5, "stop_time_jd": 2457000.51,
	})
	obsid := int64(1102118418)
	file := &catalog.File{
		Name: "zen.2457000.5.xx.uv", Type: "uv", Source: "hera",
		Size: 4, MD5: dataMD5, Obsid: &obsid,
	}
	require.NoError(t, f.cat.CreateFile(ctx, file))
	_, err := f.cat.RegisterInstance(ctx, storeID, "2457000", "zen.2457000.5.xx.uv")
	require.NoError(t, err)
	f.ok(t, "assign_observing_sessions", nil)

	body = f.ok(t, "describe_session_without_event", map[string]any{
		"source": "hera", "event_type": "rtp_launch",
	})
	assert.Equal(t, true, body["any_matching"])
	assert.EqualValues(t, 1102118418, body["session_id"])

	// Marking the file silences the session on the next poll.
	f.ok(t, "create_file_event", map[string]any{
		"file_name": "zen.2457000.5.xx.uv", "type": "rtp_launch",
	})
	body = f.ok(t, "describe_session_without_event", map[string]any{
		"source": "hera", "event_type": "rtp_launch",
	})
	assert.Equal(t, false, body["any_matching"])
}

func TestSearchFormats(t *testing.T) {
	f := newFixture(t)
	storeID := f.addStore(t, "pot1", "/pot1data")
	f.addFile(t, "zen.2457000.5.uv", storeID, "2457000")

	body := f.ok(t, "search", map[string]any{
		"search":        `{"name-matches": "zen%"}`,
		"output_format": "file-name",
	})
	assert.Equal(t, []any{"zen.2457000.5.uv"}, body["results"])

	body = f.ok(t, "search", map[string]any{"search": `{"name-matches": "zen%"}`})
	results := body["results"].([]any)
	require.Len(t, results, 1)
	assert.Equal(t, "zen.2457000.5.uv", results[0].(map[string]any)["name"])

	body = f.ok(t, "search", map[string]any{
		"search":        `{"name-matches": "zen%"}`,
		"output_format": "instance-store",
	})
	results = body["results"].([]any)
	require.Len(t, results, 1)
	row := results[0].(map[string]any)
	assert.Equal(t, "pot1", row["store_name"])
	assert.Equal(t, "/pot1data/2457000/zen.2457000.5.uv", row["full_path"])

	f.rejected(t, "search", map[string]any{
		"search": `{}`, "output_format": "hologram",
	}, kindBadRequest)
	f.rejected(t, "search", map[string]any{
		"search": `{}`, "stage_user": "alice",
	}, kindBadRequest)
	// Staging requested but not configured on this deployment.
	f.rejected(t, "search", map[string]any{
		"search": `{}`, "stage_user": "alice", "stage_dest": "proj1",
	}, kindBadRequest)
}

func TestStoreAdmin(t *testing.T) {
	f := newFixture(t)
	f.addStore(t, "pot1", "/pot1data")
	f.addStore(t, "pot2", "/pot2data")

	body := f.ok(t, "list_stores", nil)
	stores := body["stores"].([]any)
	assert.Len(t, stores, 2)

	f.ok(t, "set_store_availability", map[string]any{
		"store_name": "pot1", "available": false,
	})
	st, err := f.cat.GetStore(context.Background(), "pot1")
	require.NoError(t, err)
	assert.False(t, st.Available)
	entry, ok := f.reg.Get("pot1")
	require.True(t, ok)
	assert.False(t, entry.Store.Available)

	f.rejected(t, "set_store_availability", map[string]any{
		"store_name": "ghost", "available": true,
	}, kindNotFound)

	f.fakes["pot2"].DFErr = errors.New("raid controller on fire")
	body = f.ok(t, "probe_stores", nil)
	results := body["results"].(map[string]any)
	assert.Equal(t, "ok", results["pot1"])
	assert.Contains(t, results["pot2"], "raid controller")
}

func TestTaskStatus(t *testing.T) {
	f := newFixture(t)
	body := f.ok(t, "task_status", nil)
	_, ok := body["tasks"]
	assert.True(t, ok)
}
