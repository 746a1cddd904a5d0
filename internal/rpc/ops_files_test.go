package rpc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hera-team/librarian/internal/catalog"
)

func TestCreateFileRecordAndGather(t *testing.T) {
	f := newFixture(t)

	body := f.ok(t, "create_file_record", map[string]any{
		"name": "zen.2457000.5.uv",
		"size": 4,
		"md5":  dataMD5,
	})
	file := body["file"].(map[string]any)
	assert.Equal(t, "zen.2457000.5.uv", file["name"])
	assert.Equal(t, "uv", file["type"], "type must default to the name suffix")
	assert.Equal(t, "hera", file["source"], "source must default to the authenticated caller")
	// _testing inference decodes the JD baked into the name.
	assert.EqualValues(t, 1102118418, file["obsid"])

	body = f.ok(t, "gather_file_record", map[string]any{"file_name": "zen.2457000.5.uv"})
	info := body["record_info"].(map[string]any)
	files := info["files"].(map[string]any)
	assert.Contains(t, files, "zen.2457000.5.uv")

	f.rejected(t, "gather_file_record", map[string]any{"file_name": "ghost.uv"}, kindNotFound)
	f.rejected(t, "create_file_record", map[string]any{"name": "zen.uv", "size": 4}, kindBadRequest)
}

func TestCreateFileEvent(t *testing.T) {
	f := newFixture(t)
	storeID := f.addStore(t, "pot1", "/pot1data")
	f.addFile(t, "zen.2457000.5.uv", storeID, "2457000")

	f.ok(t, "create_file_event", map[string]any{
		"file_name": "zen.2457000.5.uv",
		"type":      "rtp_launch",
		"payload":   map[string]any{"attempt": 1},
	})

	events, err := f.cat.EventsForFile(context.Background(), "zen.2457000.5.uv")
	require.NoError(t, err)
	var seen bool
	for _, ev := range events {
		if ev.Type == "rtp_launch" {
			seen = true
		}
	}
	assert.True(t, seen)

	f.rejected(t, "create_file_event", map[string]any{"file_name": "zen.2457000.5.uv"}, kindBadRequest)
}

func TestLocateFileInstance(t *testing.T) {
	f := newFixture(t)
	storeID := f.addStore(t, "pot1", "/pot1data")
	f.addFile(t, "zen.2457000.5.uv", storeID, "2457000")

	body := f.ok(t, "locate_file_instance", map[string]any{"file_name": "zen.2457000.5.uv"})
	assert.Equal(t, "/pot1data/2457000/zen.2457000.5.uv", body["full_path"])
	assert.Equal(t, "pot1", body["store_name"])
	assert.Equal(t, "2457000/zen.2457000.5.uv", body["store_path"])

	f.rejected(t, "locate_file_instance", map[string]any{"file_name": "ghost.uv"}, kindNotFound)
}

func TestDeletionPolicyAndDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id1 := f.addStore(t, "pot1", "/pot1data")
	id2 := f.addStore(t, "pot2", "/pot2data")

	file := &catalog.File{Name: "zen.2457000.5.uv", Type: "uv", Source: "hera", Size: 4, MD5: dataMD5}
	require.NoError(t, f.cat.CreateFile(ctx, file))
	for _, id := range []int64{id1, id2} {
		_, err := f.cat.RegisterInstance(ctx, id, "2457000", "zen.2457000.5.uv")
		require.NoError(t, err)
	}
	f.fakes["pot1"].Put("2457000/zen.2457000.5.uv", []byte("data"))
	f.fakes["pot2"].Put("2457000/zen.2457000.5.uv", []byte("data"))

	f.rejected(t, "set_one_file_deletion_policy", map[string]any{
		"file_name": "zen.2457000.5.uv", "deletion_policy": "shred",
	}, kindBadRequest)

	f.ok(t, "set_one_file_deletion_policy", map[string]any{
		"file_name":         "zen.2457000.5.uv",
		"deletion_policy":   "allowed",
		"restrict_to_store": "pot1",
	})

	// noop mode reports without deleting.
	body := f.ok(t, "delete_file_instances", map[string]any{
		"file_name": "zen.2457000.5.uv", "mode": "noop",
	})
	stats := body["stats"].(map[string]any)
	assert.EqualValues(t, 0, stats["n_deleted"])
	assert.True(t, f.fakes["pot1"].Has("2457000/zen.2457000.5.uv"))

	body = f.ok(t, "delete_file_instances", map[string]any{"file_name": "zen.2457000.5.uv"})
	stats = body["stats"].(map[string]any)
	assert.EqualValues(t, 1, stats["n_deleted"])
	assert.EqualValues(t, 1, stats["n_kept"])
	assert.False(t, f.fakes["pot1"].Has("2457000/zen.2457000.5.uv"), "bytes must be removed")
	assert.True(t, f.fakes["pot2"].Has("2457000/zen.2457000.5.uv"), "other copy must survive")
}

func TestDeleteMatchingQuery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id1 := f.addStore(t, "pot1", "/pot1data")
	id2 := f.addStore(t, "pot2", "/pot2data")

	file := &catalog.File{Name: "zen.2457000.5.uv", Type: "uv", Source: "hera", Size: 4, MD5: dataMD5}
	require.NoError(t, f.cat.CreateFile(ctx, file))
	for _, id := range []int64{id1, id2} {
		_, err := f.cat.RegisterInstance(ctx, id, "2457000", "zen.2457000.5.uv")
		require.NoError(t, err)
	}
	for _, name := range []string{"pot1", "pot2"} {
		f.ok(t, "set_one_file_deletion_policy", map[string]any{
			"file_name":         "zen.2457000.5.uv",
			"deletion_policy":   "allowed",
			"restrict_to_store": name,
		})
	}

	body := f.ok(t, "delete_file_instances_matching_query", map[string]any{
		"query": `{"name-matches": "zen%"}`,
	})
	// The last-copy interlock keeps one instance even though both were
	// marked deletable.
	assert.EqualValues(t, 1, body["n_deleted"])
	assert.EqualValues(t, 1, body["n_kept"])

	f.rejected(t, "delete_file_instances_matching_query", map[string]any{
		"query": `{"bogus-clause": 1}`,
	}, kindBadRequest)
}

func TestRegisterInstances(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addStore(t, "pot1", "/pot1data")

	body := f.ok(t, "register_instances", map[string]any{
		"store_name": "pot1",
		"file_info": map[string]any{
			"2457000/zen.2457000.5.uv": map[string]any{
				"size":          4,
				"md5":           dataMD5,
				"start_time_jd": 2457000.5,
			},
		},
	})
	assert.EqualValues(t, 1, body["n_new_instances"])

	file, err := f.cat.GetFile(ctx, "zen.2457000.5.uv")
	require.NoError(t, err)
	require.NotNil(t, file.Obsid)
	assert.EqualValues(t, 1102118418, *file.Obsid)

	obs, err := f.cat.GetObservation(ctx, *file.Obsid)
	require.NoError(t, err)
	assert.Equal(t, 2457000.5, obs.StartTimeJD)

	// Re-registering the same paths is a no-op.
	body = f.ok(t, "register_instances", map[string]any{
		"store_name": "pot1",
		"file_info": map[string]any{
			"2457000/zen.2457000.5.uv": map[string]any{"size": 4, "md5": dataMD5},
		},
	})
	assert.EqualValues(t, 0, body["n_new_instances"])

	f.rejected(t, "register_instances", map[string]any{
		"store_name": "ghost",
		"file_info":  map[string]any{},
	}, kindNotFound)

	// A new file with no stat info cannot be cataloged.
	f.rejected(t, "register_instances", map[string]any{
		"store_name": "pot1",
		"file_info": map[string]any{
			"2457001/zen.2457001.5.uv": map[string]any{},
		},
	}, kindBadRequest)
}
