package cwire_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/collie-robotics/collie/cwire"
)

func TestNewRequest_parameterForms(t *testing.T) {
	t.Parallel()

	t.Run("struct parameter is re-encoded as a string", func(t *testing.T) {
		t.Parallel()

		req, err := cwire.NewRequest(7, 1001, map[string]int{"mode": 3})
		require.NoError(t, err)

		require.Equal(t, int64(7), req.Header.Identity.ID)
		require.Equal(t, int64(1001), req.Header.Identity.APIID)
		require.JSONEq(t, `{"mode":3}`, req.Parameter)
	})

	t.Run("string parameter passes through verbatim", func(t *testing.T) {
		t.Parallel()

		req, err := cwire.NewRequest(8, 1001, "raw")
		require.NoError(t, err)
		require.Equal(t, "raw", req.Parameter)
	})

	t.Run("nil parameter stays empty", func(t *testing.T) {
		t.Parallel()

		req, err := cwire.NewRequest(9, 1001, nil)
		require.NoError(t, err)
		require.Empty(t, req.Parameter)
	})
}

func TestCorrelationKey_preferenceOrder(t *testing.T) {
	t.Parallel()

	envOf := func(t *testing.T, data, info string) cwire.Envelope {
		t.Helper()
		e := cwire.Envelope{Type: cwire.TypeResponse, Topic: "rt/test"}
		if data != "" {
			e.Data = json.RawMessage(data)
		}
		if info != "" {
			e.Info = json.RawMessage(info)
		}
		return e
	}

	t.Run("explicit uuid wins", func(t *testing.T) {
		t.Parallel()

		e := envOf(t,
			`{"uuid":"u-1","header":{"identity":{"id":42}}}`,
			`{"uuid":"u-2"}`,
		)
		require.Equal(t, "u-1", cwire.CorrelationKey(e))
	})

	t.Run("identity id next", func(t *testing.T) {
		t.Parallel()

		e := envOf(t, `{"header":{"identity":{"id":42}}}`, `{"uuid":"u-2"}`)
		require.Equal(t, "42", cwire.CorrelationKey(e))
	})

	t.Run("info uuid next", func(t *testing.T) {
		t.Parallel()

		e := envOf(t, `{}`, `{"uuid":"u-2"}`)
		require.Equal(t, "u-2", cwire.CorrelationKey(e))
	})

	t.Run("info req_uuid next", func(t *testing.T) {
		t.Parallel()

		e := envOf(t, `{}`, `{"req_uuid":"r-3"}`)
		require.Equal(t, "r-3", cwire.CorrelationKey(e))
	})

	t.Run("type and topic fallback", func(t *testing.T) {
		t.Parallel()

		e := envOf(t, `{}`, "")
		require.Equal(t, "res $ rt/test", cwire.CorrelationKey(e))
	})
}

func TestChunk_reassembly(t *testing.T) {
	t.Parallel()

	mkChunk := func(t *testing.T, idx, total int, part string) cwire.Envelope {
		t.Helper()
		data, err := json.Marshal(map[string]any{
			"uuid": "file-1",
			"content_info": map[string]any{
				"enable_chunking": true,
				"chunk_index":     idx,
				"total_chunk_num": total,
			},
			"data": part,
		})
		require.NoError(t, err)
		return cwire.Envelope{Type: cwire.TypeResponse, Topic: "rt/file", Data: data}
	}

	e1 := mkChunk(t, 0, 2, "hello ")
	e2 := mkChunk(t, 1, 2, "world")

	ci, ok := cwire.Chunk(e1)
	require.True(t, ok)
	require.Equal(t, 2, ci.TotalChunks)
	require.Equal(t, 0, ci.ChunkIndex)

	p1, err := cwire.ChunkPayload(e1)
	require.NoError(t, err)
	p2, err := cwire.ChunkPayload(e2)
	require.NoError(t, err)

	merged, err := cwire.ReplaceChunkPayload(e2, append(p1, p2...))
	require.NoError(t, err)

	_, stillChunked := cwire.Chunk(merged)
	require.False(t, stillChunked)

	var out struct {
		Data string `json:"data"`
	}
	require.NoError(t, json.Unmarshal(merged.Data, &out))
	require.Equal(t, "hello world", out.Data)
}

func TestChunk_notChunked(t *testing.T) {
	t.Parallel()

	e := cwire.Envelope{
		Type: cwire.TypeResponse,
		Data: json.RawMessage(`{"data":"plain"}`),
	}
	_, ok := cwire.Chunk(e)
	require.False(t, ok)
}
