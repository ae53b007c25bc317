package replicator

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fridaysync/vaultsync/internal/docmodel"
)

func testSettings(serverURL, dbName string) Settings {
	return Settings{URI: serverURL, DBName: dbName, UserAgent: "vaultsync-test/0.1"}
}

func TestClient_OpenReplication_Ping(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/vault", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.Client(), nil)
	ok, err := c.OpenReplication(context.Background(), testSettings(srv.URL, "vault"), false, false, false)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestClient_OpenReplication_ServerError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(srv.Client(), nil)

	_, err := c.OpenReplication(context.Background(), testSettings(srv.URL, "vault"), false, false, false)
	require.Error(t, err)
}

func TestClient_ReplicateAllFromServer(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/vault/_all_docs", r.URL.Path)

		body := `{"rows":[{"doc":{"_id":"notes/a.md","_rev":"1-abc","path":"notes/a.md",
			"mtime":1000,"ctime":1000,"size":5,"type":"notes","children":["h:1"]}}]}`
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	c := New(srv.Client(), nil)

	var delivered []string

	c.SetOnDocuments(func(batch DocumentBatch) {
		for _, e := range batch.Entries {
			delivered = append(delivered, e.ID)
		}
	})

	ok, err := c.ReplicateAllFromServer(context.Background(), testSettings(srv.URL, "vault"), false)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"notes/a.md"}, delivered)
}

func TestClient_FetchRemoteChunks(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/vault/h:1":
			_, _ = w.Write([]byte("chunk-one"))
		case "/vault/h:2":
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := New(srv.Client(), nil)

	leaves, ok, err := c.FetchRemoteChunks(context.Background(), testSettings(srv.URL, "vault"), []string{"h:1", "h:2"}, false)
	require.NoError(t, err)
	assert.True(t, ok)
	require.Len(t, leaves, 1)
	assert.Equal(t, "h:1", leaves[0].ID)
	assert.Equal(t, "chunk-one", string(leaves[0].Data))
}

func TestClient_TryCreateRemoteDatabase_ToleratesExisting(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusPreconditionFailed)
	}))
	defer srv.Close()

	c := New(srv.Client(), nil)
	err := c.TryCreateRemoteDatabase(context.Background(), testSettings(srv.URL, "vault"))
	assert.NoError(t, err)
}

func TestClient_TryResetRemoteDatabase_ToleratesMissing(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(srv.Client(), nil)
	err := c.TryResetRemoteDatabase(context.Background(), testSettings(srv.URL, "vault"))
	assert.NoError(t, err)
}

func TestClient_GetReplicationPBKDF2Salt(t *testing.T) {
	t.Parallel()

	salt := base64.StdEncoding.EncodeToString([]byte("some-salt-bytes!"))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/vault/_local/salt", r.URL.Path)

		_ = json.NewEncoder(w).Encode(map[string]string{"salt": salt})
	}))
	defer srv.Close()

	c := New(srv.Client(), nil)
	key, err := c.GetReplicationPBKDF2Salt(context.Background(), testSettings(srv.URL, "vault"), true)
	require.NoError(t, err)
	assert.Len(t, key, saltKeyLen)
}

func TestClient_PushDocuments(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/vault/_bulk_docs", r.URL.Path)

		data, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		assert.Contains(t, string(data), "notes/a.md")

		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := New(srv.Client(), nil)

	docs := []docmodel.MetaEntry{{ID: "notes/a.md", Path: "notes/a.md", Type: docmodel.TypeNotes}}

	ok, err := c.PushDocuments(context.Background(), testSettings(srv.URL, "vault"), docs)
	require.NoError(t, err)
	assert.True(t, ok)
}
