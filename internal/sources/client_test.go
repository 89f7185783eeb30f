package sources

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient("http://sources:8081")
	require.NoError(t, err)

	_, err = NewClient("ftp://sources:8081")
	assert.Error(t, err)
}

func TestSources_DecodesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/subjects/user-1/sources", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
			{"source_id": 1001, "name": "Pilot One",
			 "corporation_id": 98000001, "corporation_name": "Acme",
			 "alliance_id": 99000001, "alliance_name": "Big Bloc"}
		]`))
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL)
	require.NoError(t, err)

	sources, err := client.Sources(context.Background(), "user-1")
	require.NoError(t, err)
	require.Len(t, sources, 1)
	assert.Equal(t, int64(1001), sources[0].ID)
	assert.Equal(t, int64(98000001), sources[0].CorporationID)
	assert.Equal(t, "Big Bloc", sources[0].AllianceName)
}

func TestSources_NotFoundIsEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL)
	require.NoError(t, err)

	// 404 is a definitive verdict, not an outage.
	sources, err := client.Sources(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Empty(t, sources)
	assert.NotNil(t, sources)
}

func TestSources_ServerErrorFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL)
	require.NoError(t, err)

	_, err = client.Sources(context.Background(), "user-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
}

func TestSources_EscapesSubjectID(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL)
	require.NoError(t, err)

	_, err = client.Sources(context.Background(), "user/1")
	require.NoError(t, err)
	assert.Equal(t, "/subjects/user%2F1/sources", gotPath)
}
