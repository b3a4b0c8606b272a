package recording

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPSinkUploadPostsJSON(t *testing.T) {
	var gotBody Recording
	var gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	sink := NewHTTPSink(srv.URL)
	rec := Recording{RecordingID: "r-1", SessionID: "s-1", ExerciseID: "squat", SetNumber: 2}
	require.NoError(t, sink.Upload(context.Background(), rec))

	assert.Equal(t, "application/json", gotContentType)
	assert.Equal(t, rec.RecordingID, gotBody.RecordingID)
	assert.Equal(t, rec.ExerciseID, gotBody.ExerciseID)
}

func TestHTTPSinkUploadFailsOnNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	sink := NewHTTPSink(srv.URL)
	err := sink.Upload(context.Background(), Recording{RecordingID: "r-1"})
	assert.ErrorIs(t, err, errPersistence)
}

func TestHTTPSinkUploadFailsOnUnreachableCollector(t *testing.T) {
	sink := NewHTTPSink("http://127.0.0.1:0")
	err := sink.Upload(context.Background(), Recording{RecordingID: "r-1"})
	assert.ErrorIs(t, err, errPersistence)
}
