package api

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perceptr/perceptr-go/internal/model"
	"github.com/perceptr/perceptr-go/internal/testutil"
)

// controlPlane is a fake control plane plus upload target.
type controlPlane struct {
	t *testing.T

	checkSuccess      bool
	processingStarted bool
	failUpload        bool

	uploads   []model.Batch
	processed []string
}

func (cp *controlPlane) handler(uploadURL string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/per/{project}/check", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"success": cp.checkSuccess})
	})
	mux.HandleFunc("GET /api/v1/per/{project}/r/{session}/batch", func(w http.ResponseWriter, r *http.Request) {
		if cp.processingStarted {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]any{"detail": "processing already started"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"url": uploadURL})
	})
	mux.HandleFunc("POST /api/v1/per/{project}/r/{session}/process", func(w http.ResponseWriter, r *http.Request) {
		cp.processed = append(cp.processed, r.PathValue("session"))
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("PUT /upload", func(w http.ResponseWriter, r *http.Request) {
		if cp.failUpload {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		body := r.Body
		if r.Header.Get("Content-Encoding") == "gzip" {
			zr, err := gzip.NewReader(r.Body)
			require.NoError(cp.t, err)
			body = zr
		}
		raw, err := io.ReadAll(body)
		require.NoError(cp.t, err)
		var b model.Batch
		require.NoError(cp.t, json.Unmarshal(raw, &b))
		cp.uploads = append(cp.uploads, b)
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

// newTestClient spins a fake plane and returns a client pointed at it.
func newTestClient(t *testing.T, cp *controlPlane, compress bool) *Client {
	t.Helper()
	cp.t = t

	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cp.handler(srv.URL + "/upload").ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)

	c, err := NewClient(Config{ProjectID: "proj-1", Compress: compress}, testutil.TestLogger())
	require.NoError(t, err)
	c.baseURL = srv.URL
	return c
}

func TestNewClient_RequiresProjectID(t *testing.T) {
	_, err := NewClient(Config{}, testutil.TestLogger())
	require.Error(t, err)
}

func TestEnvironment_BaseURL(t *testing.T) {
	assert.Equal(t, "http://localhost:8000", EnvLocal.BaseURL())
	assert.Equal(t, "https://api-dev.perceptr.io", EnvDev.BaseURL())
	assert.Equal(t, "https://api-stg.perceptr.io", EnvStg.BaseURL())
	assert.Equal(t, "https://api.perceptr.io", EnvProd.BaseURL())
	assert.Equal(t, "https://api.perceptr.io", Environment("").BaseURL(), "default is production")
}

func TestCheckValidProjectID(t *testing.T) {
	cp := &controlPlane{checkSuccess: true}
	c := newTestClient(t, cp, false)
	assert.True(t, c.CheckValidProjectID(context.Background()))

	cp.checkSuccess = false
	assert.False(t, c.CheckValidProjectID(context.Background()))
}

func TestCheckValidProjectID_TransportErrorReadsAsInvalid(t *testing.T) {
	c, err := NewClient(Config{ProjectID: "proj-1"}, testutil.TestLogger())
	require.NoError(t, err)
	c.baseURL = "http://127.0.0.1:1" // nothing listens here
	assert.False(t, c.CheckValidProjectID(context.Background()))
}

func TestGetUploadBufferURL_ProcessingStartedYieldsEmpty(t *testing.T) {
	cp := &controlPlane{processingStarted: true}
	c := newTestClient(t, cp, false)

	url, err := c.GetUploadBufferURL(context.Background(), "sess-1")
	require.NoError(t, err, "terminal state is not an error")
	assert.Empty(t, url)
}

func TestSendEvents_UploadsAndTriggersProcess(t *testing.T) {
	cp := &controlPlane{checkSuccess: true}
	c := newTestClient(t, cp, false)

	batch := &model.Batch{
		SessionID:      "sess-1",
		BatchID:        "batch-1",
		IsSessionEnded: true,
		StartTime:      100,
		EndTime:        400,
		Size:           10,
		Data: model.EventList{
			model.DomEvent{Type: model.EventFullSnapshot, Timestamp: 100},
		},
		Metadata: model.BatchMetadata{EventCount: 1},
	}
	require.NoError(t, c.SendEvents(context.Background(), batch))

	require.Len(t, cp.uploads, 1)
	got := cp.uploads[0]
	assert.Equal(t, "sess-1", got.SessionID)
	assert.Equal(t, "batch-1", got.BatchID)
	assert.True(t, got.IsSessionEnded)
	assert.False(t, got.Metadata.Compressed)

	require.Len(t, cp.processed, 1, "terminal batch must trigger /process")
	assert.Equal(t, "sess-1", cp.processed[0])
}

func TestSendEvents_NonTerminalSkipsProcess(t *testing.T) {
	cp := &controlPlane{checkSuccess: true}
	c := newTestClient(t, cp, false)

	batch := &model.Batch{SessionID: "sess-1", BatchID: "b", Data: model.EventList{model.DomEvent{Type: model.EventLoad}}}
	require.NoError(t, c.SendEvents(context.Background(), batch))
	assert.Empty(t, cp.processed)
}

func TestSendEvents_Compressed(t *testing.T) {
	cp := &controlPlane{checkSuccess: true}
	c := newTestClient(t, cp, true)

	batch := &model.Batch{SessionID: "sess-1", BatchID: "b", Data: model.EventList{model.DomEvent{Type: model.EventLoad, Timestamp: 7}}}
	require.NoError(t, c.SendEvents(context.Background(), batch))

	require.Len(t, cp.uploads, 1)
	assert.True(t, cp.uploads[0].Metadata.Compressed)
	assert.Equal(t, int64(7), cp.uploads[0].Data[0].Time())
}

func TestSendEvents_SkipsWhenProcessingStarted(t *testing.T) {
	cp := &controlPlane{processingStarted: true}
	c := newTestClient(t, cp, false)

	batch := &model.Batch{SessionID: "sess-1", BatchID: "b", Data: model.EventList{model.DomEvent{}}}
	require.NoError(t, c.SendEvents(context.Background(), batch))
	assert.Empty(t, cp.uploads)
	assert.Empty(t, cp.processed)
}

func TestSendEvents_UploadFailurePropagates(t *testing.T) {
	cp := &controlPlane{failUpload: true}
	c := newTestClient(t, cp, false)

	batch := &model.Batch{SessionID: "sess-1", BatchID: "b", Data: model.EventList{model.DomEvent{}}}
	err := c.SendEvents(context.Background(), batch)
	require.Error(t, err)
	assert.Empty(t, cp.processed, "no process trigger after a failed upload")
}
