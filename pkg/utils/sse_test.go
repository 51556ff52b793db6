package utils

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendSSEChunkFraming(t *testing.T) {
	rec := httptest.NewRecorder()

	require.NoError(t, SendSSEChunk(rec, rec, map[string]string{"event": "delta", "content": "hi"}))
	require.NoError(t, SendSSEChunk(rec, rec, map[string]bool{"finished": true}))

	assert.Equal(t, "data: {\"content\":\"hi\",\"event\":\"delta\"}\n\ndata: {\"finished\":true}\n\n", rec.Body.String())
	assert.True(t, rec.Flushed)
}

func TestSendSSEChunkMarshalError(t *testing.T) {
	rec := httptest.NewRecorder()

	err := SendSSEChunk(rec, rec, map[string]any{"bad": make(chan int)})
	require.Error(t, err)
	assert.Empty(t, rec.Body.String())
}

type brokenWriter struct {
	*httptest.ResponseRecorder
}

func (brokenWriter) Write([]byte) (int, error) {
	return 0, errors.New("broken pipe")
}

func TestSendSSEChunkWriteError(t *testing.T) {
	w := brokenWriter{httptest.NewRecorder()}
	assert.Error(t, SendSSEChunk(w, w, map[string]string{"event": "delta"}))
}

func TestRespondError(t *testing.T) {
	rec := httptest.NewRecorder()
	RespondError(rec, http.StatusTooManyRequests, "busy")

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"error":"busy"}`, rec.Body.String())
}
