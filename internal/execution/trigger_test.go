package execution

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"planline/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testSpec() domain.Spec {
	return domain.Spec{
		PlanID:    "11111111-1111-1111-1111-111111111111",
		SpecIndex: 1,
		Purpose:   "p",
		Vision:    "v",
		Status:    domain.SpecRunning,
		History:   []domain.HistoryEntry{{ReceivedStatus: "finished", RawSnippet: "{}"}},
	}
}

func TestNotifierPostsSpec(t *testing.T) {
	var got triggerBody
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	n := NewNotifier(srv.URL, "fleet-token", discardLogger())
	err := n.TriggerSpec(context.Background(), "11111111-1111-1111-1111-111111111111", 1, testSpec())
	require.NoError(t, err)
	assert.Equal(t, "Bearer fleet-token", auth)
	assert.Equal(t, 1, got.SpecIndex)
	assert.Equal(t, "p", got.Spec.Purpose)
	assert.Nil(t, got.Spec.History, "history must not leave the service")
}

func TestNotifierRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewNotifier(srv.URL, "", discardLogger())
	err := n.TriggerSpec(context.Background(), "p", 0, testSpec())
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestNotifierClientErrorPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	n := NewNotifier(srv.URL, "", discardLogger())
	err := n.TriggerSpec(context.Background(), "p", 0, testSpec())
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestEmptyURLDisables(t *testing.T) {
	n := NewNotifier("", "", discardLogger())
	_, ok := n.(Disabled)
	require.True(t, ok)
	assert.NoError(t, n.TriggerSpec(context.Background(), "p", 0, testSpec()))
}
