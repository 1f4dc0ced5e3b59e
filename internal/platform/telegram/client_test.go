package telegram_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/genialhealth/genial-ai-healthcare-assistant/internal/platform/telegram"
)

func TestSendMessage(t *testing.T) {
	t.Parallel()
	var gotPath string
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = io.WriteString(w, `{"ok":true}`)
	}))
	defer srv.Close()

	c := telegram.NewClient("T0K", telegram.WithBaseURL(srv.URL))
	require.NoError(t, c.SendMessage(context.Background(), 42, "hello"))

	assert.Equal(t, "/botT0K/sendMessage", gotPath)
	assert.Equal(t, float64(42), got["chat_id"])
	assert.Equal(t, "hello", got["text"])
}

func TestSendDocument(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botT0K/sendDocument", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "42", r.FormValue("chat_id"))
		assert.Equal(t, "Session s-1", r.FormValue("caption"))
		f, hdr, err := r.FormFile("document")
		require.NoError(t, err)
		defer f.Close()
		data, _ := io.ReadAll(f)
		assert.Equal(t, "report.pdf", hdr.Filename)
		assert.Equal(t, "%PDF", string(data))
		_, _ = io.WriteString(w, `{"ok":true}`)
	}))
	defer srv.Close()

	c := telegram.NewClient("T0K", telegram.WithBaseURL(srv.URL))
	require.NoError(t, c.SendDocument(context.Background(), 42, []byte("%PDF"), "report.pdf", "Session s-1"))
}

func TestAPIErrorsAreReported(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"ok":false,"description":"Bad Request: chat not found"}`)
	}))
	defer srv.Close()

	err := telegram.NewClient("T0K", telegram.WithBaseURL(srv.URL)).SendMessage(context.Background(), 1, "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat not found")
}

func TestMissingToken(t *testing.T) {
	t.Parallel()
	err := telegram.NewClient("").SendMessage(context.Background(), 1, "x")
	assert.ErrorIs(t, err, telegram.ErrNotConfigured)
}
