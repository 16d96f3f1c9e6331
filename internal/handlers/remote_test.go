package handlers_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devlikebear/aiapps-sub000/internal/domain"
	"github.com/devlikebear/aiapps-sub000/internal/handlers"
)

func TestRemoteHandler_JobType(t *testing.T) {
	h := handlers.NewRemoteHandler(domain.TypeImageEdit, "http://provider", "", nil)
	assert.Equal(t, domain.TypeImageEdit, h.JobType())
}

func TestRemoteHandler_Handle_Success(t *testing.T) {
	var gotPath, gotAuth, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"audioUrl":"https://cdn/x.mp3"}`))
	}))
	defer srv.Close()

	h := handlers.NewRemoteHandler(domain.TypeAudioGenerate, srv.URL+"/", "secret", nil)
	out, err := h.Handle(context.Background(), domain.AudioGenerateParams{Prompt: "epic battle theme"})
	require.NoError(t, err)

	assert.Equal(t, "/audio-generate", gotPath)
	assert.Equal(t, "Bearer secret", gotAuth)
	assert.JSONEq(t, `{"prompt":"epic battle theme"}`, gotBody)
	assert.JSONEq(t, `{"audioUrl":"https://cdn/x.mp3"}`, string(out))
}

func TestRemoteHandler_Handle_PlainTextBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("shipping Go today"))
	}))
	defer srv.Close()

	h := handlers.NewRemoteHandler(domain.TypeTweetGenerate, srv.URL, "", nil)
	out, err := h.Handle(context.Background(), domain.TweetGenerateParams{Topic: "go"})
	require.NoError(t, err)

	var s string
	require.NoError(t, json.Unmarshal(out, &s))
	assert.Equal(t, "shipping Go today", s)
}

func TestRemoteHandler_Handle_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	h := handlers.NewRemoteHandler(domain.TypeImageGenerate, srv.URL, "", nil)
	_, err := h.Handle(context.Background(), domain.ImageGenerateParams{Prompt: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
	assert.Contains(t, err.Error(), "rate limited")
}

func TestRemoteHandler_Handle_ContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	h := handlers.NewRemoteHandler(domain.TypeImageCompose, srv.URL, "", nil)
	_, err := h.Handle(ctx, domain.ImageComposeParams{})
	require.Error(t, err)
}

func TestRegisterRemote_CoversEveryType(t *testing.T) {
	reg := handlers.NewRegistry()
	handlers.RegisterRemote(reg, "http://provider", "", nil)
	assert.ElementsMatch(t, domain.AllJobTypes, reg.Types())
}
