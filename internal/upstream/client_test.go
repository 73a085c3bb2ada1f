package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/tags", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"models":[{"name":"llama3","size":123,"modified_at":"2026-01-01T00:00:00Z"}]}`))
	}))
	defer srv.Close()

	client := New(srv.URL, "llama3")
	models, err := client.ListModels(context.Background())
	require.NoError(t, err)
	require.Len(t, models, 1)
	require.Equal(t, "llama3", models[0].Name)
}

func TestGenerateStreamsTokensInOrderAndTolerateTrailingUnterminatedLine(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/generate", r.URL.Path)
		flusher, _ := w.(http.Flusher)
		lines := []string{
			`{"response":"hel","done":false}` + "\n",
			`not-json-garbage` + "\n",
			`{"response":"lo","done":false}` + "\n",
			`{"response":"","done":true}`, // no trailing newline
		}
		for _, line := range lines {
			w.Write([]byte(line))
			if flusher != nil {
				flusher.Flush()
			}
		}
	}))
	defer srv.Close()

	client := New(srv.URL, "llama3")
	var tokens []string
	result, err := client.Generate(context.Background(), "", "hello", nil, func(tok Token) {
		tokens = append(tokens, tok.Text)
	})
	require.NoError(t, err)
	require.Equal(t, []string{"hel", "lo"}, tokens)
	require.Equal(t, 2, result.TotalTokens)
	require.False(t, result.Cancelled)
}

func TestGenerateHonorsContextCancellation(t *testing.T) {
	blockCh := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher, _ := w.(http.Flusher)
		w.Write([]byte(`{"response":"hel","done":false}` + "\n"))
		if flusher != nil {
			flusher.Flush()
		}
		<-blockCh
	}))
	defer srv.Close()
	defer close(blockCh)

	client := New(srv.URL, "llama3")
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	result, err := client.Generate(ctx, "", "hello", nil, func(Token) {})
	require.NoError(t, err)
	require.True(t, result.Cancelled)
}

func TestGenerateReturnsErrorOnMidStreamConnectionDrop(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1000")
		w.Write([]byte(`{"response":"hel","done":false}` + "\n"))
		hj, ok := w.(http.Hijacker)
		require.True(t, ok)
		conn, _, err := hj.Hijack()
		require.NoError(t, err)
		conn.Close()
	}))
	defer srv.Close()

	client := New(srv.URL, "llama3")
	_, err := client.Generate(context.Background(), "", "hello", nil, func(Token) {})
	require.Error(t, err)
}

func TestGenerateReturnsErrorOnNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := New(srv.URL, "llama3")
	_, err := client.Generate(context.Background(), "", "hello", nil, func(Token) {})
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "500"))
}
