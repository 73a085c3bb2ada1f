package gateway

import (
	"context"
	"crypto/ed25519"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/llmgateway/gateway/internal/config"
	"github.com/llmgateway/gateway/internal/wire"
)

// stubUpstream serves /api/tags and /api/generate the way the real Ollama
// backend would, letting the test control exactly what tokens stream back.
func stubUpstream(t *testing.T, lines []string, block <-chan struct{}) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/tags":
			w.Write([]byte(`{"models":[{"name":"llama3"}]}`))
		case "/api/generate":
			flusher, _ := w.(http.Flusher)
			for _, line := range lines {
				w.Write([]byte(line + "\n"))
				if flusher != nil {
					flusher.Flush()
				}
			}
			if block != nil {
				<-block
			}
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func newTestServer(t *testing.T, upstreamURL string) *Server {
	t.Helper()
	cfg := &config.Config{
		Port:                      "0",
		Host:                      "127.0.0.1",
		OllamaAPIURL:              upstreamURL,
		OllamaDefaultModel:        "llama3",
		DataDir:                   t.TempDir(),
		AuthTimeoutMS:             2000,
		MaxAuthAttempts:           5,
		AuthWindowMS:              600000,
		DefaultSignatureAlgorithm: "SHA256",
		ChallengeTTLMS:            600000,
		RateLimitSweepIntervalMS:  3600000,
		RateLimitReclaimAgeMS:     86400000,
		BackupKeepN:               10,
		LogLevel:                  "error",
		LogFormat:                 "json",
		MaxConnections:            1000,
		ConnRateIPBurst:           100,
		ConnRateIPPerSec:          100,
		ConnRateGlobalBurst:       1000,
		ConnRateGlobalPerSec:      1000,
		CPURejectThresholdPct:     100,
		MaxGoroutines:             1000000,
		MetricsInterval:           time.Hour,
	}

	logger := zerolog.Nop()
	srv, err := New(cfg, logger)
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})
	return srv
}

func (s *Server) wsURL() string {
	return "ws://" + s.Addr() + "/ws"
}

func registerTestClient(t *testing.T, s *Server, name string) (string, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(pub)
	require.NoError(t, err)
	pemText := string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))

	id, err := s.registry.Register(name, pemText, "SHA256")
	require.NoError(t, err)
	return id, priv
}

func readEnvelope(t *testing.T, conn *websocket.Conn, v any) wire.Envelope {
	t.Helper()
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var env wire.Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	require.NoError(t, json.Unmarshal(data, v))
	return env
}

// dialAndAuthenticate connects, completes the challenge/signature handshake,
// and asserts success.
func dialAndAuthenticate(t *testing.T, s *Server, clientID string, priv ed25519.PrivateKey) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(s.wsURL(), nil)
	require.NoError(t, err)

	var challengeMsg wire.ChallengeMsg
	readEnvelope(t, conn, &challengeMsg)
	require.NotEmpty(t, challengeMsg.Challenge)

	sig := ed25519.Sign(priv, []byte(challengeMsg.Challenge))
	err = conn.WriteJSON(wire.AuthenticateMsg{
		Type:      wire.TypeAuthenticate,
		Timestamp: time.Now().UnixMilli(),
		ClientID:  clientID,
		Signature: base64.StdEncoding.EncodeToString(sig),
	})
	require.NoError(t, err)

	var result wire.AuthResultMsg
	readEnvelope(t, conn, &result)
	require.True(t, result.Success, "expected authentication to succeed: %+v", result)

	return conn
}

func TestHappyPathAuthenticateAndGenerate(t *testing.T) {
	upstream := stubUpstream(t, []string{
		`{"response":"hel","done":false}`,
		`{"response":"lo","done":false}`,
		`{"response":"","done":true}`,
	}, nil)
	defer upstream.Close()

	s := newTestServer(t, upstream.URL)
	clientID, priv := registerTestClient(t, s, "alice")
	conn := dialAndAuthenticate(t, s, clientID, priv)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(wire.GenerateMsg{
		Type:      wire.TypeGenerate,
		Timestamp: time.Now().UnixMilli(),
		ID:        "req-1",
		Prompt:    "hello",
	}))

	var start wire.StreamStartMsg
	readEnvelope(t, conn, &start)
	require.Equal(t, "req-1", start.RequestID)
	require.Equal(t, "llama3", start.Model)

	var tok1, tok2 wire.StreamTokenMsg
	readEnvelope(t, conn, &tok1)
	readEnvelope(t, conn, &tok2)
	require.Equal(t, "hel", tok1.Token)
	require.Equal(t, "lo", tok2.Token)

	var end wire.StreamEndMsg
	readEnvelope(t, conn, &end)
	require.Equal(t, "req-1", end.RequestID)
	require.Equal(t, 2, end.TotalTokens)
	require.False(t, end.IsCancelled)
}

func TestWrongSignatureIsRejected(t *testing.T) {
	upstream := stubUpstream(t, nil, nil)
	defer upstream.Close()

	s := newTestServer(t, upstream.URL)
	clientID, _ := registerTestClient(t, s, "alice")
	_, wrongKey, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	conn, _, err := websocket.DefaultDialer.Dial(s.wsURL(), nil)
	require.NoError(t, err)
	defer conn.Close()

	var challengeMsg wire.ChallengeMsg
	readEnvelope(t, conn, &challengeMsg)

	sig := ed25519.Sign(wrongKey, []byte(challengeMsg.Challenge))
	require.NoError(t, conn.WriteJSON(wire.AuthenticateMsg{
		Type:      wire.TypeAuthenticate,
		Timestamp: time.Now().UnixMilli(),
		ClientID:  clientID,
		Signature: base64.StdEncoding.EncodeToString(sig),
	}))

	var result wire.AuthResultMsg
	readEnvelope(t, conn, &result)
	require.False(t, result.Success)
	require.Equal(t, int64(0), result.RetryAfter)
}

func TestStopByNonOwnerIsRejectedAndOwnerStreamContinues(t *testing.T) {
	block := make(chan struct{})
	upstream := stubUpstream(t, []string{`{"response":"hel","done":false}`}, block)
	defer upstream.Close()

	s := newTestServer(t, upstream.URL)

	idA, privA := registerTestClient(t, s, "alice")
	idB, privB := registerTestClient(t, s, "bob")

	connA := dialAndAuthenticate(t, s, idA, privA)
	defer connA.Close()
	connB := dialAndAuthenticate(t, s, idB, privB)
	defer connB.Close()

	require.NoError(t, connA.WriteJSON(wire.GenerateMsg{
		Type:      wire.TypeGenerate,
		Timestamp: time.Now().UnixMilli(),
		ID:        "g1",
		Prompt:    "hello",
	}))

	var start wire.StreamStartMsg
	readEnvelope(t, connA, &start)
	require.Equal(t, "g1", start.RequestID)

	require.NoError(t, connB.WriteJSON(wire.StopMsg{
		Type:      wire.TypeStop,
		Timestamp: time.Now().UnixMilli(),
		ID:        "stop-1",
		RequestID: "g1",
	}))

	var errMsg wire.ErrorMsg
	readEnvelope(t, connB, &errMsg)
	require.Equal(t, "Not authorized to stop this generation", errMsg.Error)

	var tok wire.StreamTokenMsg
	readEnvelope(t, connA, &tok)
	require.Equal(t, "hel", tok.Token)

	close(block)

	var end wire.StreamEndMsg
	readEnvelope(t, connA, &end)
	require.False(t, end.IsCancelled)
}
