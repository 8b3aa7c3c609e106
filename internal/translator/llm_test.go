package translator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chatServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func newTestTranslator(t *testing.T, url string) *LLMTranslator {
	t.Helper()
	tr, err := NewLLMTranslator(LLMConfig{
		APIURL: url,
		APIKey: "test-key",
		Model:  "test-model",
	})
	require.NoError(t, err)
	return tr
}

func respond(w http.ResponseWriter, content string) {
	_ = json.NewEncoder(w).Encode(map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{"content": content}},
		},
	})
}

func TestLLMTranslator_TranslateBatch(t *testing.T) {
	srv := chatServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		respond(w, "Bonjour|@|Comment vas-tu ?")
	})

	tr := newTestTranslator(t, srv.URL)
	out, err := tr.TranslateBatch(context.Background(), BatchRequest{
		Lines:          []string{"Hello", "How are you?"},
		SourceLanguage: "en",
		TargetLanguage: "fr",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Bonjour", "Comment vas-tu ?"}, out)
}

func TestLLMTranslator_TranslateLine(t *testing.T) {
	srv := chatServer(t, func(w http.ResponseWriter, r *http.Request) {
		respond(w, "Bonjour")
	})

	tr := newTestTranslator(t, srv.URL)
	out, err := tr.TranslateLine(context.Background(), "Hello", "en", "fr")
	require.NoError(t, err)
	assert.Equal(t, "Bonjour", out)
}

func TestLLMTranslator_InlineBreaksRoundTrip(t *testing.T) {
	srv := chatServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		// the user message must not contain raw newlines
		assert.NotContains(t, req.Messages[1].Content, "\n")
		respond(w, "Ligne un[BR]ligne deux")
	})

	tr := newTestTranslator(t, srv.URL)
	out, err := tr.TranslateLine(context.Background(), "Line one\nline two", "en", "fr")
	require.NoError(t, err)
	assert.Equal(t, "Ligne un\nligne deux", out)
}

func TestLLMTranslator_RateLimited(t *testing.T) {
	srv := chatServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	})

	tr := newTestTranslator(t, srv.URL)
	_, err := tr.TranslateLine(context.Background(), "Hello", "en", "fr")
	require.Error(t, err)

	retryAfter, ok := IsRateLimited(err)
	require.True(t, ok)
	assert.Equal(t, 30*time.Second, retryAfter)
	assert.True(t, IsRetryable(err))
}

func TestLLMTranslator_ServerErrorIsRetryable(t *testing.T) {
	srv := chatServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	tr := newTestTranslator(t, srv.URL)
	_, err := tr.TranslateLine(context.Background(), "Hello", "en", "fr")
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
	assert.False(t, IsFatal(err))
}

func TestLLMTranslator_AuthFailureIsFatal(t *testing.T) {
	srv := chatServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	tr := newTestTranslator(t, srv.URL)
	_, err := tr.TranslateLine(context.Background(), "Hello", "en", "fr")
	require.Error(t, err)
	assert.True(t, IsFatal(err))
	assert.False(t, IsRetryable(err))
}

func TestLLMTranslator_EmptyChoicesIsInvalidResponse(t *testing.T) {
	srv := chatServer(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"choices": []any{}})
	})

	tr := newTestTranslator(t, srv.URL)
	_, err := tr.TranslateLine(context.Background(), "Hello", "en", "fr")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidResponse))
}

func TestNewLLMTranslator_RequiresURLAndModel(t *testing.T) {
	_, err := NewLLMTranslator(LLMConfig{Model: "m"})
	require.Error(t, err)
	_, err = NewLLMTranslator(LLMConfig{APIURL: "http://x"})
	require.Error(t, err)
}

func TestAsBatch(t *testing.T) {
	tr := newTestTranslator(t, "http://localhost")
	b, ok := AsBatch(tr)
	require.True(t, ok)
	assert.Equal(t, "localai", b.Name())
}
