package ai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conceptforge/conceptforge/internal/config"
	"github.com/conceptforge/conceptforge/internal/domain"
)

func newTestClient(srv *httptest.Server) *Client {
	return New(config.Config{
		ProviderBaseURL: srv.URL,
		ProviderAPIKey:  "test-key",
		ProviderTimeout: 2 * time.Second,
	})
}

func TestSuggestPalettes(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/palettes/suggest", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		var req paletteSuggestRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, 2, req.Count)
		// One more palette than asked for; the client truncates.
		_ = json.NewEncoder(w).Encode(paletteSuggestResponse{Palettes: []domain.Palette{
			{Name: "Forest", Colors: []string{"#0B3D0B", "#2E8B57", "#88C999", "#C8E6C9", "#F5F5DC"}},
			{Name: "Ember", Colors: []string{"#3B0A0A", "#8B2500", "#D2691E", "#F4A460", "#FFF5EE"}},
			{Name: "Extra", Colors: []string{"#000000", "#111111", "#222222", "#333333", "#444444"}},
		}})
	}))
	defer srv.Close()

	got, err := newTestClient(srv).SuggestPalettes(context.Background(), "fox", "forest", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "Forest", got[0].Name)
}

func TestSuggestPalettes_EmptySetIsRejected(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(paletteSuggestResponse{})
	}))
	defer srv.Close()

	_, err := newTestClient(srv).SuggestPalettes(context.Background(), "fox", "forest", 2)
	assert.ErrorIs(t, err, domain.ErrProviderRejected)
}

func TestGenerate_DecodesImage(t *testing.T) {
	t.Parallel()
	raw := []byte("fake image bytes")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/images/generate", r.URL.Path)
		var req generateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, []string{"#112233"}, req.PaletteColors)
		_ = json.NewEncoder(w).Encode(imageResponse{ImageB64: base64.StdEncoding.EncodeToString(raw)})
	}))
	defer srv.Close()

	got, err := newTestClient(srv).Generate(context.Background(), domain.GenerateRequest{
		LogoDescription:  "fox",
		ThemeDescription: "forest",
		PaletteColors:    []string{"#112233"},
	})
	require.NoError(t, err)
	assert.Equal(t, raw, got)
}

func TestRefine_SendsBase64Image(t *testing.T) {
	t.Parallel()
	base := []byte{0x89, 0x50, 0x4E, 0x47}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/images/refine", r.URL.Path)
		var req refineRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, base64.StdEncoding.EncodeToString(base), req.ImageB64)
		assert.Equal(t, "bolder", req.Instructions)
		_ = json.NewEncoder(w).Encode(imageResponse{ImageB64: base64.StdEncoding.EncodeToString([]byte("refined"))})
	}))
	defer srv.Close()

	got, err := newTestClient(srv).Refine(context.Background(), domain.RefineRequest{
		BaseImage:    base,
		Instructions: "bolder",
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("refined"), got)
}

func TestDoJSON_ClientErrorIsPermanent(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, "prompt violates content policy", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	_, err := newTestClient(srv).Generate(context.Background(), domain.GenerateRequest{LogoDescription: "x"})
	assert.ErrorIs(t, err, domain.ErrProviderRejected)
	// Rejections are not retried.
	assert.Equal(t, int32(1), calls.Load())
}

func TestDoJSON_RateLimitRetriesThenSucceeds(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "slow down", http.StatusTooManyRequests)
			return
		}
		_ = json.NewEncoder(w).Encode(imageResponse{ImageB64: base64.StdEncoding.EncodeToString([]byte("ok"))})
	}))
	defer srv.Close()

	got, err := newTestClient(srv).Generate(context.Background(), domain.GenerateRequest{LogoDescription: "x"})
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), got)
	assert.GreaterOrEqual(t, calls.Load(), int32(2))
}
