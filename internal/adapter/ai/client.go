// Package ai implements the image provider client. The provider is an
// opaque HTTP service that renders and refines images from prompts; calls
// can take minutes and transient failures are retried with backoff.
package ai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"

	"github.com/conceptforge/conceptforge/internal/adapter/observability"
	"github.com/conceptforge/conceptforge/internal/config"
	"github.com/conceptforge/conceptforge/internal/domain"
)

// Client talks to the image provider's JSON API.
type Client struct {
	baseURL string
	apiKey  string
	hc      *http.Client
}

// New constructs a provider client with the configured call budget.
func New(cfg config.Config) *Client {
	return &Client{
		baseURL: cfg.ProviderBaseURL,
		apiKey:  cfg.ProviderAPIKey,
		hc:      &http.Client{Timeout: cfg.ProviderTimeout},
	}
}

type paletteSuggestRequest struct {
	LogoDescription  string `json:"logo_description"`
	ThemeDescription string `json:"theme_description"`
	Count            int    `json:"count"`
}

type paletteSuggestResponse struct {
	Palettes []domain.Palette `json:"palettes"`
}

type generateRequest struct {
	LogoDescription  string   `json:"logo_description"`
	ThemeDescription string   `json:"theme_description"`
	PaletteColors    []string `json:"palette_colors,omitempty"`
}

type refineRequest struct {
	ImageB64                string   `json:"image_b64"`
	Instructions            string   `json:"instructions"`
	PreserveAspects         []string `json:"preserve_aspects,omitempty"`
	UpdatedLogoDescription  string   `json:"updated_logo_description,omitempty"`
	UpdatedThemeDescription string   `json:"updated_theme_description,omitempty"`
}

type imageResponse struct {
	ImageB64 string `json:"image_b64"`
}

// SuggestPalettes asks the provider for n named palettes, colors only.
func (c *Client) SuggestPalettes(ctx context.Context, logoDesc, themeDesc string, n int) ([]domain.Palette, error) {
	tracer := otel.Tracer("ai.provider")
	ctx, span := tracer.Start(ctx, "provider.SuggestPalettes")
	defer span.End()

	var resp paletteSuggestResponse
	err := c.doJSON(ctx, "suggest_palettes", "/v1/palettes/suggest",
		paletteSuggestRequest{LogoDescription: logoDesc, ThemeDescription: themeDesc, Count: n}, &resp)
	if err != nil {
		return nil, err
	}
	if len(resp.Palettes) == 0 {
		return nil, fmt.Errorf("op=provider.suggest_palettes: empty palette set: %w", domain.ErrProviderRejected)
	}
	if len(resp.Palettes) > n {
		resp.Palettes = resp.Palettes[:n]
	}
	return resp.Palettes, nil
}

// Generate renders a fresh image, honoring the optional palette.
func (c *Client) Generate(ctx context.Context, req domain.GenerateRequest) ([]byte, error) {
	tracer := otel.Tracer("ai.provider")
	ctx, span := tracer.Start(ctx, "provider.Generate")
	defer span.End()

	var resp imageResponse
	err := c.doJSON(ctx, "generate", "/v1/images/generate", generateRequest{
		LogoDescription:  req.LogoDescription,
		ThemeDescription: req.ThemeDescription,
		PaletteColors:    req.PaletteColors,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return decodeImage(resp.ImageB64, "generate")
}

// Refine reworks an existing image per the instructions.
func (c *Client) Refine(ctx context.Context, req domain.RefineRequest) ([]byte, error) {
	tracer := otel.Tracer("ai.provider")
	ctx, span := tracer.Start(ctx, "provider.Refine")
	defer span.End()

	var resp imageResponse
	err := c.doJSON(ctx, "refine", "/v1/images/refine", refineRequest{
		ImageB64:                base64.StdEncoding.EncodeToString(req.BaseImage),
		Instructions:            req.Instructions,
		PreserveAspects:         req.PreserveAspects,
		UpdatedLogoDescription:  req.UpdatedLogoDescription,
		UpdatedThemeDescription: req.UpdatedThemeDescription,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return decodeImage(resp.ImageB64, "refine")
}

func decodeImage(b64, op string) ([]byte, error) {
	if b64 == "" {
		return nil, fmt.Errorf("op=provider.%s: empty image: %w", op, domain.ErrProviderRejected)
	}
	b, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("op=provider.%s: image decode: %v: %w", op, err, domain.ErrProviderRejected)
	}
	return b, nil
}

// doJSON posts the request body and decodes the response, retrying
// transient failures (network, 429, 5xx) with exponential backoff. A 4xx
// other than 429 means the provider rejected the prompt: permanent.
func (c *Client) doJSON(ctx context.Context, op, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("op=provider.%s: marshal: %w", op, err)
	}

	attempt := func() error {
		start := time.Now()
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("op=provider.%s: %w", op, err))
		}
		req.Header.Set("Content-Type", "application/json")
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}
		resp, err := c.hc.Do(req)
		observability.ProviderRequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
		if err != nil {
			observability.ProviderRequestsTotal.WithLabelValues(op, "transient").Inc()
			return fmt.Errorf("op=provider.%s: %v: %w", op, err, domain.ErrProviderTransient)
		}
		defer func() { _ = resp.Body.Close() }()

		switch {
		case resp.StatusCode == http.StatusOK:
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			observability.ProviderRequestsTotal.WithLabelValues(op, "transient").Inc()
			return fmt.Errorf("op=provider.%s: status %d: %w", op, resp.StatusCode, domain.ErrProviderTransient)
		default:
			observability.ProviderRequestsTotal.WithLabelValues(op, "rejected").Inc()
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return backoff.Permanent(fmt.Errorf("op=provider.%s: status %d: %s: %w", op, resp.StatusCode, msg, domain.ErrProviderRejected))
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			observability.ProviderRequestsTotal.WithLabelValues(op, "transient").Inc()
			return fmt.Errorf("op=provider.%s: decode: %v: %w", op, err, domain.ErrProviderTransient)
		}
		observability.ProviderRequestsTotal.WithLabelValues(op, "ok").Inc()
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 2 * time.Second
	bo.MaxInterval = 20 * time.Second
	bo.MaxElapsedTime = 3 * time.Minute
	return backoff.Retry(attempt, backoff.WithContext(bo, ctx))
}
