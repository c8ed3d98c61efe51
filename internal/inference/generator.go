package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/chirpneighbors/coordinator/internal/breaker"
	"github.com/chirpneighbors/coordinator/internal/clock"
)

// Artwork is the generator's output for one species.
type Artwork struct {
	ImageURL string  `json:"image_url"`
	GIFURL   *string `json:"gif_url,omitempty"`
}

// Generator produces visual art for a species.
type Generator interface {
	Generate(ctx context.Context, requestID, speciesCode, commonName, scientificName string) (*Artwork, error)
}

// HTTPGenerator talks to the art generation service: POST {base}/generate.
type HTTPGenerator struct {
	baseURL string
	caller  *caller
}

// DefaultGeneratorDeadline is longer than the classifier's because image
// synthesis is slow.
const DefaultGeneratorDeadline = 15 * time.Second

// NewHTTPGenerator builds the client with its own breaker.
func NewHTTPGenerator(baseURL string, policy Policy, hc *http.Client, clk clock.Clock) *HTTPGenerator {
	policy.applyDefaults(DefaultGeneratorDeadline)
	brk := breaker.New(breaker.Config{Name: "generator"}, clk)
	return &HTTPGenerator{
		baseURL: strings.TrimRight(baseURL, "/"),
		caller:  newCaller("generator", policy, hc, brk),
	}
}

// Breaker exposes the generator's breaker for metrics.
func (g *HTTPGenerator) Breaker() *breaker.Breaker { return g.caller.breaker }

func (g *HTTPGenerator) Generate(ctx context.Context, requestID, speciesCode, commonName, scientificName string) (*Artwork, error) {
	payload, err := json.Marshal(map[string]string{
		"species_code":    speciesCode,
		"common_name":     commonName,
		"scientific_name": scientificName,
		"request_id":      requestID,
	})
	if err != nil {
		return nil, &Error{Kind: KindTransport, Target: "generator", cause: err}
	}

	body, err := g.caller.do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/generate", bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Request-ID", requestID)
		return req, nil
	})
	if err != nil {
		return nil, err
	}

	var art Artwork
	if err := json.Unmarshal(body, &art); err != nil {
		return nil, &Error{Kind: KindMalformed, Target: "generator", cause: err}
	}
	if art.ImageURL == "" {
		return nil, &Error{Kind: KindMalformed, Target: "generator"}
	}
	return &art, nil
}
