package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/chirpneighbors/coordinator/internal/breaker"
	"github.com/chirpneighbors/coordinator/internal/clock"
)

// Classification is the classifier's verdict for one clip.
type Classification struct {
	SpeciesCode    string  `json:"species_code"`
	CommonName     string  `json:"common_name"`
	ScientificName string  `json:"scientific_name"`
	Confidence     float64 `json:"confidence"`
}

// Classifier identifies a bird species from clip bytes.
type Classifier interface {
	Classify(ctx context.Context, requestID string, clip []byte, contentType string) (*Classification, error)
}

// HTTPClassifier talks to the classifier service: POST {base}/classify with a
// multipart audio_file. The request id (derived from the capture id) lets the
// collaborator dedupe retried calls.
type HTTPClassifier struct {
	baseURL string
	caller  *caller
}

// DefaultClassifierDeadline is the total budget for one classification.
const DefaultClassifierDeadline = 5 * time.Second

// NewHTTPClassifier builds the client with its own breaker.
func NewHTTPClassifier(baseURL string, policy Policy, hc *http.Client, clk clock.Clock) *HTTPClassifier {
	policy.applyDefaults(DefaultClassifierDeadline)
	brk := breaker.New(breaker.Config{Name: "classifier"}, clk)
	return &HTTPClassifier{
		baseURL: strings.TrimRight(baseURL, "/"),
		caller:  newCaller("classifier", policy, hc, brk),
	}
}

// Breaker exposes the classifier's breaker for metrics.
func (c *HTTPClassifier) Breaker() *breaker.Breaker { return c.caller.breaker }

func (c *HTTPClassifier) Classify(ctx context.Context, requestID string, clip []byte, contentType string) (*Classification, error) {
	body, err := c.caller.do(ctx, func(ctx context.Context) (*http.Request, error) {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		part, err := mw.CreateFormFile("audio_file", "clip"+extForAudio(contentType))
		if err != nil {
			return nil, err
		}
		if _, err := part.Write(clip); err != nil {
			return nil, err
		}
		if err := mw.Close(); err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/classify", &buf)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", mw.FormDataContentType())
		req.Header.Set("X-Request-ID", requestID)
		return req, nil
	})
	if err != nil {
		return nil, err
	}

	var result Classification
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, &Error{Kind: KindMalformed, Target: "classifier", cause: err}
	}
	if result.SpeciesCode == "" {
		return nil, &Error{Kind: KindMalformed, Target: "classifier"}
	}
	return &result, nil
}

func extForAudio(contentType string) string {
	switch contentType {
	case "audio/mpeg", "audio/mp3":
		return ".mp3"
	case "audio/flac", "audio/x-flac":
		return ".flac"
	case "audio/ogg":
		return ".ogg"
	default:
		return ".wav"
	}
}
