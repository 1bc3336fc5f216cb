// Package discovery is the bootstrap-only capability detector: given an
// agent address, it lists the served model identifiers and infers a
// specialization. It is never consulted on the dispatch hot path.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/drover-dev/drover/pkg/models"
)

// Capabilities is the detector's answer for one address.
type Capabilities struct {
	// Models lists the model identifiers the endpoint serves.
	Models []string
	// Specialization is the inferred capability tag.
	Specialization models.Specialization
}

// Detector inspects an agent address during registration.
type Detector interface {
	Detect(ctx context.Context, address string) (*Capabilities, error)
}

// modelsPath is the listing endpoint relative to the agent address.
const modelsPath = "/v1/models"

// HTTPDetector queries a network agent's model listing endpoint.
type HTTPDetector struct {
	client *http.Client
}

// NewHTTP creates a detector with a bounded probe timeout.
func NewHTTP(timeout time.Duration) *HTTPDetector {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPDetector{client: &http.Client{Timeout: timeout}}
}

// modelsResponse is the wire format of the listing endpoint.
type modelsResponse struct {
	Models []string `json:"models"`
}

// Detect fetches the model list and infers a specialization from the model
// names. Endpoints serving no recognizable names come back as general.
func (d *HTTPDetector) Detect(ctx context.Context, address string) (*Capabilities, error) {
	url := strings.TrimRight(address, "/") + modelsPath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("detect %s: %w", address, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("detect %s: status %d", address, resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read model listing: %w", err)
	}
	var listing modelsResponse
	if err := json.Unmarshal(raw, &listing); err != nil {
		return nil, fmt.Errorf("decode model listing: %w", err)
	}

	return &Capabilities{
		Models:         listing.Models,
		Specialization: InferSpecialization(listing.Models),
	}, nil
}

// InferSpecialization maps model names onto the closed specialization set.
func InferSpecialization(modelNames []string) models.Specialization {
	for _, name := range modelNames {
		lower := strings.ToLower(name)
		switch {
		case strings.Contains(lower, "code") || strings.Contains(lower, "coder"):
			return models.SpecCode
		case strings.Contains(lower, "embed"):
			return models.SpecEmbedding
		case strings.Contains(lower, "reason") || strings.Contains(lower, "think"):
			return models.SpecReasoning
		}
	}
	return models.SpecGeneral
}

var _ Detector = (*HTTPDetector)(nil)
