package decision

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// HTTPService calls a decision service over HTTP: the request is POSTed as
// JSON and the response body is returned raw for the Client to validate.
type HTTPService struct {
	endpoint string
	client   *http.Client
}

// NewHTTPService creates an HTTPService for the given endpoint. The Client's
// per-call timeout governs the request via context; the http.Client itself
// carries no timeout.
func NewHTTPService(endpoint string) *HTTPService {
	return &HTTPService{endpoint: endpoint, client: &http.Client{}}
}

func (s *HTTPService) Decide(ctx context.Context, req Request) (json.RawMessage, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal decision request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build decision request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read decision response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("decision service returned %d", resp.StatusCode)
	}
	return data, nil
}
