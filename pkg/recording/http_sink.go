package recording

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPSink uploads a finalized Recording as a JSON POST to a collector
// endpoint (spec §6: "a POST to /recordings of the JSON finalized
// recording"). It is the Sink RetryQueue falls back to persisting for.
type HTTPSink struct {
	url    string
	client *http.Client
}

// NewHTTPSink returns an HTTPSink posting to url.
func NewHTTPSink(url string) *HTTPSink {
	return &HTTPSink{url: url, client: &http.Client{Timeout: 10 * time.Second}}
}

// Upload implements Sink.
func (s *HTTPSink) Upload(ctx context.Context, rec Recording) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("%w: %v", errPersistence, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", errPersistence, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", errPersistence, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("%w: collector returned %s", errPersistence, resp.Status)
	}
	return nil
}
