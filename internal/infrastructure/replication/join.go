package replication

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// JoinRequest asks the leader to add a voter.
type JoinRequest struct {
	NodeID   string `json:"nodeId"`
	RaftAddr string `json:"raftAddr"`
}

// Join asks the node at endpoint to add this node as a voter, retrying until
// it succeeds, attempts run out, or ctx ends.
func Join(ctx context.Context, endpoint string, req JoinRequest, attempts int, delay time.Duration) error {
	url := strings.TrimRight(endpoint, "/") + "/v1/cluster/join"
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	if attempts <= 0 {
		attempts = 1
	}

	client := &http.Client{Timeout: 5 * time.Second}
	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		resp, err := client.Do(httpReq)
		if err != nil {
			lastErr = err
			continue
		}
		_ = resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("join returned status %d", resp.StatusCode)
	}
	if lastErr == nil {
		lastErr = errors.New("join failed")
	}
	return lastErr
}
