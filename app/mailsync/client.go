package mailsync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/repeater/v2"
)

// Thread is one inbound mail thread as returned by the mail API.
type Thread struct {
	ThreadID  string
	Sender    string
	Subject   string
	Preview   string
	Timestamp time.Time
}

// Client talks to the external mail API (AgentMail-style threads feed).
type Client struct {
	BaseURL string // e.g. https://api.agentmail.to/v0
	InboxID string // e.g. applicator@agentmail.to
	APIKey  string

	HTTPClient *http.Client
	Repeater   *repeater.Repeater
}

// NewClient makes a mail API client with sane timeouts and a backoff
// repeater for transient failures.
func NewClient(baseURL, inboxID, apiKey string) *Client {
	return &Client{
		BaseURL:    baseURL,
		InboxID:    inboxID,
		APIKey:     apiKey,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		Repeater:   repeater.NewBackoff(3, time.Second),
	}
}

// threadsResponse is the wire shape of the threads listing.
type threadsResponse struct {
	Threads []struct {
		ThreadID  string   `json:"thread_id"`
		Senders   []string `json:"senders"`
		Subject   string   `json:"subject"`
		Preview   string   `json:"preview"`
		Timestamp string   `json:"timestamp"`
	} `json:"threads"`
}

// RecentThreads lists inbox threads from the last window. The request is
// retried with backoff, the final error is returned to the caller who decides
// whether the failure is recoverable.
func (c *Client) RecentThreads(ctx context.Context, window time.Duration) ([]Thread, error) {
	since := time.Now().UTC().Add(-window)
	q := url.Values{}
	q.Set("since", since.Format(time.RFC3339))
	q.Set("limit", strconv.Itoa(100))
	reqURL := fmt.Sprintf("%s/inboxes/%s/threads?%s", c.BaseURL, url.PathEscape(c.InboxID), q.Encode())

	var resp threadsResponse
	err := c.Repeater.Do(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, http.NoBody)
		if err != nil {
			return fmt.Errorf("can't make threads request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
		req.Header.Set("Content-Type", "application/json")

		r, err := c.HTTPClient.Do(req)
		if err != nil {
			return fmt.Errorf("threads request failed: %w", err)
		}
		defer r.Body.Close()
		if r.StatusCode != http.StatusOK {
			return fmt.Errorf("threads request returned %s", r.Status)
		}
		resp = threadsResponse{}
		if err := json.NewDecoder(r.Body).Decode(&resp); err != nil {
			return fmt.Errorf("can't decode threads response: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	res := make([]Thread, 0, len(resp.Threads))
	for _, t := range resp.Threads {
		th := Thread{ThreadID: t.ThreadID, Subject: t.Subject, Preview: t.Preview}
		if len(t.Senders) > 0 {
			th.Sender = t.Senders[0]
		}
		if t.Timestamp != "" {
			ts, err := time.Parse(time.RFC3339, t.Timestamp)
			if err != nil {
				log.Printf("[DEBUG] unparsable thread timestamp %q: %v", t.Timestamp, err)
			} else {
				th.Timestamp = ts
			}
		}
		res = append(res, th)
	}
	return res, nil
}
