package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/vocalys/rdv-platform/pkg/logging"
)

// Subscription is the provider subscription shape the sync cares about.
type Subscription struct {
	ID                 string            `json:"id"`
	Customer           string            `json:"customer"`
	Status             string            `json:"status"`
	CurrentPeriodStart int64             `json:"current_period_start"`
	CurrentPeriodEnd   int64             `json:"current_period_end"`
	TrialEnd           int64             `json:"trial_end"`
	Metadata           map[string]string `json:"metadata"`
	Items              struct {
		Data []SubscriptionItem `json:"data"`
	} `json:"items"`
}

// SubscriptionItem is one price line of a subscription.
type SubscriptionItem struct {
	ID    string `json:"id"`
	Price struct {
		Nickname  string `json:"nickname"`
		LookupKey string `json:"lookup_key"`
		Recurring struct {
			UsageType string `json:"usage_type"`
		} `json:"recurring"`
	} `json:"price"`
}

// Plan returns the plan name of the first licensed item.
func (s *Subscription) Plan() string {
	for _, item := range s.Items.Data {
		if item.Price.Recurring.UsageType == "metered" {
			continue
		}
		if item.Price.LookupKey != "" {
			return item.Price.LookupKey
		}
		if item.Price.Nickname != "" {
			return item.Price.Nickname
		}
	}
	return ""
}

// MeteredItemID returns the subscription item usage records are pushed
// against, or empty when the plan has no metered component.
func (s *Subscription) MeteredItemID() string {
	for _, item := range s.Items.Data {
		if item.Price.Recurring.UsageType == "metered" {
			return item.ID
		}
	}
	return ""
}

// StripeClient talks to the payment provider API directly. Only the two
// operations the sync needs are implemented.
type StripeClient struct {
	secretKey  string
	baseURL    string
	httpClient *http.Client
	logger     *logging.Logger
}

// NewStripeClient creates the API client.
func NewStripeClient(secretKey string, logger *logging.Logger) *StripeClient {
	if logger == nil {
		logger = logging.Default()
	}
	return &StripeClient{
		secretKey:  secretKey,
		baseURL:    "https://api.stripe.com",
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
}

// WithBaseURL overrides the API base URL (for testing).
func (c *StripeClient) WithBaseURL(baseURL string) *StripeClient {
	if baseURL != "" {
		c.baseURL = strings.TrimRight(baseURL, "/")
	}
	return c
}

// GetSubscription fetches a subscription with its items expanded.
func (c *StripeClient) GetSubscription(ctx context.Context, id string) (*Subscription, error) {
	u := fmt.Sprintf("%s/v1/subscriptions/%s?expand[]=items.data.price", c.baseURL, url.PathEscape(id))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("billing: subscription request failed: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("billing: subscription fetch failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("billing: subscription read failed: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("billing: subscription fetch returned %d: %s", resp.StatusCode, truncate(body, 200))
	}

	var sub Subscription
	if err := json.Unmarshal(body, &sub); err != nil {
		return nil, fmt.Errorf("billing: subscription decode failed: %w", err)
	}
	return &sub, nil
}

// PushUsage sets the usage record for a metered subscription item. The
// action is "set" so a replayed push is idempotent on the provider side.
func (c *StripeClient) PushUsage(ctx context.Context, itemID string, quantity int64, ts time.Time) error {
	form := url.Values{}
	form.Set("quantity", strconv.FormatInt(quantity, 10))
	form.Set("timestamp", strconv.FormatInt(ts.Unix(), 10))
	form.Set("action", "set")

	u := fmt.Sprintf("%s/v1/subscription_items/%s/usage_records", c.baseURL, url.PathEscape(itemID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("billing: usage request failed: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("billing: usage push failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return fmt.Errorf("billing: usage push returned %d: %s", resp.StatusCode, truncate(body, 200))
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
