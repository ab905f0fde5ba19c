package costfeed

import "time"

// CostRecord is a single billing line item in a feed response
type CostRecord struct {
	Service   string            `json:"service"`
	Timestamp time.Time         `json:"timestamp"`
	Amount    float64           `json:"amount"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// CostsResponse is the billing feed list response
type CostsResponse struct {
	Records []CostRecord `json:"records"`

	// NextPageToken is set when more records are available
	NextPageToken string `json:"next_page_token,omitempty"`
}
