// Package fetcher defines the contract between the task-execution engine and
// the marketplace fetch layer. The engine leases a proxy, hands it to an
// ItemFetcher together with the task's filters, and classifies the outcome so
// the proxy pool can account for it.
package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
)

// Listing is one marketplace listing that matched the filters. Data carries
// the full parsed payload; its "listing_id" field (when present) is the
// identity used for deduplication downstream.
type Listing struct {
	ItemName  string
	Price     float64
	PriceText string
	MarketURL string
	Data      map[string]interface{}
}

// ListingID returns the listing identifier from the parsed payload, or ""
// when the payload carries none. Identifiers compare as strings regardless of
// how the upstream encoded them.
func (l *Listing) ListingID() string {
	if l.Data == nil {
		return ""
	}
	switch v := l.Data["listing_id"].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	}
	return ""
}

// EffectivePrice prefers the structured price over the display string.
func (l *Listing) EffectivePrice() float64 {
	if l.Price > 0 {
		return l.Price
	}
	// Display strings look like "45,30 pyb." or "$45.30"; take the first
	// numeric run and normalize the decimal separator.
	start, end := -1, -1
	for i, r := range l.PriceText {
		if (r >= '0' && r <= '9') || r == '.' || r == ',' {
			if start < 0 {
				start = i
			}
			end = i + 1
		} else if start >= 0 {
			break
		}
	}
	if start < 0 {
		return 0
	}
	cleaned := strings.ReplaceAll(l.PriceText[start:end], ",", ".")
	cleaned = strings.Trim(cleaned, ".")
	p, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0
	}
	return p
}

// DataJSON returns the parsed payload re-encoded as a JSON string, the form
// persisted on found_items rows.
func (l *Listing) DataJSON() string {
	if l.Data == nil {
		return "{}"
	}
	b, err := json.Marshal(l.Data)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// Fetch outcome kinds. The worker maps these onto proxy pool reports and
// broker ack decisions.
var (
	// ErrRateLimited reports an upstream 429 through the leased proxy.
	ErrRateLimited = errors.New("upstream rate limited")
	// ErrTransient reports a connection reset or timeout worth retrying on
	// another proxy within the same job attempt.
	ErrTransient = errors.New("upstream transient failure")
	// ErrHardFailure reports a dead host or auth rejection; the proxy must
	// not be retried.
	ErrHardFailure = errors.New("upstream hard failure")
	// ErrBadPayload reports ill-formed upstream data; the job succeeds with
	// zero matches.
	ErrBadPayload = errors.New("upstream payload unparseable")
)

// ItemFetcher retrieves listings matching a filter set through the given
// proxy URL. proxyURL may be empty when no proxy is available; the
// implementation decides whether a direct request is acceptable.
//
// Errors must wrap one of ErrRateLimited, ErrTransient, ErrHardFailure or
// ErrBadPayload so the caller can classify them.
type ItemFetcher interface {
	Fetch(ctx context.Context, filters Filters, proxyURL string) ([]Listing, error)
}
