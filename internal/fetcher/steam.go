package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

const (
	marketBaseURL   = "https://steamcommunity.com/market"
	fetchTimeout    = 30 * time.Second
	maxRenderCount  = 100
	defaultAppID    = 730
	defaultCurrency = 1
)

// SteamFetcher is the default ItemFetcher against the Steam Community Market
// listings render endpoint. It is deliberately thin: filtering beyond price
// happens upstream of this process or in later enrichment, and the engine
// treats the fetcher as a replaceable capability.
type SteamFetcher struct {
	userAgent string
}

func NewSteamFetcher() *SteamFetcher {
	return &SteamFetcher{
		userAgent: "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36",
	}
}

type renderResponse struct {
	Success    bool            `json:"success"`
	TotalCount int             `json:"total_count"`
	ListingInfo json.RawMessage `json:"listinginfo"`
}

type listingInfo struct {
	ListingID     string  `json:"listingid"`
	ConvertedPrice float64 `json:"converted_price"`
	ConvertedFee   float64 `json:"converted_fee"`
	Asset         struct {
		ID string `json:"id"`
	} `json:"asset"`
}

// Fetch pulls the current listings page for the filter's item through the
// given proxy and returns listings that pass the max_price cut.
func (s *SteamFetcher) Fetch(ctx context.Context, filters Filters, proxyURL string) ([]Listing, error) {
	client, err := s.client(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHardFailure, err)
	}

	appID := filters.AppID
	if appID == 0 {
		appID = defaultAppID
	}
	currency := filters.Currency
	if currency == 0 {
		currency = defaultCurrency
	}

	endpoint := fmt.Sprintf("%s/listings/%d/%s/render/?start=0&count=%d&currency=%d&format=json",
		marketBaseURL, appID, url.PathEscape(filters.ItemName), maxRenderCount, currency)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	req.Header.Set("User-Agent", s.userAgent)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: status 429", ErrRateLimited)
	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusProxyAuthRequired:
		return nil, fmt.Errorf("%w: status %d", ErrHardFailure, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: status %d", ErrTransient, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}

	var render renderResponse
	if err := json.Unmarshal(body, &render); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	if !render.Success {
		return nil, fmt.Errorf("%w: success=false", ErrBadPayload)
	}
	if len(render.ListingInfo) == 0 || string(render.ListingInfo) == "[]" {
		return nil, nil
	}

	var infos map[string]listingInfo
	if err := json.Unmarshal(render.ListingInfo, &infos); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}

	listings := make([]Listing, 0, len(infos))
	for id, info := range infos {
		price := (info.ConvertedPrice + info.ConvertedFee) / 100
		if filters.MaxPrice != nil && price > *filters.MaxPrice {
			continue
		}
		listings = append(listings, Listing{
			ItemName:  filters.ItemName,
			Price:     price,
			MarketURL: fmt.Sprintf("%s/listings/%d/%s", marketBaseURL, appID, url.PathEscape(filters.ItemName)),
			Data: map[string]interface{}{
				"listing_id": id,
				"asset_id":   info.Asset.ID,
				"price":      price,
			},
		})
	}
	return listings, nil
}

func (s *SteamFetcher) client(proxyURL string) (*http.Client, error) {
	transport := &http.Transport{}
	if proxyURL != "" {
		u, err := url.Parse(proxyURL)
		if err != nil {
			return nil, err
		}
		transport.Proxy = http.ProxyURL(u)
	}
	return &http.Client{Transport: transport, Timeout: fetchTimeout}, nil
}
