package fetcher

import (
	"encoding/json"
	"fmt"
)

// FloatRange bounds the wear value of a skin.
type FloatRange struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// PatternList restricts matches to specific paint seeds.
type PatternList struct {
	Patterns []int  `json:"patterns"`
	ItemType string `json:"item_type"` // "skin" or "keychain"
}

// StickerSlot describes a required sticker at a given position. Extra
// attributes (name, wear) pass through untouched.
type StickerSlot struct {
	Position int                    `json:"position"`
	Extra    map[string]interface{} `json:"-"`
}

func (s *StickerSlot) UnmarshalJSON(data []byte) error {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if pos, ok := raw["position"].(float64); ok {
		s.Position = int(pos)
	}
	delete(raw, "position")
	s.Extra = raw
	return nil
}

func (s StickerSlot) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(s.Extra)+1)
	for k, v := range s.Extra {
		out[k] = v
	}
	out["position"] = s.Position
	return json.Marshal(out)
}

// StickersFilter restricts matches by applied stickers and their prices.
type StickersFilter struct {
	MaxOverpayCoefficient *float64      `json:"max_overpay_coefficient"`
	MinStickersPrice      *float64      `json:"min_stickers_price"`
	Stickers              []StickerSlot `json:"stickers"`
	TotalStickersPriceMin *float64      `json:"total_stickers_price_min"`
	TotalStickersPriceMax *float64      `json:"total_stickers_price_max"`
}

// Filters is the structured search specification stored on a monitoring task
// and carried inside every queued job.
type Filters struct {
	ItemName                string          `json:"item_name"`
	AppID                   int             `json:"appid"`
	Currency                int             `json:"currency"`
	MaxPrice                *float64        `json:"max_price"`
	FloatRange              *FloatRange     `json:"float_range"`
	PatternList             *PatternList    `json:"pattern_list"`
	StickersFilter          *StickersFilter `json:"stickers_filter"`
	AutoUpdateBasePrice     bool            `json:"auto_update_base_price"`
	BasePriceUpdateInterval *int            `json:"base_price_update_interval"`
}

// filtersAlias avoids recursing into Filters.UnmarshalJSON.
type filtersAlias Filters

// UnmarshalJSON accepts both a JSON object and a JSON-encoded string holding
// an object. Historic rows stored the filters twice-encoded; both forms must
// decode to the same value.
func (f *Filters) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var inner string
		if err := json.Unmarshal(data, &inner); err != nil {
			return err
		}
		data = []byte(inner)
	}
	var a filtersAlias
	if err := json.Unmarshal(data, &a); err != nil {
		return fmt.Errorf("decode filters: %w", err)
	}
	*f = Filters(a)
	return nil
}

// ParseFilters decodes filters from raw bytes, tolerating the legacy
// string-wrapped encoding.
func ParseFilters(raw []byte) (Filters, error) {
	var f Filters
	if err := f.UnmarshalJSON(raw); err != nil {
		return Filters{}, err
	}
	return f, nil
}
