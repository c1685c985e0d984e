// Package notify defines the found-item event contract and bridges the Redis
// channel to WebSocket subscribers.
package notify

// TypeFoundItem is the event type published for every newly found item.
const TypeFoundItem = "found_item"

// FoundItemEvent is the JSON body published on the found_items channel.
// Consumers must re-check notification_sent on the row they load and skip if
// another consumer instance already handled it.
type FoundItemEvent struct {
	Type         string  `json:"type"`
	ItemID       int64   `json:"item_id"`
	TaskID       int64   `json:"task_id"`
	ItemName     string  `json:"item_name"`
	Price        float64 `json:"price"`
	MarketURL    *string `json:"market_url"`
	ItemDataJSON string  `json:"item_data_json"`
	TaskName     string  `json:"task_name"`
}
