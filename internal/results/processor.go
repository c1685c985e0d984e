// Package results turns matched listings into persisted found-item rows and
// fans notifications out on the Redis channel. Persistence is at-least-once;
// bus visibility is at-most-once per row.
package results

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/tyrannozavr/steamwatch/internal/fetcher"
	"github.com/tyrannozavr/steamwatch/internal/notify"
	"github.com/tyrannozavr/steamwatch/internal/observability"
	"github.com/tyrannozavr/steamwatch/internal/store"
)

// ItemTx is one atomic found-items write: dedupe lookups, inserts and the
// items_found counter bump commit together.
type ItemTx interface {
	HasListingID(ctx context.Context, taskID int64, listingID string) (bool, error)
	HasNamePrice(ctx context.Context, taskID int64, itemName string, price float64) (bool, error)
	Insert(ctx context.Context, item *store.FoundItem) (int64, error)
	IncrementItemsFound(ctx context.Context, taskID int64, n int) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context)
}

// TxOpener opens found-item transactions; satisfied by the per-job database
// session.
type TxOpener interface {
	BeginItems(ctx context.Context) (ItemTx, error)
}

// Marker flips notification_sent exactly once per row.
type Marker interface {
	MarkNotified(ctx context.Context, itemID int64, at time.Time) (bool, error)
}

// Publisher pushes serialized events onto the found_items channel.
type Publisher interface {
	PublishFoundItem(ctx context.Context, payload []byte) error
}

// Processor is the result pipeline shared by all jobs in a process.
type Processor struct {
	marker    Marker
	publisher Publisher
}

// NewProcessor creates a Processor.
func NewProcessor(marker Marker, publisher Publisher) *Processor {
	return &Processor{marker: marker, publisher: publisher}
}

// Process deduplicates listings against the task's existing rows and
// persists the new ones in one transaction, together with the items_found
// counter. Returns the newly inserted rows.
func (p *Processor) Process(ctx context.Context, db TxOpener, task *store.MonitoringTask, listings []fetcher.Listing) ([]*store.FoundItem, error) {
	if len(listings) == 0 {
		return nil, nil
	}

	tx, err := db.BeginItems(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	// A single parse can repeat a listing; dedupe within the batch too.
	seenIDs := make(map[string]bool)
	type namePrice struct {
		name  string
		price float64
	}
	seenFallback := make(map[namePrice]bool)

	var inserted []*store.FoundItem
	for i := range listings {
		l := &listings[i]
		price := l.EffectivePrice()
		listingID := l.ListingID()

		if listingID != "" {
			if seenIDs[listingID] {
				continue
			}
			exists, err := tx.HasListingID(ctx, task.ID, listingID)
			if err != nil {
				return nil, err
			}
			if exists {
				continue
			}
			seenIDs[listingID] = true
		} else {
			key := namePrice{l.ItemName, price}
			if seenFallback[key] {
				continue
			}
			exists, err := tx.HasNamePrice(ctx, task.ID, l.ItemName, price)
			if err != nil {
				return nil, err
			}
			if exists {
				continue
			}
			seenFallback[key] = true
		}

		item := &store.FoundItem{
			TaskID:    task.ID,
			ItemName:  l.ItemName,
			Price:     price,
			ItemData:  l.DataJSON(),
			MarketURL: l.MarketURL,
		}
		if _, err := tx.Insert(ctx, item); err != nil {
			return nil, err
		}
		inserted = append(inserted, item)
	}

	if len(inserted) == 0 {
		return nil, nil
	}
	if err := tx.IncrementItemsFound(ctx, task.ID, len(inserted)); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	observability.ItemsFound.Add(float64(len(inserted)))
	log.Printf("Results: task %d persisted %d new items (%d listings seen)", task.ID, len(inserted), len(listings))
	return inserted, nil
}

// Notify marks each row notified and publishes its event. The flag commits
// before the publish, so each row is published at most once; a row whose
// publish fails stays marked and is not republished. Returns how many
// events went out.
func (p *Processor) Notify(ctx context.Context, taskName string, items []*store.FoundItem) int {
	published := 0
	for _, item := range items {
		first, err := p.marker.MarkNotified(ctx, item.ID, time.Now().UTC())
		if err != nil {
			log.Printf("Results: failed to mark item %d notified: %v", item.ID, err)
			continue
		}
		if !first {
			// Another instance got there; its publish covers this row.
			continue
		}

		event := notify.FoundItemEvent{
			Type:         notify.TypeFoundItem,
			ItemID:       item.ID,
			TaskID:       item.TaskID,
			ItemName:     item.ItemName,
			Price:        item.Price,
			ItemDataJSON: item.ItemData,
			TaskName:     taskName,
		}
		if item.MarketURL != "" {
			event.MarketURL = &item.MarketURL
		}
		payload, err := json.Marshal(event)
		if err != nil {
			log.Printf("Results: failed to encode event for item %d: %v", item.ID, err)
			continue
		}
		if err := p.publisher.PublishFoundItem(ctx, payload); err != nil {
			// The row stays notification_sent=true; delivery is best-effort.
			log.Printf("Results: failed to publish event for item %d: %v", item.ID, err)
			continue
		}
		published++
		observability.NotificationsPublished.Inc()
	}
	return published
}

// ProcessAndNotify runs the full pipeline for one job.
func (p *Processor) ProcessAndNotify(ctx context.Context, db TxOpener, task *store.MonitoringTask, listings []fetcher.Listing) (int, error) {
	inserted, err := p.Process(ctx, db, task, listings)
	if err != nil {
		return 0, err
	}
	p.Notify(ctx, task.Name, inserted)
	return len(inserted), nil
}

// UnnotifiedLister feeds the startup sweep.
type UnnotifiedLister interface {
	ListUnnotified(ctx context.Context, limit int) ([]*store.FoundItem, map[int64]string, error)
}

// SweepUnnotified republishes rows whose event never made it onto the bus,
// typically after a crash between insert and publish.
func (p *Processor) SweepUnnotified(ctx context.Context, lister UnnotifiedLister, limit int) (int, error) {
	items, taskNames, err := lister.ListUnnotified(ctx, limit)
	if err != nil {
		return 0, err
	}
	if len(items) == 0 {
		return 0, nil
	}
	log.Printf("Results: sweeping %d unsent notifications", len(items))

	published := 0
	byTask := make(map[int64][]*store.FoundItem)
	for _, item := range items {
		byTask[item.TaskID] = append(byTask[item.TaskID], item)
	}
	for taskID, group := range byTask {
		published += p.Notify(ctx, taskNames[taskID], group)
	}
	return published, nil
}
