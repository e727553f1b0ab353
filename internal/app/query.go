package app

import (
	"context"
	"fmt"

	"triagedeck/internal/cursor"
	"triagedeck/pkg/domain"
	"triagedeck/pkg/store"
)

const (
	itemsDefaultLimit = 100
	itemsMaxLimit     = 200

	decisionsDefaultLimit = 500
	decisionsMaxLimit     = 2000

	exportsDefaultLimit = 50
	exportsMaxLimit     = 100
)

// ItemView is an item with browser-usable URLs.
type ItemView struct {
	ItemID     string         `json:"item_id"`
	ExternalID string         `json:"external_id"`
	MediaType  string         `json:"media_type"`
	URI        string         `json:"uri"`
	Variants   []VariantView  `json:"variants"`
	Metadata   map[string]any `json:"metadata"`
}

type VariantView struct {
	VariantKey string         `json:"variant_key"`
	Label      string         `json:"label"`
	URI        string         `json:"uri"`
	SortOrder  int            `json:"sort_order"`
	Metadata   map[string]any `json:"metadata"`
}

// ItemsPage is one page of the items view.
type ItemsPage struct {
	Items      []ItemView `json:"items"`
	NextCursor string     `json:"next_cursor,omitempty"`
}

// ListItems pages live items with variants, resolving every media URI.
func (a *App) ListItems(ctx context.Context, pc ProjectContext, cursorToken string, limit int) (ItemsPage, error) {
	after, err := a.decodeCursor(cursor.ViewItems, cursorToken)
	if err != nil {
		return ItemsPage{}, err
	}
	var key *store.ItemKey
	if after != nil {
		key = &store.ItemKey{SortKey: after.SortKey, ItemID: after.ID}
	}
	limit = clampLimit(limit, itemsDefaultLimit, itemsMaxLimit)
	items, err := a.store.ListItems(ctx, pc.Project.ID, key, limit)
	if err != nil {
		return ItemsPage{}, fmt.Errorf("list items: %w", err)
	}
	page := ItemsPage{Items: make([]ItemView, 0, len(items))}
	for _, it := range items {
		view, err := a.itemView(ctx, it)
		if err != nil {
			return ItemsPage{}, err
		}
		page.Items = append(page.Items, view)
	}
	if len(items) > 0 {
		last := items[len(items)-1]
		token, err := a.cursors.Encode(cursor.ViewItems, cursor.Key{SortKey: last.SortKey, ID: last.ID})
		if err != nil {
			return ItemsPage{}, fmt.Errorf("encode cursor: %w", err)
		}
		page.NextCursor = token
	}
	return page, nil
}

// GetItem hydrates one item for deep links.
func (a *App) GetItem(ctx context.Context, pc ProjectContext, itemID string) (ItemView, error) {
	item, found, err := a.store.GetItem(ctx, pc.Project.ID, itemID)
	if err != nil {
		return ItemView{}, fmt.Errorf("get item: %w", err)
	}
	if !found {
		return ItemView{}, NotFound()
	}
	return a.itemView(ctx, item)
}

func (a *App) itemView(ctx context.Context, it domain.Item) (ItemView, error) {
	resolved, err := a.resolver.Resolve(ctx, it.URI, a.signedURLTTL)
	if err != nil {
		return ItemView{}, fmt.Errorf("resolve item uri: %w", err)
	}
	view := ItemView{
		ItemID:     it.ID,
		ExternalID: it.ExternalID,
		MediaType:  string(it.MediaType),
		URI:        resolved.URL,
		Variants:   make([]VariantView, 0, len(it.Variants)),
		Metadata:   it.Metadata,
	}
	for _, v := range it.Variants {
		rv, err := a.resolver.Resolve(ctx, v.URI, a.signedURLTTL)
		if err != nil {
			return ItemView{}, fmt.Errorf("resolve variant uri: %w", err)
		}
		view.Variants = append(view.Variants, VariantView{
			VariantKey: v.VariantKey,
			Label:      v.Label,
			URI:        rv.URL,
			SortOrder:  v.SortOrder,
			Metadata:   v.Metadata,
		})
	}
	return view, nil
}

// URLRefresh is the signed-URL refresh payload.
type URLRefresh struct {
	ItemID    string `json:"item_id"`
	URI       string `json:"uri"`
	ExpiresAt int64  `json:"expires_at"`
}

// RefreshURL re-resolves the media URL for an item or one of its
// variants. Unknown variant keys are a 404.
func (a *App) RefreshURL(ctx context.Context, pc ProjectContext, itemID, variantKey string) (URLRefresh, error) {
	item, found, err := a.store.GetItem(ctx, pc.Project.ID, itemID)
	if err != nil {
		return URLRefresh{}, fmt.Errorf("get item: %w", err)
	}
	if !found {
		return URLRefresh{}, NotFound()
	}
	logicalURI := item.URI
	if variantKey != "" {
		logicalURI = ""
		for _, v := range item.Variants {
			if v.VariantKey == variantKey {
				logicalURI = v.URI
				break
			}
		}
		if logicalURI == "" {
			return URLRefresh{}, NotFound()
		}
	}
	resolved, err := a.resolver.Resolve(ctx, logicalURI, a.signedURLTTL)
	if err != nil {
		return URLRefresh{}, fmt.Errorf("resolve uri: %w", err)
	}
	return URLRefresh{ItemID: itemID, URI: resolved.URL, ExpiresAt: resolved.ExpiresAt}, nil
}

// DecisionView is one row of the caller's latest-decision listing.
type DecisionView struct {
	ItemID     string `json:"item_id"`
	DecisionID string `json:"decision_id"`
	Note       string `json:"note"`
	TsClient   int64  `json:"ts_client"`
	TsServer   int64  `json:"ts_server"`
	EventID    string `json:"event_id"`
}

// DecisionsPage is one page of the decisions view.
type DecisionsPage struct {
	Decisions  []DecisionView `json:"decisions"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

// ListDecisions pages the caller's own latest decisions.
func (a *App) ListDecisions(ctx context.Context, pc ProjectContext, callerID, cursorToken string, limit int) (DecisionsPage, error) {
	after, err := a.decodeCursor(cursor.ViewDecisions, cursorToken)
	if err != nil {
		return DecisionsPage{}, err
	}
	var key *store.LatestKey
	if after != nil {
		key = &store.LatestKey{TsServer: after.Ts, ItemID: after.ID}
	}
	limit = clampLimit(limit, decisionsDefaultLimit, decisionsMaxLimit)
	rows, err := a.store.ListLatest(ctx, pc.Project.ID, callerID, key, limit)
	if err != nil {
		return DecisionsPage{}, fmt.Errorf("list decisions: %w", err)
	}
	page := DecisionsPage{Decisions: make([]DecisionView, 0, len(rows))}
	for _, r := range rows {
		page.Decisions = append(page.Decisions, DecisionView{
			ItemID:     r.ItemID,
			DecisionID: r.DecisionID,
			Note:       r.Note,
			TsClient:   r.TsClient,
			TsServer:   r.TsServer,
			EventID:    r.EventID,
		})
	}
	if len(rows) > 0 {
		last := rows[len(rows)-1]
		token, err := a.cursors.Encode(cursor.ViewDecisions, cursor.Key{Ts: last.TsServer, ID: last.ItemID})
		if err != nil {
			return DecisionsPage{}, fmt.Errorf("encode cursor: %w", err)
		}
		page.NextCursor = token
	}
	return page, nil
}
