// Package media resolves content identifiers into displayable image URLs.
//
// Resolution never fails: a lookup error falls back to the last known good
// URL (in process first, then the optional database cache) and finally to
// the empty string, which callers turn into [PlaceholderURL].
package media

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/matt-riley/signcast/internal/client"
	"github.com/matt-riley/signcast/internal/repository"
)

// PlaceholderURL is shown whenever no better image is known.
const PlaceholderURL = "https://picsum.photos/seed/default/1920/1080"

// DefaultGenericImage is the category-agnostic city slide fallback.
const DefaultGenericImage = "https://picsum.photos/seed/food/1920/1080"

// defaultContentID names the rule service's "nothing selected" content.
const defaultContentID = "default"

// Lookup sources reported to the recorder.
const (
	SourceRemote      = "remote"
	SourceMemo        = "memo"
	SourceCache       = "cache"
	SourcePlaceholder = "placeholder"
	SourceMiss        = "miss"
)

// Lookup resolves a target's image URL remotely.
type Lookup interface {
	MediaURL(ctx context.Context, storeID, targetID string) (string, error)
}

// Cache persists last known good URLs across restarts.
type Cache interface {
	GetMediaURL(ctx context.Context, storeID, targetID string) (repository.MediaEntry, error)
	PutMediaURL(ctx context.Context, entry repository.MediaEntry) (repository.MediaEntry, error)
}

// Resolver maps content ids to image URLs. It is safe for concurrent use.
type Resolver struct {
	lookup        Lookup
	cache         Cache
	logger        *slog.Logger
	record        func(source string)
	categoryImage func(targetID string) string
	genericImage  string

	mu   sync.RWMutex
	memo map[repository.MediaKey]string
}

// Option configures a [Resolver].
type Option func(*Resolver)

// WithCache enables the persistent last known good cache.
func WithCache(cache Cache) Option {
	return func(r *Resolver) {
		r.cache = cache
	}
}

// WithLogger sets the resolver's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithLookupRecorder registers a callback invoked with the source of every
// content image resolution.
func WithLookupRecorder(record func(source string)) Option {
	return func(r *Resolver) {
		r.record = record
	}
}

// WithCategoryImage overrides how a target id maps to a category image.
func WithCategoryImage(fn func(targetID string) string) Option {
	return func(r *Resolver) {
		if fn != nil {
			r.categoryImage = fn
		}
	}
}

// WithGenericImage overrides the generic category image. An empty url skips
// straight to the placeholder.
func WithGenericImage(url string) Option {
	return func(r *Resolver) {
		r.genericImage = url
	}
}

// NewResolver creates a resolver backed by lookup.
func NewResolver(lookup Lookup, opts ...Option) *Resolver {
	r := &Resolver{
		lookup:        lookup,
		logger:        slog.Default(),
		categoryImage: CategoryImage,
		genericImage:  DefaultGenericImage,
		memo:          make(map[repository.MediaKey]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ContentImage resolves the image for contentID in storeID. It returns ""
// when the lookup fails and no earlier URL is known.
func (r *Resolver) ContentImage(ctx context.Context, storeID, contentID string) string {
	contentID = strings.TrimSpace(contentID)
	if contentID == "" || contentID == defaultContentID {
		r.recordSource(SourcePlaceholder)
		return PlaceholderURL
	}

	key := repository.MediaKey{StoreID: storeID, TargetID: contentID}

	url, err := r.lookup.MediaURL(ctx, storeID, contentID)
	if err == nil && url != "" {
		r.remember(key, url)
		r.writeThrough(ctx, key, url)
		r.recordSource(SourceRemote)
		return url
	}
	if err != nil {
		r.logger.Warn("media lookup failed", "store_id", storeID, "content_id", contentID, "error", err)
	}

	if url, ok := r.recall(key); ok {
		r.recordSource(SourceMemo)
		return url
	}

	if r.cache != nil {
		entry, cacheErr := r.cache.GetMediaURL(ctx, storeID, contentID)
		switch {
		case cacheErr == nil && entry.URL != "":
			r.remember(key, entry.URL)
			r.recordSource(SourceCache)
			return entry.URL
		case cacheErr != nil && !errors.Is(cacheErr, repository.ErrNotFound):
			r.logger.Warn("media cache read failed", "store_id", storeID, "content_id", contentID, "error", cacheErr)
		}
	}

	r.recordSource(SourceMiss)
	return ""
}

// Invalidate drops the in-process URL for key. The zero key drops every URL.
func (r *Resolver) Invalidate(key repository.MediaKey) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if key == (repository.MediaKey{}) {
		clear(r.memo)
		return
	}
	delete(r.memo, key)
}

// VenuePhotos returns the venue's non-empty photo URLs.
func VenuePhotos(venue client.Venue) []string {
	photos := make([]string, 0, len(venue.Photos))
	for _, photo := range venue.Photos {
		if p := strings.TrimSpace(photo); p != "" {
			photos = append(photos, p)
		}
	}
	return photos
}

// Slides flattens every venue photo in rec in venue order. With no photos it
// falls back to the category image for the resolved target, then the generic
// image, then the placeholder.
func (r *Resolver) Slides(rec client.Recommendations) []string {
	slides := make([]string, 0)
	for _, venue := range rec.Stores {
		slides = append(slides, VenuePhotos(venue)...)
	}
	if len(slides) > 0 {
		return slides
	}

	for _, candidate := range []string{r.categoryImage(rec.TargetID), r.genericImage, PlaceholderURL} {
		if candidate != "" {
			return []string{candidate}
		}
	}
	return []string{PlaceholderURL}
}

// CategoryImage returns a stable stock image seeded by the target id, or ""
// for an empty or default target.
func CategoryImage(targetID string) string {
	seed := strings.ReplaceAll(strings.TrimSpace(targetID), " ", "-")
	if seed == "" || seed == defaultContentID {
		return ""
	}
	if runes := []rune(seed); len(runes) > 50 {
		seed = string(runes[:50])
	}
	return "https://picsum.photos/seed/" + seed + "/1920/1080"
}

// OrPlaceholder returns url, or [PlaceholderURL] when url is empty.
func OrPlaceholder(url string) string {
	if strings.TrimSpace(url) == "" {
		return PlaceholderURL
	}
	return url
}

func (r *Resolver) remember(key repository.MediaKey, url string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.memo[key] = url
}

func (r *Resolver) recall(key repository.MediaKey) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	url, ok := r.memo[key]
	return url, ok
}

func (r *Resolver) writeThrough(ctx context.Context, key repository.MediaKey, url string) {
	if r.cache == nil {
		return
	}
	if _, err := r.cache.PutMediaURL(ctx, repository.MediaEntry{
		StoreID:  key.StoreID,
		TargetID: key.TargetID,
		URL:      url,
	}); err != nil {
		r.logger.Warn("media cache write failed", "store_id", key.StoreID, "content_id", key.TargetID, "error", err)
	}
}

func (r *Resolver) recordSource(source string) {
	if r.record != nil {
		r.record(source)
	}
}
