package crawler

import (
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"docsearch/internal/domain"
)

var (
	bucketPages    = []byte("pages")
	bucketPageMeta = []byte("page_meta")
)

// ContentCache is the crawler-owned on-disk page cache, keyed by
// normalized URL. It holds the raw body plus the conditional-fetch
// validators so incremental re-crawls can skip unchanged pages.
type ContentCache struct {
	db *bbolt.DB
}

type cachedMeta struct {
	Type         string `json:"type"`
	ETag         string `json:"etag,omitempty"`
	LastModified string `json:"last_modified,omitempty"`
	FetchedAt    int64  `json:"fetched_at"`
}

// OpenContentCache opens (or creates) the cache database at path.
func OpenContentCache(path string) (*ContentCache, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open content cache: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketPages, bucketPageMeta} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &ContentCache{db: db}, nil
}

// Get returns the cached page for a normalized URL, if present.
func (c *ContentCache) Get(normURL string) (domain.Page, bool, error) {
	var page domain.Page
	found := false

	err := c.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketPageMeta).Get([]byte(normURL))
		if data == nil {
			return nil
		}
		var meta cachedMeta
		if err := json.Unmarshal(data, &meta); err != nil {
			return fmt.Errorf("decode page meta %s: %w", normURL, err)
		}

		body := tx.Bucket(bucketPages).Get([]byte(normURL))
		page = domain.Page{
			URL:          normURL,
			Body:         append([]byte(nil), body...),
			Type:         domain.DocType(meta.Type),
			ETag:         meta.ETag,
			LastModified: meta.LastModified,
			FetchedAt:    time.Unix(meta.FetchedAt, 0),
			FromCache:    true,
		}
		found = true
		return nil
	})

	return page, found, err
}

// Put stores a fetched page. Body and metadata are written in one
// transaction.
func (c *ContentCache) Put(page domain.Page) error {
	return c.db.Update(func(tx *bbolt.Tx) error {
		meta := cachedMeta{
			Type:         string(page.Type),
			ETag:         page.ETag,
			LastModified: page.LastModified,
			FetchedAt:    page.FetchedAt.Unix(),
		}
		data, err := json.Marshal(meta)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketPageMeta).Put([]byte(page.URL), data); err != nil {
			return err
		}
		return tx.Bucket(bucketPages).Put([]byte(page.URL), page.Body)
	})
}

// Close closes the cache database.
func (c *ContentCache) Close() error {
	return c.db.Close()
}
