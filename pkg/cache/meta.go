package cache

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"time"
)

// PageMeta is the metadata record stored beside a page entry. It feeds
// conditional request handling: Timestamp backs Last-Modified and
// If-Modified-Since, Validator backs ETag and If-None-Match.
type PageMeta struct {
	// Timestamp is when the entry was rendered and stored.
	Timestamp time.Time `json:"time"`

	// Validator is the hex md5 digest of the uncompressed body.
	Validator string `json:"validator"`

	// Accelerated records that the entry was written to the
	// accelerated tier.
	Accelerated bool `json:"accelerated,omitempty"`

	// Expire overrides the store expiry for this entry. Zero falls
	// back to the store configuration.
	Expire time.Duration `json:"expire,omitempty"`
}

// NewPageMeta builds the metadata record for a body.
func NewPageMeta(body []byte) *PageMeta {
	sum := md5.Sum(body)
	return &PageMeta{
		Timestamp: time.Now().UTC().Truncate(time.Second),
		Validator: hex.EncodeToString(sum[:]),
	}
}

// Fresh reports whether the entry is still fresh given the store expiry,
// honoring the per-entry override.
func (m *PageMeta) Fresh(storeExpire time.Duration, now time.Time) bool {
	expire := storeExpire
	if m.Expire > 0 {
		expire = m.Expire
	}
	if expire <= 0 {
		return true
	}
	return now.Sub(m.Timestamp) <= expire
}

// Encode serializes the record for the .meta sibling.
func (m *PageMeta) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodePageMeta parses a .meta sibling.
func DecodePageMeta(data []byte) (*PageMeta, error) {
	var m PageMeta
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}
