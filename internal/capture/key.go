package capture

import (
	"strconv"
	"strings"
	"unicode/utf16"
)

// ContentHash is the rolling hash the injected page script computes:
// h = h*31 + c over UTF-16 code units, wrapped to int32, printed as signed hex.
// Keeping the exact algorithm lets hashes from either side agree.
func ContentHash(text string) string {
	var h int32
	for _, c := range utf16.Encode([]rune(strings.TrimSpace(text))) {
		h = (h << 5) - h + int32(c)
	}
	return strconv.FormatInt(int64(h), 16)
}

// PageKey is the dedup key inside one page lifetime.
func (m CapturedMessage) PageKey() string {
	if m.ExternalID != "" && m.Source != SourceDOM {
		return "ext:" + m.ExternalID
	}
	return "hash:" + ContentHash(m.Content)
}

// DedupKey is the collector-side key. Content hashes are scoped per service.
func (m CapturedMessage) DedupKey(serviceID string) string {
	if m.ExternalID != "" {
		return "ext:" + serviceID + ":" + m.ExternalID
	}
	return "hash:" + serviceID + ":" + ContentHash(m.Content)
}

// HashKey is the content-hash form of DedupKey regardless of ExternalID.
// The collector marks it alongside DedupKey so a later DOM copy of a
// network-captured message is recognised.
func (m CapturedMessage) HashKey(serviceID string) string {
	return "hash:" + serviceID + ":" + ContentHash(m.Content)
}
