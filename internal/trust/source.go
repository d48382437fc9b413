// Package trust ranks capture sources by how faithfully they reflect what the
// vendor actually stored.
package trust

import "github.com/MikeSquared-Agency/anychat/internal/capture"

// Rank returns the trust rank of a source. Higher wins.
// history > api > http = protocol > dom > beacon.
func Rank(src capture.Source) int {
	switch src {
	case capture.SourceHistory:
		return 5
	case capture.SourceAPI:
		return 4
	case capture.SourceHTTP, capture.SourceProtocol:
		return 3
	case capture.SourceDOM:
		return 2
	case capture.SourceBeacon:
		return 1
	default:
		return 0
	}
}

// Prefer reports whether a should replace b as the surviving copy of a
// duplicated message. Ties keep b.
func Prefer(a, b capture.CapturedMessage) bool {
	return Rank(a.Source) > Rank(b.Source)
}
