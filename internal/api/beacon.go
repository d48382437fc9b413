package api

import (
	"encoding/json"
	"net/http"

	"github.com/MikeSquared-Agency/anychat/internal/capture"
)

// transparentGIF is a 1x1 transparent GIF89a.
var transparentGIF = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80, 0x00, 0x00,
	0x00, 0x00, 0x00, 0xff, 0xff, 0xff, 0x21, 0xf9, 0x04, 0x01, 0x00, 0x00, 0x00,
	0x00, 0x2c, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0x00, 0x02, 0x02,
	0x44, 0x01, 0x00, 0x3b,
}

// beacon always answers with the image so the page never sees an error.
func (s *Server) beacon(w http.ResponseWriter, r *http.Request) {
	defer writeGIF(w)

	d := r.URL.Query().Get("d")
	if d == "" {
		return
	}
	var p capture.BeaconPayload
	if err := json.Unmarshal([]byte(d), &p); err != nil {
		s.logger.Debug("ignoring malformed beacon", "error", err)
		return
	}
	if _, err := s.ingest.Ingest(r.Context(), p.Batch(), capture.SourceBeacon); err != nil {
		s.logger.Debug("beacon rejected", "error", err)
	}
}

func writeGIF(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	w.Write(transparentGIF)
}
