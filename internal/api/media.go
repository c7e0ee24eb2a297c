package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/kimhsiao/reliefsync/backend/internal/errors"
)

// DefaultMaxMediaBytes caps a single evidence upload.
const DefaultMaxMediaBytes = 32 << 20

// MediaResponse is returned by POST /api/media. The checksum goes into the
// MEDIA payload that is queued next.
type MediaResponse struct {
	Checksum string `json:"checksum"`
	Size     int64  `json:"size"`
}

func (s *Server) uploadMedia(w http.ResponseWriter, r *http.Request) {
	limit := s.deps.MaxMediaBytes
	if limit <= 0 {
		limit = DefaultMaxMediaBytes
	}
	body := http.MaxBytesReader(w, r.Body, limit)

	sum, size, err := s.deps.Media.Put(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, ErrorBody{Error: ErrorDetail{
				Code:    apperrors.ErrValidation,
				Message: "media exceeds " + strconv.FormatInt(limit, 10) + " bytes",
			}})
			return
		}
		s.writeError(w, err)
		return
	}
	if size == 0 {
		s.writeError(w, apperrors.New(apperrors.ErrValidation, "media body is empty"))
		return
	}
	writeJSON(w, http.StatusCreated, MediaResponse{Checksum: sum, Size: size})
}

func (s *Server) downloadMedia(w http.ResponseWriter, r *http.Request) {
	rc, size, err := s.deps.Media.Open(chi.URLParam(r, "checksum"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		s.log.Warn("Media download interrupted", map[string]interface{}{"error": err.Error()})
	}
}
