package api

import (
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"
	"github.com/gorilla/mux"

	"github.com/devzarr/devzarr/globals"
	"github.com/devzarr/devzarr/types"
)

const maxUploadSize = 10 << 20 // 10 MiB

// uploadHandler stores a file under the requested path in the upload
// directory and returns its public URL. Upload-by-path is an upsert: a
// second upload to the same path replaces the content, the URL is stable.
// A per-path flock serializes concurrent replacements.
func (s *Server) uploadHandler(w http.ResponseWriter, r *http.Request) {
	if s.cfg.UploadConfig.Dir == "" {
		writeError(w, http.StatusNotImplemented, types.ErrCodeBackend, "uploads are not configured")
		return
	}
	rel := path.Clean("/" + mux.Vars(r)["path"])[1:]
	if rel == "" || strings.Contains(rel, "..") {
		writeError(w, http.StatusBadRequest, types.ErrCodeValidation, "invalid upload path")
		return
	}

	dst := filepath.Join(s.cfg.UploadConfig.Dir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		writeError(w, http.StatusInternalServerError, types.ErrCodeBackend, "could not prepare upload directory")
		return
	}

	lock := flock.New(dst + ".lock")
	if err := lock.Lock(); err != nil {
		writeError(w, http.StatusInternalServerError, types.ErrCodeBackend, "could not lock upload path")
		return
	}
	defer lock.Unlock()

	f, err := os.Create(dst)
	if err != nil {
		writeError(w, http.StatusInternalServerError, types.ErrCodeBackend, "could not open upload target")
		return
	}
	defer f.Close()
	defer r.Body.Close()

	if _, err := io.Copy(f, io.LimitReader(r.Body, maxUploadSize)); err != nil {
		globals.AppLogger.Error("could not write upload", "path", rel, "error", err)
		writeError(w, http.StatusInternalServerError, types.ErrCodeBackend, "could not write upload")
		return
	}

	publicURL := strings.TrimSuffix(s.cfg.UploadConfig.BaseURL, "/") + "/" + rel
	writeJSON(w, http.StatusOK, map[string]string{"path": rel, "url": publicURL})
}
