package web

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/acmelabs/product-importer/internal/importer"
	"github.com/acmelabs/product-importer/internal/model"
)

// handleUpload accepts a CSV upload, records a pending task and starts the
// import in the background. The response returns immediately with the task
// identity; clients poll the status endpoint for progress.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	maxSize := s.cfg.Import.MaxFileSize
	r.Body = http.MaxBytesReader(w, r.Body, maxSize)

	if err := r.ParseMultipartForm(maxSize); err != nil {
		s.respondError(w, r, http.StatusBadRequest, err, "file too large or invalid form")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		s.respondError(w, r, http.StatusBadRequest, err, "no file provided")
		return
	}
	defer file.Close()

	filename := filepath.Base(header.Filename)
	if filename == "." || strings.Contains(header.Filename, "..") {
		s.respondError(w, r, http.StatusBadRequest,
			fmt.Errorf("invalid filename %q", header.Filename), "invalid filename")
		return
	}
	if !strings.EqualFold(filepath.Ext(filename), ".csv") {
		s.respondError(w, r, http.StatusBadRequest,
			fmt.Errorf("unsupported extension %q", filepath.Ext(filename)),
			"only CSV files are allowed")
		return
	}

	task, err := s.service.CreateTask(r.Context(), filename)
	if err != nil {
		s.respondError(w, r, http.StatusInternalServerError, err, "failed to accept upload")
		return
	}

	// Spool to disk so the import can re-open the stream for its counting
	// pre-pass and its batch read.
	path := filepath.Join(s.cfg.Import.UploadDir, task.TaskID+"_"+filename)
	if err := spool(file, path); err != nil {
		s.abortTask(r, task.TaskID, fmt.Errorf("spool upload: %w", err))
		s.respondError(w, r, http.StatusInternalServerError, err, "failed to store upload")
		return
	}

	opener := func() (io.ReadCloser, error) {
		return os.Open(path)
	}

	if err := s.service.StartImport(r.Context(), task.TaskID, filename, opener); err != nil {
		s.abortTask(r, task.TaskID, err)
		if errors.Is(err, importer.ErrTooManyImports) {
			s.respondError(w, r, http.StatusServiceUnavailable, err, err.Error())
			return
		}
		s.respondError(w, r, http.StatusInternalServerError, err, "failed to start import")
		return
	}

	writeJSON(w, http.StatusAccepted, task)
}

// handleTaskStatus answers a polling client with the two-tier status view.
func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if taskID == "" {
		s.respondError(w, r, http.StatusBadRequest,
			errors.New("missing task ID"), "missing task ID")
		return
	}

	status, err := s.service.TaskStatus(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, model.ErrTaskNotFound) {
			s.respondError(w, r, http.StatusNotFound, err, "task not found")
			return
		}
		s.respondError(w, r, http.StatusInternalServerError, err, "failed to load task status")
		return
	}

	writeJSON(w, http.StatusOK, status)
}

// handleHealth reports liveness, including database reachability.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.pool.Ping(r.Context()); err != nil {
		s.respondError(w, r, http.StatusServiceUnavailable, err, "database unreachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "product-importer",
	})
}

// abortTask marks a just-created task failed when its import never started.
func (s *Server) abortTask(r *http.Request, taskID string, cause error) {
	if err := s.service.AbortTask(r.Context(), taskID, cause.Error()); err != nil {
		logError(r, "failed to abort task", err)
	}
}

// spool copies the upload to its on-disk path.
func spool(src io.Reader, path string) error {
	dst, err := os.Create(path)
	if err != nil {
		return err
	}

	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		_ = os.Remove(path)
		return err
	}
	return dst.Close()
}
