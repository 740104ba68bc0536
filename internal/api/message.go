package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ashureev/wa-dispatch/internal/dispatch"
	"github.com/ashureev/wa-dispatch/internal/domain"
	"github.com/ashureev/wa-dispatch/internal/session"
	"github.com/go-chi/chi/v5"
)

// Response messages for batch submission.
const (
	msgSent             = "Messages sent successfully"
	msgClientIDRequired = "Client ID is required"
	msgSessionNotFound  = "Client session not found. Please create a session first."
	msgSessionNotReady  = "Client session is not ready. Please scan the QR code first."
	msgNumbersRequired  = "At least one number is required"
	msgBatchRunning     = "A batch is already being sent for this session"
	msgFileTooLarge     = "File too large"
	msgInternal         = "Internal Server Error"
)

// MessageHandler accepts batch submissions.
type MessageHandler struct {
	*Handler
	disp           Dispatcher
	uploadDir      string
	maxUploadBytes int64
	now            func() time.Time
}

// NewMessageHandler creates a handler that stages uploads under uploadDir.
func NewMessageHandler(base *Handler, disp Dispatcher, uploadDir string, maxUploadBytes int64) *MessageHandler {
	return &MessageHandler{
		Handler:        base,
		disp:           disp,
		uploadDir:      uploadDir,
		maxUploadBytes: maxUploadBytes,
		now:            time.Now,
	}
}

// RegisterRoutes registers the submission route behind limit.
func (h *MessageHandler) RegisterRoutes(r chi.Router, limit func(http.Handler) http.Handler) {
	r.With(limit).Post("/sendmessage", h.SendMessage)
}

type sendRequest struct {
	ClientID string
	Numbers  []string
	Template string
	file     multipart.File
	header   *multipart.FileHeader
}

type sendResponse struct {
	Success  string             `json:"success"`
	BatchID  string             `json:"batchId"`
	Status   domain.BatchStatus `json:"status"`
	Accepted bool               `json:"accepted"`
	Outcomes []domain.Outcome   `json:"outcomes"`
}

// SendMessage validates the submission and blocks until the batch finishes.
// The request context bounds the batch; a disconnecting caller cancels it.
func (h *MessageHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)

	req, err := h.parse(r)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			Error(w, http.StatusRequestEntityTooLarge, msgFileTooLarge)
			return
		}
		slog.Warn("Malformed submission", "error", err)
		Error(w, http.StatusBadRequest, "Malformed request body")
		return
	}
	if req.file != nil {
		defer req.file.Close()
	}

	if req.ClientID == "" {
		Error(w, http.StatusBadRequest, msgClientIDRequired)
		return
	}

	s, err := h.reg.Get(req.ClientID)
	if err != nil {
		Error(w, http.StatusBadRequest, msgSessionNotFound)
		return
	}
	if s.State() != domain.StateReady {
		Error(w, http.StatusBadRequest, msgSessionNotReady)
		return
	}
	if len(req.Numbers) == 0 {
		Error(w, http.StatusBadRequest, msgNumbersRequired)
		return
	}

	dreq := dispatch.Request{
		SessionID:  req.ClientID,
		Recipients: req.Numbers,
		Template:   req.Template,
	}

	if req.file != nil {
		path, err := h.stage(req.file, req.header)
		if err != nil {
			slog.Error("Failed to stage upload", "error", err, "session_id", req.ClientID)
			Error(w, http.StatusInternalServerError, msgInternal)
			return
		}
		defer h.unstage(path)

		hdl := h.reg.Handle(s)
		if hdl == nil {
			Error(w, http.StatusBadRequest, msgSessionNotReady)
			return
		}
		media, err := hdl.MediaFromPath(path)
		if err != nil {
			slog.Error("Failed to load attachment", "error", err, "path", path)
			Error(w, http.StatusInternalServerError, msgInternal)
			return
		}
		dreq.Attachment = media
	}

	batch, err := h.disp.Dispatch(r.Context(), dreq)
	if err != nil {
		h.dispatchError(w, req.ClientID, err)
		return
	}

	JSON(w, http.StatusOK, sendResponse{
		Success:  msgSent,
		BatchID:  batch.ID,
		Status:   batch.Status,
		Accepted: batch.Accepted,
		Outcomes: batch.Outcomes,
	})
}

func (h *MessageHandler) dispatchError(w http.ResponseWriter, sessionID string, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		Error(w, http.StatusBadRequest, msgSessionNotFound)
	case errors.Is(err, dispatch.ErrSessionNotReady):
		Error(w, http.StatusBadRequest, msgSessionNotReady)
	case errors.Is(err, dispatch.ErrNoRecipients):
		Error(w, http.StatusBadRequest, msgNumbersRequired)
	case errors.Is(err, dispatch.ErrDispatchInProgress):
		Error(w, http.StatusConflict, msgBatchRunning)
	default:
		slog.Error("Dispatch failed", "error", err, "session_id", sessionID)
		Error(w, http.StatusInternalServerError, msgInternal)
	}
}

func (h *MessageHandler) parse(r *http.Request) (*sendRequest, error) {
	contentType := r.Header.Get("Content-Type")

	switch {
	case strings.HasPrefix(contentType, "application/json"):
		var body struct {
			ClientID string          `json:"clientId"`
			Numbers  json.RawMessage `json:"numbers"`
			Messages string          `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			return nil, fmt.Errorf("decode json body: %w", err)
		}
		numbers, err := decodeNumbers(body.Numbers)
		if err != nil {
			return nil, err
		}
		return &sendRequest{ClientID: strings.TrimSpace(body.ClientID), Numbers: numbers, Template: body.Messages}, nil

	case strings.HasPrefix(contentType, "multipart/form-data"):
		if err := r.ParseMultipartForm(h.maxUploadBytes); err != nil {
			return nil, fmt.Errorf("parse multipart form: %w", err)
		}
		req := formRequest(r)
		file, header, err := r.FormFile("file")
		switch {
		case err == nil:
			req.file, req.header = file, header
		case !errors.Is(err, http.ErrMissingFile):
			return nil, fmt.Errorf("read file field: %w", err)
		}
		return req, nil

	default:
		if err := r.ParseForm(); err != nil {
			return nil, fmt.Errorf("parse form: %w", err)
		}
		return formRequest(r), nil
	}
}

func formRequest(r *http.Request) *sendRequest {
	return &sendRequest{
		ClientID: strings.TrimSpace(r.FormValue("clientId")),
		Numbers:  SplitNumbers(r.FormValue("numbers")),
		Template: r.FormValue("messages"),
	}
}

// decodeNumbers accepts either a comma-separated string or an array of strings.
func decodeNumbers(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var joined string
	if err := json.Unmarshal(raw, &joined); err == nil {
		return SplitNumbers(joined), nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("numbers must be a string or an array of strings: %w", err)
	}
	return SplitNumbers(strings.Join(list, ",")), nil
}

// SplitNumbers splits a comma-separated recipient list, trimming whitespace
// and dropping empty entries. Order is preserved.
func SplitNumbers(s string) []string {
	parts := strings.Split(s, ",")
	numbers := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			numbers = append(numbers, p)
		}
	}
	return numbers
}

// stage writes the uploaded file to the upload directory as <unixMillis>-<basename>.
func (h *MessageHandler) stage(file multipart.File, header *multipart.FileHeader) (string, error) {
	if err := os.MkdirAll(h.uploadDir, 0o755); err != nil {
		return "", fmt.Errorf("create upload directory: %w", err)
	}

	name := filepath.Base(header.Filename)
	if name == "." || name == string(filepath.Separator) {
		name = "upload"
	}
	path := filepath.Join(h.uploadDir, fmt.Sprintf("%d-%s", h.now().UnixMilli(), name))

	dst, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return "", fmt.Errorf("create staged file: %w", err)
	}
	if _, err := io.Copy(dst, file); err != nil {
		_ = dst.Close()
		_ = os.Remove(path)
		return "", fmt.Errorf("write staged file: %w", err)
	}
	if err := dst.Close(); err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("close staged file: %w", err)
	}

	slog.Debug("Upload staged", "path", path, "size", header.Size)
	return path, nil
}

func (h *MessageHandler) unstage(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("Failed to remove staged upload", "path", path, "error", err)
	}
}
