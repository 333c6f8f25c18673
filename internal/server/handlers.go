package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"

	"github.com/pavel-fokin/media-stash/internal/media"
)

// statusClientClosedRequest is the nginx convention for a request the
// client abandoned before a response was written.
const statusClientClosedRequest = 499

const (
	defaultPage  = 1
	defaultLimit = 10
	maxLimit     = 1000

	defaultHistoryLimit = 50

	// multipartMemory is the part of an upload kept in memory while parsing;
	// the rest spills to temporary files.
	multipartMemory = 32 << 20
)

func healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func uploadMedia(svc *media.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var declared media.Type
		if v := r.PathValue("type"); v != "" {
			t, err := media.ParseType(v)
			if err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			declared = t
		}

		quality, err := intParam(r, "quality", 0)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		if err := r.ParseMultipartForm(multipartMemory); err != nil {
			respondError(w, "upload", declared, "", fmt.Errorf("%w: failed to parse multipart form: %w", media.ErrValidation, err))
			return
		}
		defer r.MultipartForm.RemoveAll()

		file, header, err := r.FormFile("file")
		if err != nil {
			writeError(w, http.StatusBadRequest, "no file provided")
			return
		}
		defer file.Close()

		content, err := io.ReadAll(file)
		if err != nil {
			respondError(w, "upload", declared, header.Filename, fmt.Errorf("%w: %w", media.ErrStorageRead, err))
			return
		}

		result, err := svc.Upload(r.Context(), &media.UploadRequest{
			Filename: header.Filename,
			Type:     declared,
			Content:  content,
			Quality:  quality,
		})
		if err != nil {
			respondError(w, "upload", declared, header.Filename, err)
			return
		}

		writeJSON(w, http.StatusCreated, result)
	}
}

// retrieveMedia serves a stored file. attachment sets Content-Disposition so
// browsers save it instead of displaying it.
func retrieveMedia(svc *media.Service, attachment bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t := media.Type(r.PathValue("type"))
		name := r.PathValue("filename")

		quality, err := intParam(r, "quality", 0)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		content, err := svc.Retrieve(r.Context(), t, name, quality)
		if err != nil {
			respondError(w, "retrieve", t, name, err)
			return
		}
		defer content.Body.Close()

		w.Header().Set("Content-Type", content.ContentType)
		w.Header().Set("Cache-Control", "public, max-age=86400")
		if attachment {
			w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
		}
		http.ServeContent(w, r, name, content.Created, content.Body)
	}
}

func listMedia(svc *media.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		var t media.Type
		if v := q.Get("type"); v != "" && v != "all" {
			parsed, err := media.ParseType(v)
			if err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			t = parsed
		}
		sort, err := media.ParseSort(q.Get("sort"))
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		pageNum, err := intParam(r, "page", defaultPage)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		limit, err := intParam(r, "limit", defaultLimit)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		limit = min(limit, maxLimit)

		result, err := svc.ListMedia(r.Context(), media.ListQuery{
			Type:   t,
			Sort:   sort,
			Search: q.Get("search"),
			Page:   pageNum,
			Limit:  limit,
		})
		if err != nil {
			respondError(w, "list", t, "", err)
			return
		}

		writeJSON(w, http.StatusOK, result)
	}
}

func deleteMedia(svc *media.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		typ := r.PathValue("type")
		name := r.PathValue("filename")

		t, err := media.ParseType(typ)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		err = svc.DeleteMedia(r.Context(), t, name)
		if errors.Is(err, media.ErrNotFound) {
			writeError(w, http.StatusNotFound, t.Title()+" not found")
			return
		}
		if err != nil {
			respondError(w, "delete", t, name, err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]string{
			"message": fmt.Sprintf("%s deleted successfully", t.Title()),
		})
	}
}

func history(svc *media.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, err := intParam(r, "limit", defaultHistoryLimit)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		events, err := svc.History(r.Context(), min(limit, maxLimit))
		if err != nil {
			respondError(w, "history", "", "", err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{"events": events})
	}
}

// intParam reads an integer query parameter, returning def when it is absent.
func intParam(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", media.ErrValidation, name)
	}
	return n, nil
}

// respondError maps a service error to a status code and a client message.
// Internal details are logged, never returned.
func respondError(w http.ResponseWriter, op string, t media.Type, filename string, err error) {
	status, msg := errorStatus(err)
	if status == statusClientClosedRequest {
		slog.Info("Client disconnected", "op", op, "type", t, "filename", filename, "status", status)
	} else if status >= http.StatusInternalServerError {
		slog.Error("Request failed", "op", op, "type", t, "filename", filename, "status", status, "error", err)
	} else {
		slog.Debug("Request rejected", "op", op, "type", t, "filename", filename, "status", status, "error", err)
	}
	writeError(w, status, msg)
}

func errorStatus(err error) (int, string) {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.Is(err, context.Canceled):
		return statusClientClosedRequest, "request canceled"
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge, "file too large"
	case errors.Is(err, media.ErrNotFound):
		return http.StatusNotFound, "not found"
	case errors.Is(err, media.ErrValidation):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, media.ErrProcessing):
		return http.StatusBadGateway, "processing failed"
	}
	return http.StatusInternalServerError, "internal error"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
