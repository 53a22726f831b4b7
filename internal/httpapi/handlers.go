package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MimeLyc/subcache/internal/extract"
	"github.com/MimeLyc/subcache/internal/jobs"
	"github.com/MimeLyc/subcache/internal/service"
	"github.com/MimeLyc/subcache/internal/subtitle"
	"github.com/go-chi/chi/v5"
)

const maxItemsLimit = 500

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC(),
	})
}

type fetchSubtitlesRequest struct {
	URL     string `json:"url"`
	Lang    string `json:"lang"`
	Cookies string `json:"cookies"`
}

func (s *Server) handleFetchSubtitles(w http.ResponseWriter, r *http.Request) {
	var req fetchSubtitlesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	creds, err := credentials(req.Cookies)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Lang == "" {
		req.Lang = s.defaultLang
	}

	res, err := s.fetcher.Fetch(r.Context(), service.FetchRequest{URL: req.URL, Lang: req.Lang, Credentials: creds})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleExportSubtitles(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	lang, err := service.NormalizeLang(r.URL.Query().Get("lang"), s.defaultLang)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	entry, ok, err := s.subtitles.Get(r.Context(), id, lang)
	if err != nil {
		writeServiceError(w, service.Classify(err))
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "no cached subtitles for "+id+" ("+lang+")")
		return
	}

	switch strings.ToLower(r.URL.Query().Get("format")) {
	case "", "json":
		writeJSON(w, http.StatusOK, entry)
	case "srt":
		w.Header().Set("Content-Type", "application/x-subrip; charset=utf-8")
		w.Header().Set("Content-Disposition", `attachment; filename="`+id+"."+lang+`.srt"`)
		w.WriteHeader(http.StatusOK)
		if err := subtitle.WriteSRT(w, entry.Cues); err != nil {
			s.logger.Warn("Write SRT for %s: %v", id, err)
		}
	default:
		writeError(w, http.StatusBadRequest, "format must be json or srt")
	}
}

type submitJobRequest struct {
	ChannelURL string `json:"channel_url"`
	MaxItems   int    `json:"max_items"`
	Lang       string `json:"lang"`
	Cookies    string `json:"cookies"`
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req submitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if strings.TrimSpace(req.ChannelURL) == "" {
		writeError(w, http.StatusBadRequest, "channel_url is required")
		return
	}
	if req.MaxItems == 0 {
		req.MaxItems = s.defaultMaxItems
	}
	if req.MaxItems < 0 || req.MaxItems > maxItemsLimit {
		writeError(w, http.StatusBadRequest, "max_items must be between 1 and "+strconv.Itoa(maxItemsLimit))
		return
	}
	lang, err := service.NormalizeLang(req.Lang, s.defaultLang)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	creds, err := credentials(req.Cookies)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	job, err := s.jobs.Submit(r.Context(), jobs.SubmitRequest{
		ChannelURL:  req.ChannelURL,
		MaxItems:    req.MaxItems,
		Lang:        lang,
		Credentials: creds,
		Source:      jobs.SourceAPI,
	})
	switch {
	case errors.Is(err, jobs.ErrDuplicate):
		writeJSON(w, http.StatusOK, map[string]any{"created": false, "job": job})
	case errors.Is(err, jobs.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeJSON(w, http.StatusAccepted, map[string]any{"created": true, "job": job})
	}
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	list := s.jobs.List()
	if status := jobs.Status(r.URL.Query().Get("status")); status != "" {
		filtered := list[:0]
		for _, job := range list {
			if job.Status == status {
				filtered = append(filtered, job)
			}
		}
		list = filtered
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Status(chi.URLParam(r, "id"))
	if err != nil {
		writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Cancel(chi.URLParam(r, "id"))
	if errors.Is(err, jobs.ErrAlreadyFinished) {
		writeJSON(w, http.StatusConflict, map[string]any{"error": err.Error(), "job": job})
		return
	}
	if err != nil {
		writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleGetChannel(w http.ResponseWriter, r *http.Request) {
	if s.channels == nil {
		writeError(w, http.StatusNotImplemented, "channel lookup is not configured")
		return
	}
	url := strings.TrimSpace(r.URL.Query().Get("url"))
	if url == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	record, ok, err := s.channels.GetChannel(r.Context(), url)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "channel has not been resolved yet")
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleChannelHistory(w http.ResponseWriter, r *http.Request) {
	url := strings.TrimSpace(r.URL.Query().Get("url"))
	if url == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	history, err := s.jobs.History(r.Context(), url, queryInt(r, "limit", 10))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	ret := map[string]any{
		"jobs": s.jobs.Counts(),
	}
	if s.stats != nil {
		st, err := s.stats.Stats(r.Context())
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		ret["cache"] = st
	}
	if s.refresh != nil {
		ret["refresh"] = s.refresh.Status(time.Now())
	}
	writeJSON(w, http.StatusOK, ret)
}

func (s *Server) handleListDigests(w http.ResponseWriter, r *http.Request) {
	if s.digests == nil {
		writeError(w, http.StatusNotImplemented, "digests are not configured")
		return
	}
	list, err := s.digests.ListDigests(r.Context(), queryInt(r, "limit", 20))
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func credentials(cookies string) (*extract.Credentials, error) {
	if strings.TrimSpace(cookies) == "" {
		return nil, nil
	}
	if _, err := extract.NormalizeCookies(cookies); err != nil {
		return nil, err
	}
	return &extract.Credentials{Cookies: cookies}, nil
}

func queryInt(r *http.Request, key string, def int) int {
	n, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}

func writeJobError(w http.ResponseWriter, err error) {
	if errors.Is(err, jobs.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func writeServiceError(w http.ResponseWriter, err error) {
	svcErr := service.Classify(err)
	writeJSON(w, statusFor(svcErr.Type), map[string]any{
		"error":  svcErr.Message,
		"type":   svcErr.Type.String(),
		"advice": service.Advice(svcErr.Type),
	})
}

func statusFor(t service.ErrorType) int {
	switch t {
	case service.ErrValidation:
		return http.StatusBadRequest
	case service.ErrNotFound, service.ErrNoSubtitles:
		return http.StatusNotFound
	case service.ErrRateLimited:
		return http.StatusTooManyRequests
	case service.ErrUnauthorized:
		return http.StatusForbidden
	case service.ErrUpstream, service.ErrMalformed:
		return http.StatusBadGateway
	case service.ErrStorage:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
