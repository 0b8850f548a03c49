package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"mediacache/internal/api/response"
	"mediacache/internal/category"
	"mediacache/internal/coordinator"
	"mediacache/internal/core/types"
	"mediacache/internal/download"
)

// CacheHandlers exposes a coordinator over HTTP.
type CacheHandlers struct {
	coord *coordinator.Coordinator
}

var _ EndpointHandler = (*CacheHandlers)(nil)

func NewCacheHandlers(coord *coordinator.Coordinator) *CacheHandlers {
	return &CacheHandlers{coord: coord}
}

func (h *CacheHandlers) RegisterHandlers(registrar HandlerRegistrar) error {
	routes := []Route{
		NewRoute(http.MethodGet, "/stats", h.handleStats),
		NewRoute(http.MethodGet, "/downloads", h.handleListDownloads),
		NewRoute(http.MethodPost, "/downloads", h.handleEnqueue),
		NewRoute(http.MethodDelete, "/downloads", h.handleCancel),
		NewRoute(http.MethodGet, "/cache/{category}", h.handleLookup),
		NewRoute(http.MethodDelete, "/cache/{category}", h.handleClearCategory),
		NewRoute(http.MethodDelete, "/cache", h.handleClearAll),
	}
	for _, route := range routes {
		if err := registrar.RegisterHandler(route); err != nil {
			return err
		}
	}
	return nil
}

func (h *CacheHandlers) category(name string) (category.Category, error) {
	c, ok := h.coord.Manager().Policy().LookupName(name)
	if !ok {
		return category.Category{}, fmt.Errorf("unknown category %q", name)
	}
	return c, nil
}

func (h *CacheHandlers) handleStats(w http.ResponseWriter, r *http.Request) {
	response.Respond(w, response.WithJSON(h.coord.Stats()))
}

func (h *CacheHandlers) handleListDownloads(w http.ResponseWriter, r *http.Request) {
	active := h.coord.Active()
	infos := make([]DownloadInfo, 0, len(active))
	for _, req := range active {
		infos = append(infos, DownloadInfo{
			ID:         req.ID().String(),
			URL:        req.URL(),
			Category:   req.Category().Name,
			Chunks:     req.ChunkCount(),
			Downloaded: req.Downloaded(),
			Total:      req.Total(),
			Progress:   req.Tracker().ProgressBytes(),
			Speed:      req.Tracker().SpeedBytes(),
			Status:     string(req.Tracker().Status()),
			Listeners:  req.Listeners(),
			Age:        time.Since(req.CreatedAt()).Seconds(),
		})
	}
	response.Respond(w, response.WithJSON(response.JSON{
		"downloads": infos,
		"count":     len(infos),
	}))
}

func (h *CacheHandlers) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var body EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		response.Respond(w, response.WithError(fmt.Errorf("invalid request body: %w", err), http.StatusBadRequest))
		return
	}
	if body.URL == "" {
		response.Respond(w, response.WithError(errors.New("url is required"), http.StatusBadRequest))
		return
	}
	if body.Category == "" {
		body.Category = category.Media.Name
	}
	cat, err := h.category(body.Category)
	if err != nil {
		response.Respond(w, response.WithError(err, http.StatusBadRequest))
		return
	}

	handle, err := h.coord.Enqueue(body.URL, cat, max(body.Chunks, 1), download.ListenerFuncs{},
		coordinator.WithExtraInfo(download.ExtraInfo{Size: body.Size, MD5: body.MD5}),
	)
	if err != nil {
		response.Respond(w, response.WithError(err, http.StatusServiceUnavailable))
		return
	}

	req := handle.Request()
	// cache hits end before Enqueue returns
	if req.Ended() {
		if o := req.Outcome(); o.Status == types.StatusSucceeded {
			response.Respond(w, response.WithJSON(response.JSON{
				"id":     req.ID().String(),
				"url":    req.URL(),
				"status": o.Status,
				"file":   o.File,
			}))
			return
		}
	}
	response.Respond(w, response.WithJSONStatus(response.JSON{
		"id":     req.ID().String(),
		"url":    req.URL(),
		"status": types.StatusPending,
	}, http.StatusAccepted))
}

func (h *CacheHandlers) handleCancel(w http.ResponseWriter, r *http.Request) {
	url := r.URL.Query().Get("url")
	if url == "" {
		response.Respond(w, response.WithError(errors.New("url query parameter is required"), http.StatusBadRequest))
		return
	}

	var ok bool
	if r.URL.Query().Get("stop") == "true" {
		ok = h.coord.StopURL(url)
	} else {
		ok = h.coord.CancelURL(url)
	}
	if !ok {
		response.Respond(w, response.WithError(fmt.Errorf("no active download for %s", url), http.StatusNotFound))
		return
	}
	response.Respond(w, response.WithStatus(http.StatusNoContent))
}

func (h *CacheHandlers) handleLookup(w http.ResponseWriter, r *http.Request) {
	cat, err := h.category(r.PathValue("category"))
	if err != nil {
		response.Respond(w, response.WithError(err, http.StatusNotFound))
		return
	}
	url := r.URL.Query().Get("url")
	if url == "" {
		response.Respond(w, response.WithError(errors.New("url query parameter is required"), http.StatusBadRequest))
		return
	}

	file, ok := h.coord.GetCachedFile(cat, url)
	if !ok {
		response.Respond(w, response.WithError(fmt.Errorf("%s is not cached", url), http.StatusNotFound))
		return
	}
	response.Respond(w, response.WithJSON(response.JSON{
		"url":  url,
		"file": file,
	}))
}

func (h *CacheHandlers) handleClearCategory(w http.ResponseWriter, r *http.Request) {
	cat, err := h.category(r.PathValue("category"))
	if err != nil {
		response.Respond(w, response.WithError(err, http.StatusNotFound))
		return
	}
	if err := h.coord.ClearCache(cat); err != nil {
		response.Respond(w, response.WithError(err, http.StatusInternalServerError))
		return
	}
	response.Respond(w, response.WithStatus(http.StatusNoContent))
}

func (h *CacheHandlers) handleClearAll(w http.ResponseWriter, r *http.Request) {
	h.coord.ClearAll()
	if err := h.coord.Manager().ClearAll(); err != nil {
		response.Respond(w, response.WithError(err, http.StatusInternalServerError))
		return
	}
	response.Respond(w, response.WithStatus(http.StatusNoContent))
}
