package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/nimburion/keyrotate/pkg/keystore"
)

type createKeyRequest struct {
	Key              string `json:"key"`
	URL              string `json:"url"`
	ExpirationDate   string `json:"expirationDate"`
	RotationInterval *int   `json:"rotationInterval"`
}

// updateKeyRequest carries a partial edit; absent fields keep their stored value.
type updateKeyRequest struct {
	Key              *string `json:"key"`
	URL              *string `json:"url"`
	ExpirationDate   *string `json:"expirationDate"`
	RotationInterval *int    `json:"rotationInterval"`
	IsActive         *bool   `json:"isActive"`
}

type pagination struct {
	TotalItems  int `json:"totalItems"`
	TotalPages  int `json:"totalPages"`
	CurrentPage int `json:"currentPage"`
	PageSize    int `json:"pageSize"`
	StartItem   int `json:"startItem"`
	EndItem     int `json:"endItem"`
}

type listKeysResponse struct {
	Keys       []keystore.Key `json:"keys"`
	Pagination pagination     `json:"pagination"`
}

func newPagination(q keystore.SearchQuery, total, returned int) pagination {
	p := pagination{
		TotalItems:  total,
		TotalPages:  (total + q.PageSize - 1) / q.PageSize,
		CurrentPage: q.Page,
		PageSize:    q.PageSize,
	}
	if p.TotalPages < 1 {
		p.TotalPages = 1
	}
	if returned > 0 {
		p.StartItem = q.Offset() + 1
		p.EndItem = q.Offset() + returned
	}
	return p
}

func queryInt(c *gin.Context, name string) (int, error) {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", keystore.ErrInvalidKey, name)
	}
	return n, nil
}

func (h *Handler) listKeys(c *gin.Context) {
	page, err := queryInt(c, "page")
	if err != nil {
		h.respondError(c, err)
		return
	}
	pageSize, err := queryInt(c, "pageSize")
	if err != nil {
		h.respondError(c, err)
		return
	}
	q := keystore.SearchQuery{Text: c.Query("search"), Page: page, PageSize: pageSize}.Normalize()

	result, err := h.store.SearchKeys(c.Request.Context(), q)
	if err != nil {
		h.respondError(c, err)
		return
	}
	items := result.Items
	if items == nil {
		items = []keystore.Key{}
	}
	c.JSON(http.StatusOK, listKeysResponse{
		Keys:       items,
		Pagination: newPagination(q, result.Total, len(items)),
	})
}

func (h *Handler) createKey(c *gin.Context) {
	var req createKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, codeInvalid, "malformed JSON body")
		return
	}
	interval := h.interval
	if req.RotationInterval != nil {
		interval = *req.RotationInterval
	}
	now := h.now()
	key := keystore.Key{
		ID:                      h.newID(),
		Secret:                  strings.TrimSpace(req.Key),
		URL:                     req.URL,
		ExpirationDate:          req.ExpirationDate,
		IsActive:                true,
		CreatedAt:               now,
		LastRotatedAt:           now,
		UpdatedAt:               now,
		RotationIntervalSeconds: interval,
	}
	if err := h.store.CreateKey(c.Request.Context(), key); err != nil {
		h.respondError(c, err)
		return
	}
	h.scheduler.StartKey(key)
	h.log.WithContext(c.Request.Context()).Info("key created", "key_id", key.ID, "interval", interval)
	c.JSON(http.StatusCreated, key)
}

func (h *Handler) getKey(c *gin.Context) {
	key, err := h.store.GetKey(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, key)
}

// updateKey merges the edit into the stored record. A change to a scheduling
// field moves UpdatedAt so the new schedule counts from the edit.
func (h *Handler) updateKey(c *gin.Context) {
	var req updateKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, codeInvalid, "malformed JSON body")
		return
	}
	ctx := c.Request.Context()
	key, err := h.store.GetKey(ctx, c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	rescheduled := false
	if req.Key != nil && strings.TrimSpace(*req.Key) != key.Secret {
		key.Secret = strings.TrimSpace(*req.Key)
		rescheduled = true
	}
	if req.URL != nil {
		key.URL = *req.URL
	}
	if req.ExpirationDate != nil {
		key.ExpirationDate = *req.ExpirationDate
	}
	if req.RotationInterval != nil && *req.RotationInterval != key.RotationIntervalSeconds {
		key.RotationIntervalSeconds = *req.RotationInterval
		rescheduled = true
	}
	if req.IsActive != nil && *req.IsActive != key.IsActive {
		key.IsActive = *req.IsActive
		rescheduled = true
	}
	if rescheduled {
		key.UpdatedAt = h.now()
	}

	if err := h.store.UpdateKey(ctx, key); err != nil {
		h.respondError(c, err)
		return
	}
	stored, err := h.store.GetKey(ctx, key.ID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if rescheduled {
		h.scheduler.RefreshKey(stored)
	}
	h.log.WithContext(ctx).Info("key updated", "key_id", key.ID, "rescheduled", rescheduled)
	c.JSON(http.StatusOK, stored)
}

func (h *Handler) deleteKey(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	if _, err := h.store.GetKey(ctx, id); err != nil {
		h.respondError(c, err)
		return
	}
	h.scheduler.StopKey(id)
	if err := h.store.DeleteKey(ctx, id); err != nil {
		if errors.Is(err, keystore.ErrNotFound) {
			c.Status(http.StatusNoContent)
			return
		}
		h.respondError(c, err)
		return
	}
	h.log.WithContext(ctx).Info("key deleted", "key_id", id)
	c.Status(http.StatusNoContent)
}
