package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nimburion/keyrotate/pkg/rotation"
)

type ownerView struct {
	InstanceID string     `json:"instanceId,omitempty"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
	Self       bool       `json:"self"`
}

type autoRunResponse struct {
	IsAutoRunning  bool       `json:"isAutoRunning"`
	PreviousStatus *bool      `json:"previousStatus,omitempty"`
	Message        string     `json:"message"`
	Owner          *ownerView `json:"owner,omitempty"`
}

func enabledWord(on bool) string {
	if on {
		return "enabled"
	}
	return "disabled"
}

func (h *Handler) autoRunStatus(c *gin.Context) {
	st, err := h.scheduler.Status(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	resp := autoRunResponse{
		IsAutoRunning: st.IsAutoRunning,
		Message:       "Auto run is " + enabledWord(st.IsAutoRunning),
	}
	if st.Owner.InstanceID != "" {
		view := &ownerView{InstanceID: st.Owner.InstanceID, Self: st.Owner.InstanceID == st.InstanceID}
		if !st.Owner.ExpiresAt.IsZero() {
			expires := st.Owner.ExpiresAt
			view.ExpiresAt = &expires
		}
		resp.Owner = view
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) toggleAutoRun(c *gin.Context) {
	previous := h.scheduler.GetAutoRunStatus()
	running, err := h.scheduler.ToggleAutoRun(c.Request.Context())
	if err != nil {
		if errors.Is(err, rotation.ErrOwnershipConflict) {
			writeError(c, http.StatusConflict, codeOwnership, err.Error())
			return
		}
		h.respondError(c, err)
		return
	}
	h.log.WithContext(c.Request.Context()).Info("auto-run toggled", "previous", previous, "running", running)
	c.JSON(http.StatusOK, autoRunResponse{
		IsAutoRunning:  running,
		PreviousStatus: &previous,
		Message:        "Auto run " + enabledWord(running) + " successfully",
	})
}
