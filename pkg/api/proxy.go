package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nimburion/keyrotate/pkg/fetcher"
	"github.com/nimburion/keyrotate/pkg/keystore"
)

type randomProxyResponse struct {
	ProxyData     json.RawMessage `json:"proxyData"`
	Key           string          `json:"key"`
	LastRotatedAt time.Time       `json:"lastRotatedAt"`
}

// usableKeys returns the active keys whose last payload reports a working proxy.
func usableKeys(keys []keystore.Key) []keystore.Key {
	out := make([]keystore.Key, 0, len(keys))
	for _, k := range keys {
		if !k.IsActive {
			continue
		}
		data, err := fetcher.DecodeProxyData(k.Payload)
		if err != nil || !data.Usable() {
			continue
		}
		out = append(out, k)
	}
	return out
}

// randomProxy serves a random usable proxy. It is read-only: rotation
// timing never depends on which keys were handed out.
func (h *Handler) randomProxy(c *gin.Context) {
	keys, err := h.store.ListKeys(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	candidates := usableKeys(keys)
	if len(candidates) == 0 {
		writeError(c, http.StatusNotFound, codeNoProxy, "no valid proxy data available")
		return
	}
	chosen := candidates[h.pick(len(candidates))]
	c.JSON(http.StatusOK, randomProxyResponse{
		ProxyData:     chosen.Payload,
		Key:           chosen.Secret,
		LastRotatedAt: chosen.LastRotatedAt,
	})
}
