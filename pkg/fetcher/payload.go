package fetcher

import (
	"encoding/json"
	"fmt"
)

// StatusOK is the provider status code for a usable proxy.
const StatusOK = 100

// ProxyData is the provider payload for one key.
type ProxyData struct {
	Status          int    `json:"status"`
	Message         string `json:"message"`
	ProxyHTTP       string `json:"proxyhttp"`
	ProxySOCKS5     string `json:"proxysocks5"`
	Carrier         string `json:"Nha Mang"`
	Location        string `json:"Vi Tri"`
	TokenExpiration string `json:"Token expiration date"`
}

// Usable reports whether the payload describes a working proxy.
func (p ProxyData) Usable() bool { return p.Status == StatusOK }

// DecodeProxyData parses a stored payload.
func DecodeProxyData(raw json.RawMessage) (ProxyData, error) {
	var p ProxyData
	if len(raw) == 0 {
		return p, fmt.Errorf("%w: empty payload", ErrInvalidPayload)
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return p, nil
}
