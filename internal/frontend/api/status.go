package api

import (
	"net/http"

	"github.com/modelgate/modelgate/internal/build"
	"github.com/modelgate/modelgate/internal/config"
)

type configStatusResponse struct {
	Providers   map[string]bool    `json:"providers"`
	Mode        config.Mode        `json:"mode"`
	HasAPIKeys  bool               `json:"hasApiKeys"`
	X402Enabled bool               `json:"x402Enabled"`
	Server      serverStatusDetail `json:"server"`
}

type serverStatusDetail struct {
	Environment string `json:"environment"`
	Port        int    `json:"port"`
}

// configStatus reports provider credential presence without exposing key
// material.
func (a *API) configStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, configStatusResponse{
		Providers:   a.config.ProviderStatus(),
		Mode:        config.ModeBYOK,
		HasAPIKeys:  a.config.HasAPIKeys(),
		X402Enabled: false,
		Server: serverStatusDetail{
			Environment: a.config.Global.Environment,
			Port:        a.config.Server.Port,
		},
	})
}

type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

func (a *API) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:  "ok",
		Version: build.Version,
	})
}
