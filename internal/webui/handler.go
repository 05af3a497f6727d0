// Package webui serves the JSON API used to inspect the bridge and edit the
// scan defaults.
package webui

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/mzyy94/esci2bridge/internal/config"
	"github.com/mzyy94/esci2bridge/internal/esci2"
	"github.com/mzyy94/esci2bridge/internal/scanner"
)

// Device is what the handler needs from a scanner.
type Device interface {
	Name() string
	Address() string
	Connected() bool
	Scanning() bool
	Capabilities() *esci2.Capabilities
	Cancel()
}

// ADFChecker reports feeder paper presence.
type ADFChecker interface {
	CheckADFStatus() (bool, error)
}

type handler struct {
	dev      Device
	adf      ADFChecker
	esclURL  string
	settings *config.Store
}

var _ Device = (*scanner.Scanner)(nil)

// NewHandler creates the API handler. adf may be nil when the device has no
// feeder.
func NewHandler(dev Device, adf ADFChecker, esclURL string, settings *config.Store) http.Handler {
	if settings == nil {
		settings = config.NewMemoryStore()
	}
	h := &handler{dev: dev, adf: adf, esclURL: esclURL, settings: settings}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", h.handleStatus)
	mux.HandleFunc("GET /api/settings", h.handleGetSettings)
	mux.HandleFunc("PUT /api/settings", h.handlePutSettings)
	mux.HandleFunc("POST /api/scan/cancel", h.handleCancel)
	return mux
}

type statusResponse struct {
	Online    bool       `json:"online"`
	State     string     `json:"state"`
	ADF       *adfStatus `json:"adf,omitempty"`
	Device    deviceInfo `json:"device"`
	Caps      capsInfo   `json:"capabilities"`
	ESCLUrl   string     `json:"esclUrl"`
	UpdatedAt string     `json:"updatedAt"`
}

type adfStatus struct {
	Loaded bool `json:"loaded"`
}

type deviceInfo struct {
	Name    string `json:"name"`
	Model   string `json:"model"`
	Serial  string `json:"serial"`
	Version string `json:"version"`
	Address string `json:"address"`
}

type capsInfo struct {
	Sources     []string `json:"sources"`
	Resolutions []int    `json:"resolutions"`
	Depths      []int    `json:"depths"`
	Duplex      bool     `json:"duplex"`
	JPEG        bool     `json:"jpeg"`
	BlockSize   int      `json:"blockSize"`
}

func (h *handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	online := h.dev.Connected()
	state := "idle"
	switch {
	case !online:
		state = "offline"
	case h.dev.Scanning():
		state = "scanning"
	}

	resp := statusResponse{
		Online: online,
		State:  state,
		Device: deviceInfo{
			Name:    h.dev.Name(),
			Address: h.dev.Address(),
		},
		ESCLUrl:   h.esclURL,
		UpdatedAt: time.Now().UTC().Format(time.RFC3339),
	}

	if c := h.dev.Capabilities(); c != nil {
		resp.Device.Model = c.Model
		resp.Device.Serial = c.Serial
		resp.Device.Version = c.Version
		for _, s := range []esci2.Source{esci2.SourceFlatbed, esci2.SourceFeeder, esci2.SourceTransparency} {
			if c.HasSource(s) {
				resp.Caps.Sources = append(resp.Caps.Sources, s.String())
			}
		}
		resp.Caps.Resolutions = c.Resolutions
		resp.Caps.Depths = c.Depths
		resp.Caps.Duplex = c.Feeder.Duplex
		resp.Caps.JPEG = c.JPEG
		resp.Caps.BlockSize = c.BlockSize

		if online && h.adf != nil && c.HasSource(esci2.SourceFeeder) {
			hasPaper, err := h.adf.CheckADFStatus()
			if err == nil {
				resp.ADF = &adfStatus{Loaded: hasPaper}
			} else {
				slog.Debug("ADF status check failed", "err", err)
			}
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// --- Settings API ---

func (h *handler) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.settings.Get())
}

func (h *handler) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	s := h.settings.Get()
	if err := json.NewDecoder(r.Body).Decode(&s); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.Validate(); err != nil {
		http.Error(w, fmt.Sprintf("invalid settings: %v", err), http.StatusBadRequest)
		return
	}
	if err := h.settings.Update(s); err != nil {
		slog.Warn("settings save failed", "err", err)
		http.Error(w, "failed to save settings", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// --- Scan control ---

func (h *handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	if !h.dev.Scanning() {
		http.Error(w, "no scan in progress", http.StatusConflict)
		return
	}
	h.dev.Cancel()
	w.WriteHeader(http.StatusAccepted)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write response failed", "err", err)
	}
}
