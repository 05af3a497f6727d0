package webui

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mzyy94/esci2bridge/internal/config"
	"github.com/mzyy94/esci2bridge/internal/esci2"
)

type stubDevice struct {
	connected, scanning bool
	caps                *esci2.Capabilities
	cancelled           int
}

func (d *stubDevice) Name() string                      { return "Office" }
func (d *stubDevice) Address() string                   { return "net:10.0.0.9" }
func (d *stubDevice) Connected() bool                   { return d.connected }
func (d *stubDevice) Scanning() bool                    { return d.scanning }
func (d *stubDevice) Capabilities() *esci2.Capabilities { return d.caps }
func (d *stubDevice) Cancel()                           { d.cancelled++ }

type stubADF struct {
	loaded bool
	err    error
}

func (a stubADF) CheckADFStatus() (bool, error) { return a.loaded, a.err }

func feederCaps() *esci2.Capabilities {
	c := esci2.NewCapabilities()
	c.Model, c.Serial, c.Version = "DS-C490", "X12345", "1.07"
	c.SetArea(esci2.SourceFeeder, 850, 1400, 100)
	c.Feeder.Duplex = true
	c.AddResolution(300)
	c.JPEG = true
	return c
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestStatus(t *testing.T) {
	dev := &stubDevice{connected: true, caps: feederCaps()}
	h := NewHandler(dev, stubADF{loaded: true}, "http://10.0.0.2:8080/eSCL", nil)

	rec := do(t, h, "GET", "/api/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Online)
	assert.Equal(t, "idle", resp.State)
	assert.Equal(t, "DS-C490", resp.Device.Model)
	assert.Equal(t, "X12345", resp.Device.Serial)
	assert.Equal(t, []string{"feeder"}, resp.Caps.Sources)
	assert.Equal(t, []int{300}, resp.Caps.Resolutions)
	assert.True(t, resp.Caps.Duplex)
	require.NotNil(t, resp.ADF)
	assert.True(t, resp.ADF.Loaded)
	assert.Equal(t, "http://10.0.0.2:8080/eSCL", resp.ESCLUrl)
}

func TestStatus_States(t *testing.T) {
	dev := &stubDevice{caps: feederCaps()}
	h := NewHandler(dev, stubADF{err: errors.New("gone")}, "", nil)

	var resp statusResponse
	require.NoError(t, json.Unmarshal(do(t, h, "GET", "/api/status", "").Body.Bytes(), &resp))
	assert.Equal(t, "offline", resp.State)
	assert.Nil(t, resp.ADF)

	dev.connected, dev.scanning = true, true
	require.NoError(t, json.Unmarshal(do(t, h, "GET", "/api/status", "").Body.Bytes(), &resp))
	assert.Equal(t, "scanning", resp.State)
	assert.Nil(t, resp.ADF, "status errors leave the ADF state out")
}

func TestSettings_GetPut(t *testing.T) {
	store := config.NewMemoryStore()
	h := NewHandler(&stubDevice{}, nil, "", store)

	rec := do(t, h, "GET", "/api/settings", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got config.Settings
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, config.DefaultSettings(), got)

	rec = do(t, h, "PUT", "/api/settings", `{"colorMode":"gray","resolution":200}`)
	require.Equal(t, http.StatusOK, rec.Code)
	want := config.DefaultSettings()
	want.ColorMode, want.Resolution = "gray", 200
	assert.Equal(t, want, store.Get(), "omitted fields keep their values")
}

func TestSettings_PutRejects(t *testing.T) {
	store := config.NewMemoryStore()
	h := NewHandler(&stubDevice{}, nil, "", store)

	assert.Equal(t, http.StatusBadRequest, do(t, h, "PUT", "/api/settings", `{`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, "PUT", "/api/settings", `{"transfer":"png"}`).Code)
	assert.Equal(t, config.DefaultSettings(), store.Get())
}

func TestCancel(t *testing.T) {
	dev := &stubDevice{connected: true}
	h := NewHandler(dev, nil, "", nil)

	assert.Equal(t, http.StatusConflict, do(t, h, "POST", "/api/scan/cancel", "").Code)
	assert.Zero(t, dev.cancelled)

	dev.scanning = true
	assert.Equal(t, http.StatusAccepted, do(t, h, "POST", "/api/scan/cancel", "").Code)
	assert.Equal(t, 1, dev.cancelled)
}
