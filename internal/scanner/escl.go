package scanner

import (
	"bytes"
	"context"
	"fmt"
	"image/jpeg"
	"io"
	"log/slog"
	"math"
	"slices"

	"github.com/OpenPrinting/go-mfp/abstract"
	"github.com/OpenPrinting/go-mfp/util/generic"
	"github.com/OpenPrinting/go-mfp/util/uuid"
	"go.uber.org/atomic"

	"github.com/mzyy94/esci2bridge/internal/config"
	"github.com/mzyy94/esci2bridge/internal/esci2"
)

// Manufacturer is reported to eSCL clients.
const Manufacturer = "EPSON"

// standardResolutions are offered when the device reports a range only.
var standardResolutions = []int{75, 100, 150, 200, 300, 600, 1200}

// ESCLAdapter implements abstract.Scanner on top of a connected Scanner.
type ESCLAdapter struct {
	scanner  *Scanner
	settings *config.Store
	caps     *abstract.ScannerCapabilities
	adfEmpty *atomic.Bool // set after a batch drained the feeder
}

// NewESCLAdapter creates an eSCL adapter for s, which must be connected.
// Request fields a client leaves unset are filled from settings.
func NewESCLAdapter(s *Scanner, settings *config.Store) *ESCLAdapter {
	if settings == nil {
		settings = config.NewMemoryStore()
	}
	return &ESCLAdapter{
		scanner:  s,
		settings: settings,
		caps:     buildCapabilities(s.Capabilities(), s.Name(), s.Address()),
		adfEmpty: atomic.NewBool(false),
	}
}

func buildCapabilities(c *esci2.Capabilities, name, address string) *abstract.ScannerCapabilities {
	if c == nil {
		c = esci2.NewCapabilities()
	}
	resolutions := offeredResolutions(c)
	res := make([]abstract.Resolution, len(resolutions))
	for i, dpi := range resolutions {
		res[i] = abstract.Resolution{XResolution: dpi, YResolution: dpi}
	}
	profile := abstract.SettingsProfile{
		ColorModes: generic.MakeBitset(
			abstract.ColorModeColor,
			abstract.ColorModeMono,
			abstract.ColorModeBinary,
		),
		Depths: generic.MakeBitset(abstract.ColorDepth8),
		BinaryRenderings: generic.MakeBitset(
			abstract.BinaryRenderingThreshold,
		),
		Resolutions: res,
	}
	optical := c.MaxResolution()
	if optical == 0 {
		optical = resolutions[len(resolutions)-1]
	}

	input := func(s esci2.Source) *abstract.InputCapabilities {
		sc, ok := c.Sources[s]
		if !ok {
			return nil
		}
		w, h := sc.Area.Millimeters()
		maxW, maxH := mmToDim(w), mmToDim(h)
		if maxW == 0 || maxH == 0 {
			maxW, maxH = 216*abstract.Millimeter, 356*abstract.Millimeter
		}
		return &abstract.InputCapabilities{
			MinWidth:              min(16*abstract.Millimeter, maxW),
			MaxWidth:              maxW,
			MinHeight:             min(16*abstract.Millimeter, maxH),
			MaxHeight:             maxH,
			MaxOpticalXResolution: optical,
			MaxOpticalYResolution: optical,
			Intents: generic.MakeBitset(
				abstract.IntentDocument,
				abstract.IntentPhoto,
				abstract.IntentTextAndGraphic,
			),
			Profiles: []abstract.SettingsProfile{profile},
		}
	}

	if name == "" {
		name = c.Model
	}
	if name == "" {
		name = "ESC/I-2 Scanner"
	}
	serial := c.Serial
	if serial == "" {
		serial = address
	}

	caps := &abstract.ScannerCapabilities{
		UUID:            uuid.SHA1(uuid.NameSpaceDNS, "esci2bridge."+serial),
		MakeAndModel:    name,
		Manufacturer:    Manufacturer,
		SerialNumber:    serial,
		DocumentFormats: []string{"image/jpeg", "application/pdf"},
		Platen:          input(esci2.SourceFlatbed),
		ADFSimplex:      input(esci2.SourceFeeder),
	}
	if caps.ADFSimplex != nil {
		caps.ADFCapacity = 50
		if c.Feeder.Duplex {
			caps.ADFDuplex = caps.ADFSimplex
		}
	}
	return caps
}

// offeredResolutions lists what eSCL clients may pick: the device list, else
// the standard values inside the device range, else 150-300.
func offeredResolutions(c *esci2.Capabilities) []int {
	out := slices.Clone(c.Resolutions)
	if r := c.ResolutionRange; r != nil {
		for _, dpi := range standardResolutions {
			if dpi >= r.Min && dpi <= r.Max {
				out = append(out, dpi)
			}
		}
		slices.Sort(out)
		out = slices.Compact(out)
	}
	if len(out) == 0 {
		out = []int{150, 200, 300}
	}
	return out
}

func mmToDim(mm float64) abstract.Dimension {
	return abstract.Dimension(math.Round(mm * float64(abstract.Millimeter)))
}

func dimToMM(d abstract.Dimension) float64 {
	return float64(d) / float64(abstract.Millimeter)
}

// Capabilities returns the scanner capabilities.
func (a *ESCLAdapter) Capabilities() *abstract.ScannerCapabilities {
	return a.caps
}

// Scan converts an eSCL request to scan parameters, runs the batch and
// returns the pages as JPEG, converted by go-mfp when another format is
// requested.
func (a *ESCLAdapter) Scan(ctx context.Context, req abstract.ScannerRequest) (abstract.Document, error) {
	if err := req.Validate(a.caps); err != nil {
		return nil, err
	}

	p := mapScanParams(req, a.scanner.Capabilities(), a.settings.Get())
	slog.Info("scan requested",
		"colorMode", req.ColorMode,
		"resolution", req.Resolution,
		"adfMode", req.ADFMode,
		"source", p.Source,
		"duplex", p.Duplex,
		"format", req.DocumentFormat,
	)

	pages, err := a.scanner.Scan(ctx, p, nil)
	if p.Source == esci2.SourceFeeder {
		// a finished or failed batch usually leaves the feeder empty
		a.adfEmpty.Store(true)
	}
	if err != nil {
		return nil, err
	}

	quality := a.settings.Get().JPEGQuality
	if quality <= 0 {
		quality = jpeg.DefaultQuality
	}
	files := make([][]byte, 0, len(pages))
	for _, pg := range pages {
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, pg.Image, &jpeg.Options{Quality: quality}); err != nil {
			return nil, fmt.Errorf("encode page %d: %w", pg.Index, err)
		}
		files = append(files, buf.Bytes())
	}

	doc := &jpegDocument{
		res:   abstract.Resolution{XResolution: p.Resolution, YResolution: p.Resolution},
		pages: files,
	}
	if req.DocumentFormat != "" && req.DocumentFormat != "image/jpeg" {
		return abstract.NewFilter(doc, abstract.FilterOptions{
			OutputFormat: req.DocumentFormat,
		}), nil
	}
	return doc, nil
}

// CheckADFStatus queries the scanner for paper presence. On error it falls
// back to the state left by the last batch.
func (a *ESCLAdapter) CheckADFStatus() (bool, error) {
	hasPaper, err := a.scanner.ADFLoaded()
	if err != nil {
		if a.adfEmpty.Load() {
			slog.Warn("ADF status check failed, using cached state (empty)", "err", err)
			return false, nil
		}
		return false, err
	}
	a.adfEmpty.Store(!hasPaper)
	return hasPaper, nil
}

// Close releases the scanner.
func (a *ESCLAdapter) Close() error {
	return a.scanner.Disconnect()
}

// mapScanParams converts an eSCL request into scan parameters. Unset fields
// take the stored defaults.
func mapScanParams(req abstract.ScannerRequest, c *esci2.Capabilities, def config.Settings) esci2.ScanParams {
	var p esci2.ScanParams

	switch req.Input {
	case abstract.InputPlaten:
		p.Source = esci2.SourceFlatbed
	case abstract.InputADF:
		p.Source = esci2.SourceFeeder
	default:
		p.Source = defaultSource(c, def.Source)
	}

	switch req.ColorMode {
	case abstract.ColorModeColor:
		p.Mode = esci2.ModeColor
	case abstract.ColorModeMono:
		p.Mode = esci2.ModeGray
	case abstract.ColorModeBinary:
		p.Mode = esci2.ModeLineart
	default:
		if m, err := esci2.ParseMode(def.ColorMode); err == nil {
			p.Mode = m
		}
	}

	p.Resolution = req.Resolution.XResolution
	if p.Resolution <= 0 {
		p.Resolution = def.Resolution
	}
	if p.Resolution <= 0 {
		p.Resolution = 300
	}

	switch req.ADFMode {
	case abstract.ADFModeDuplex:
		p.Duplex = true
	case abstract.ADFModeSimplex:
		p.Duplex = false
	default:
		p.Duplex = def.Duplex
	}
	if p.Source != esci2.SourceFeeder || c == nil || !c.Feeder.Duplex {
		p.Duplex = false
	}

	p.Left, p.Top = dimToMM(req.Region.XOffset), dimToMM(req.Region.YOffset)
	p.Width, p.Height = dimToMM(req.Region.Width), dimToMM(req.Region.Height)

	if def.Transfer == config.TransferJPEG && p.Mode != esci2.ModeLineart && c != nil && c.JPEG {
		p.Format = esci2.FormatJPEG
		p.JPEGQuality = def.JPEGQuality
	}
	return p
}

func defaultSource(c *esci2.Capabilities, name string) esci2.Source {
	if s, err := esci2.ParseSource(name); err == nil {
		return s
	}
	if c != nil && c.HasSource(esci2.SourceFeeder) {
		return esci2.SourceFeeder
	}
	return esci2.SourceFlatbed
}

// --------------------------------------------------------------------------
// Document / DocumentFile implementation for JPEG pages
// --------------------------------------------------------------------------

// jpegDocument wraps scanned JPEG pages as an abstract.Document.
type jpegDocument struct {
	res   abstract.Resolution
	pages [][]byte
	idx   int
}

func (d *jpegDocument) Resolution() abstract.Resolution { return d.res }

func (d *jpegDocument) Next() (abstract.DocumentFile, error) {
	if d.idx >= len(d.pages) {
		return nil, io.EOF
	}
	f := &jpegFile{Reader: bytes.NewReader(d.pages[d.idx])}
	d.idx++
	return f, nil
}

func (d *jpegDocument) Close() error { return nil }

type jpegFile struct {
	*bytes.Reader
}

func (f *jpegFile) Format() string { return "image/jpeg" }
