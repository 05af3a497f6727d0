package esci2

import (
	"fmt"
	"log/slog"
	"slices"
)

// Source is a document source.
type Source int

const (
	SourceFlatbed Source = iota
	SourceFeeder
	SourceTransparency
)

var sourceNames = map[Source]string{
	SourceFlatbed:      "flatbed",
	SourceFeeder:       "feeder",
	SourceTransparency: "transparency",
}

func (s Source) String() string {
	if n, ok := sourceNames[s]; ok {
		return n
	}
	return fmt.Sprintf("Source(%d)", int(s))
}

// ParseSource maps a source name to a Source.
func ParseSource(name string) (Source, error) {
	for s, n := range sourceNames {
		if n == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown source %q", name)
}

// Alignment is where a document sits across the scan area.
type Alignment int

const (
	AlignLeft Alignment = iota
	AlignCenter
	AlignRight
)

// Area is a scan area expressed in device units of 1/Unit inch.
type Area struct {
	Width  int
	Height int
	Unit   int // units per inch
}

// Millimeters converts the area to millimetres.
func (a Area) Millimeters() (w, h float64) {
	if a.Unit == 0 {
		return 0, 0
	}
	return float64(a.Width) * 25.4 / float64(a.Unit), float64(a.Height) * 25.4 / float64(a.Unit)
}

// SourceCaps holds what one document source can do.
type SourceCaps struct {
	Area            Area
	Alignment       Alignment
	BasicResolution int
	OverscanX       int // 1/300 inch
	OverscanY       int
}

// Range is an inclusive integer range with quantization.
type Range struct {
	Min, Max, Quant int
}

// FeederFeatures are the optional automatic document feeder functions.
type FeederFeatures struct {
	Duplex         bool
	SinglePass     bool // both sides in one pass
	SkewCorrection bool
	DoubleFeed     int // 0 none, 1 length based, 2 ultrasonic
	Load           bool
	Eject          bool
	CardType       bool
}

// Capabilities is what a device reported during discovery. It is filled once
// and read-only while scanning.
type Capabilities struct {
	Model   string
	Version string
	Serial  string

	Resolutions     []int  // sorted, unique
	ResolutionRange *Range // set when the device reports a range
	Depths          []int  // sorted, unique

	Sources map[Source]*SourceCaps
	Feeder  FeederFeatures

	Raw       bool
	JPEG      bool
	BlockSize int
}

// NewCapabilities returns an empty model.
func NewCapabilities() *Capabilities {
	return &Capabilities{
		Sources:   make(map[Source]*SourceCaps),
		BlockSize: DefaultBlockSize,
	}
}

// AddResolution inserts dpi keeping the list sorted and unique.
func (c *Capabilities) AddResolution(dpi int) {
	if dpi <= 0 {
		return
	}
	i, found := slices.BinarySearch(c.Resolutions, dpi)
	if !found {
		c.Resolutions = slices.Insert(c.Resolutions, i, dpi)
	}
}

// SetResolutionRange records a min/max pair.
func (c *Capabilities) SetResolutionRange(lo, hi int) {
	c.ResolutionRange = &Range{Min: lo, Max: hi, Quant: 1}
}

// AddDepth records a supported bit depth.
func (c *Capabilities) AddDepth(depth int) {
	i, found := slices.BinarySearch(c.Depths, depth)
	if !found {
		c.Depths = slices.Insert(c.Depths, i, depth)
	}
}

// source returns the caps for s, creating them on first use.
func (c *Capabilities) source(s Source) *SourceCaps {
	sc, ok := c.Sources[s]
	if !ok {
		sc = &SourceCaps{}
		c.Sources[s] = sc
	}
	return sc
}

// SetArea sets the scan area of s at unit units per inch.
func (c *Capabilities) SetArea(s Source, width, height, unit int) {
	c.source(s).Area = Area{Width: width, Height: height, Unit: unit}
}

// HasSource reports whether the device announced s.
func (c *Capabilities) HasSource(s Source) bool {
	_, ok := c.Sources[s]
	return ok
}

// SupportsResolution checks dpi against the list or range.
func (c *Capabilities) SupportsResolution(dpi int) bool {
	if r := c.ResolutionRange; r != nil && dpi >= r.Min && dpi <= r.Max {
		return true
	}
	_, found := slices.BinarySearch(c.Resolutions, dpi)
	return found
}

// SupportsDepth reports whether depth was announced. An empty list accepts
// the depths every ESC/I-2 device handles.
func (c *Capabilities) SupportsDepth(depth int) bool {
	if len(c.Depths) == 0 {
		return depth == 1 || depth == 8
	}
	_, found := slices.BinarySearch(c.Depths, depth)
	return found
}

// MaxResolution returns the highest supported resolution.
func (c *Capabilities) MaxResolution() int {
	m := 0
	if len(c.Resolutions) > 0 {
		m = c.Resolutions[len(c.Resolutions)-1]
	}
	if c.ResolutionRange != nil {
		m = max(m, c.ResolutionRange.Max)
	}
	return m
}

// --------------------------------------------------------------------------
// Interpreters
// --------------------------------------------------------------------------

// InfoVisitor interprets an INFO reply into c.
func InfoVisitor(c *Capabilities) Visitor {
	return func(t Token) (Action, error) {
		v := t.Value
		switch {
		case t.HasPrefix("nrdBUSY"):
			// device asks for the whole query to be repeated
			return Busy, nil
		case t.Is("PRD"):
			c.Model = decodeStringOrEmpty(v)
			slog.Debug("info", "product", c.Model)
		case t.Is("VER"):
			c.Version = decodeStringOrEmpty(v)
			slog.Debug("info", "version", c.Version)
		case t.Is("S/N"):
			c.Serial = decodeStringOrEmpty(v)
			slog.Debug("info", "serial", c.Serial)
		case t.Is("ADF"):
			c.source(SourceFeeder)
			infoSourceField(c, SourceFeeder, v)
			infoFeederField(c, v)
		case t.Is("FB "):
			c.source(SourceFlatbed)
			infoSourceField(c, SourceFlatbed, v)
		case t.Is("TPU"):
			c.source(SourceTransparency)
			infoSourceField(c, SourceTransparency, v)
		}
		return Continue, nil
	}
}

// infoSourceField handles the fields ADF, FB and TPU share.
func infoSourceField(c *Capabilities, s Source, v []byte) {
	sc := c.source(s)
	switch {
	case len(v) == 20 && string(v[:4]) == "AREA":
		// AREAi0000850i0001400
		w, err1 := DecodeInt(v[4:12])
		h, err2 := DecodeInt(v[12:20])
		if err1 == nil && err2 == nil {
			c.SetArea(s, w, h, 100)
		}
	case len(v) == 16 && string(v[:4]) == "AREA":
		// AREAd850i0001400
		w, err1 := DecodeInt(v[4:8])
		h, err2 := DecodeInt(v[8:16])
		if err1 == nil && err2 == nil {
			c.SetArea(s, w, h, 100)
		}
	case len(v) == 12 && string(v[:4]) == "RESO":
		if r, err := DecodeInt(v[4:12]); err == nil {
			sc.BasicResolution = r
		}
	case len(v) == 12 && string(v[:4]) == "OVSN":
		x, err1 := DecodeInt(v[4:8])
		y, err2 := DecodeInt(v[8:12])
		if err1 == nil && err2 == nil {
			sc.OverscanX, sc.OverscanY = x, y
		}
	case len(v) == 8 && string(v) == "ALGNLEFT":
		sc.Alignment = AlignLeft
	case len(v) == 8 && string(v) == "ALGNCNTR":
		sc.Alignment = AlignCenter
	case len(v) == 8 && string(v) == "ALGNRIGT":
		sc.Alignment = AlignRight
	}
}

func infoFeederField(c *Capabilities, v []byte) {
	switch string(v) {
	case "DPLX1SCN":
		c.Feeder.SinglePass = true
	case "DPLX2SCN":
		c.Feeder.SinglePass = false
	case "TYPECDRC":
		c.Feeder.CardType = true
	}
}

// CapaVisitor interprets a CAPA or CAPB reply into c.
func CapaVisitor(c *Capabilities) Visitor {
	return func(t Token) (Action, error) {
		v := t.Value
		switch {
		case t.Is("ADF"):
			capaFeederField(c, v)
		case t.Is("FMT"):
			for i := 0; i+4 <= len(v); i += 4 {
				switch string(v[i : i+4]) {
				case "RAW ":
					c.Raw = true
				case "JPG ":
					c.JPEG = true
				}
			}
		case t.HasPrefix("COLLIST"):
			for i := 4; i+4 <= len(v); i += 4 {
				if d := colorDepth(v[i : i+4]); d > 0 {
					c.AddDepth(d)
				}
			}
		case t.Is("RSM"):
			resolutionField(c, v)
		case t.Is("BSZ"):
			if n, err := DecodeInt(v); err == nil && n > 0 {
				c.BlockSize = n
			}
		}
		return Continue, nil
	}
}

func capaFeederField(c *Capabilities, v []byte) {
	if len(v) == 8 && string(v) == "DFL1DFL2" {
		c.Feeder.DoubleFeed = 2
		return
	}
	if len(v) != 4 {
		return
	}
	switch string(v) {
	case "DPLX":
		c.Feeder.Duplex = true
	case "SKEW":
		c.Feeder.SkewCorrection = true
	case "LOAD":
		c.Feeder.Load = true
	case "EJCT":
		c.Feeder.Eject = true
	case "DFL1":
		if c.Feeder.DoubleFeed == 0 {
			c.Feeder.DoubleFeed = 1
		}
	}
}

// colorDepth maps a COLLIST entry (C024, M008, ...) to bits per sample.
func colorDepth(e []byte) int {
	n, err := DecodeInt(append([]byte{'d'}, e[1:]...))
	if err != nil {
		return 0
	}
	switch e[0] {
	case 'C':
		return n / 3
	case 'M':
		return n
	}
	return 0
}

// ResaVisitor interprets a RESA reply into c. Gamma tables in the reply are
// skipped by the tokenizer.
func ResaVisitor(c *Capabilities) Visitor {
	return func(t Token) (Action, error) {
		if t.Is("RSM") || t.Is("RSS") {
			resolutionField(c, t.Value)
		}
		return Continue, nil
	}
}

// resolutionField handles RANGi0000050i0000600 and LISTi0000300d600...
func resolutionField(c *Capabilities, v []byte) {
	if len(v) < 4 {
		return
	}
	switch string(v[:4]) {
	case "RANG":
		vals, err := DecodeInts(v[4:])
		if err == nil && len(vals) >= 2 {
			c.SetResolutionRange(vals[0], vals[1])
			slog.Debug("capa", "resolution_min", vals[0], "resolution_max", vals[1])
		}
	case "LIST":
		vals, _ := DecodeInts(v[4:])
		for _, r := range vals {
			c.AddResolution(r)
		}
	}
}

func decodeStringOrEmpty(v []byte) string {
	s, err := DecodeString(v)
	if err != nil {
		return ""
	}
	return s
}

// StatVisitor interprets a STAT reply, turning error fields into errors.
func StatVisitor() Visitor {
	return func(t Token) (Action, error) {
		if !t.Is("ERR") {
			return Continue, nil
		}
		v := string(t.Value)
		switch {
		case v == "ADF PE ":
			return Stop, ErrNoDocument
		case v == "ADF OPN":
			return Stop, ErrCoverOpen
		case len(v) >= 6 && v[4:6] == CausePaperJam:
			return Stop, ErrJammed
		}
		return Continue, nil
	}
}

// ParaVisitor interprets a PARA reply.
func ParaVisitor() Visitor {
	return func(t Token) (Action, error) {
		if t.HasPrefix("parFAIL") {
			return Stop, fmt.Errorf("%w: device rejected scan parameters", ErrInvalidParameters)
		}
		return Continue, nil
	}
}
