package esci2

import (
	"fmt"
	"strings"
)

// Mode is the colour mode of a scan.
type Mode int

const (
	ModeColor Mode = iota
	ModeGray
	ModeLineart
)

func (m Mode) String() string {
	switch m {
	case ModeColor:
		return "color"
	case ModeGray:
		return "gray"
	case ModeLineart:
		return "lineart"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// ParseMode maps a mode name to a Mode.
func ParseMode(name string) (Mode, error) {
	switch strings.ToLower(name) {
	case "color", "colour":
		return ModeColor, nil
	case "gray", "grey", "grayscale":
		return ModeGray, nil
	case "lineart", "binary", "bw":
		return ModeLineart, nil
	}
	return 0, fmt.Errorf("unknown mode %q", name)
}

// Format is how image data travels over the wire.
type Format int

const (
	FormatRaw Format = iota
	FormatJPEG
)

func (f Format) String() string {
	if f == FormatJPEG {
		return "jpeg"
	}
	return "raw"
}

// ScanParams is what the caller asks for. Lengths are in millimetres.
type ScanParams struct {
	Source     Source
	Mode       Mode
	Depth      int // bits per sample; 0 picks 8, lineart is always 1
	Resolution int // dpi, same for both axes

	Left, Top     float64
	Width, Height float64 // 0 takes the full source area

	Duplex      bool
	Format      Format
	JPEGQuality int // 1..100, 0 leaves the device default
}

// Geometry is the resolved image layout.
type Geometry struct {
	X, Y          int // offset in pixels at Resolution
	PixelsPerLine int
	Lines         int
	Depth         int
	Channels      int
	BytesPerLine  int
}

const mmPerInch = 25.4

func mmToPixels(mm float64, dpi int) int {
	return int(mm / mmPerInch * float64(dpi))
}

// Resolve validates p against c and computes the geometry. A nil c skips the
// capability checks.
func (p ScanParams) Resolve(c *Capabilities) (Geometry, error) {
	if p.Resolution <= 0 {
		return Geometry{}, fmt.Errorf("%w: resolution %d", ErrInvalidParameters, p.Resolution)
	}
	g := Geometry{Depth: p.Depth, Channels: 1}
	switch p.Mode {
	case ModeColor:
		g.Channels = 3
	case ModeGray:
	case ModeLineart:
		g.Depth = 1
		if p.Format == FormatJPEG {
			return Geometry{}, fmt.Errorf("%w: lineart cannot be JPEG compressed", ErrInvalidParameters)
		}
	default:
		return Geometry{}, fmt.Errorf("%w: mode %v", ErrInvalidParameters, p.Mode)
	}
	if g.Depth == 0 {
		g.Depth = 8
	}
	if p.Format == FormatJPEG && g.Depth != 8 {
		return Geometry{}, fmt.Errorf("%w: JPEG needs 8 bits per sample", ErrInvalidParameters)
	}

	width, height := p.Width, p.Height
	if c != nil {
		if err := p.check(c, g.Depth); err != nil {
			return Geometry{}, err
		}
		if sc, ok := c.Sources[p.Source]; ok && sc.Area.Unit > 0 {
			maxW, maxH := sc.Area.Millimeters()
			if width <= 0 {
				width = maxW - p.Left
			}
			if height <= 0 {
				height = maxH - p.Top
			}
			width = min(width, maxW-p.Left)
			height = min(height, maxH-p.Top)
		}
	}
	if p.Left < 0 || p.Top < 0 || width <= 0 || height <= 0 {
		return Geometry{}, fmt.Errorf("%w: area %.1fx%.1f+%.1f+%.1f mm",
			ErrInvalidParameters, width, height, p.Left, p.Top)
	}

	g.X = mmToPixels(p.Left, p.Resolution)
	g.Y = mmToPixels(p.Top, p.Resolution)
	g.PixelsPerLine = mmToPixels(width, p.Resolution)
	g.Lines = mmToPixels(height, p.Resolution)
	if g.Depth == 1 {
		// lineart lines are whole bytes
		g.PixelsPerLine &^= 7
	}
	g.BytesPerLine = g.PixelsPerLine * g.Channels * g.Depth / 8
	if g.BytesPerLine <= 0 || g.Lines <= 0 {
		return Geometry{}, fmt.Errorf("%w: degenerate image %dx%d", ErrInvalidParameters, g.PixelsPerLine, g.Lines)
	}
	return g, nil
}

func (p ScanParams) check(c *Capabilities, depth int) error {
	if len(c.Sources) > 0 && !c.HasSource(p.Source) {
		return fmt.Errorf("%w: source %v not available", ErrInvalidParameters, p.Source)
	}
	if p.Duplex && (p.Source != SourceFeeder || !c.Feeder.Duplex) {
		return fmt.Errorf("%w: duplex not available on %v", ErrInvalidParameters, p.Source)
	}
	if (len(c.Resolutions) > 0 || c.ResolutionRange != nil) && !c.SupportsResolution(p.Resolution) {
		return fmt.Errorf("%w: resolution %d not supported", ErrInvalidParameters, p.Resolution)
	}
	if !c.SupportsDepth(depth) {
		return fmt.Errorf("%w: depth %d not supported", ErrInvalidParameters, depth)
	}
	if p.Format == FormatJPEG && (c.Raw || c.JPEG) && !c.JPEG {
		return fmt.Errorf("%w: device does not compress", ErrInvalidParameters)
	}
	return nil
}

// Encode builds the PARA parameter string for a resolved geometry.
func (p ScanParams) Encode(g Geometry, blockSize int) string {
	var b strings.Builder
	switch p.Source {
	case SourceFeeder:
		b.WriteString("#ADF")
		if p.Duplex {
			b.WriteString("DPLX")
		}
	case SourceTransparency:
		b.WriteString("#TPU")
	default:
		b.WriteString("#FB ")
	}

	switch {
	case g.Channels == 3:
		fmt.Fprintf(&b, "#COLC%03d", g.Depth*3)
	default:
		fmt.Fprintf(&b, "#COLM%03d", g.Depth)
	}

	if p.Format == FormatJPEG {
		b.WriteString("#FMTJPG ")
		if p.JPEGQuality > 0 {
			fmt.Fprintf(&b, "#JPGd%03d", min(p.JPEGQuality, 100))
		}
	} else {
		b.WriteString("#FMTRAW ")
	}

	if blockSize > 0 {
		fmt.Fprintf(&b, "#BSZi%07d", blockSize)
	}
	fmt.Fprintf(&b, "#RSMi%07d#RSSi%07d", p.Resolution, p.Resolution)
	fmt.Fprintf(&b, "#ACQi%07di%07di%07di%07d", g.X, g.Y, g.PixelsPerLine, g.Lines)
	if p.Source == SourceFeeder {
		// scan until the feeder runs empty
		b.WriteString("#PAGd000")
	}
	return b.String()
}
