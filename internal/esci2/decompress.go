package esci2

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"math"

	"github.com/mzyy94/esci2bridge/internal/ringbuf"
)

// ringSource lets a decoder pull from a page ring in fixed blocks. It never
// waits for device I/O: an empty ring is io.EOF.
type ringSource struct {
	r      *ringbuf.Ring
	buf    []byte
	off, n int
}

func newRingSource(r *ringbuf.Ring, block int) *ringSource {
	return &ringSource{r: r, buf: make([]byte, block)}
}

func (s *ringSource) fill() bool {
	s.n = s.r.Read(s.buf)
	s.off = 0
	return s.n > 0
}

func (s *ringSource) Read(p []byte) (int, error) {
	if s.off >= s.n && !s.fill() {
		return 0, io.EOF
	}
	n := copy(p, s.buf[s.off:s.n])
	s.off += n
	return n, nil
}

// Discard skips up to n bytes across as many fills as needed and returns how
// many were skipped.
func (s *ringSource) Discard(n int) int {
	skipped := 0
	for skipped < n {
		if s.off >= s.n && !s.fill() {
			break
		}
		k := min(n-skipped, s.n-s.off)
		s.off += k
		skipped += k
	}
	return skipped
}

// jpegPage turns one compressed page into rows of RGB24 or Gray8 bytes.
// The stream is decoded on the first Read; a decode failure is final.
type jpegPage struct {
	src *ringSource
	img image.Image
	err error

	channels int

	row []byte
	off int // read cursor into row
	y   int // next row to stage
}

func newJPEGPage(src *ringSource) *jpegPage {
	return &jpegPage{src: src}
}

func (j *jpegPage) start() error {
	if j.img != nil || j.err != nil {
		return j.err
	}
	img, err := jpeg.Decode(j.src)
	if err != nil {
		j.err = fmt.Errorf("jpeg page: %w: %v", ErrProtocol, err)
		return j.err
	}
	j.img = img
	j.channels = 3
	if _, ok := img.(*image.Gray); ok {
		j.channels = 1
	}
	b := img.Bounds()
	j.y = b.Min.Y
	j.row = make([]byte, 0, b.Dx()*j.channels)
	return nil
}

// Bounds returns the decoded size, starting the decode if needed.
func (j *jpegPage) Bounds() (image.Rectangle, int, error) {
	if err := j.start(); err != nil {
		return image.Rectangle{}, 0, err
	}
	return j.img.Bounds(), j.channels, nil
}

func (j *jpegPage) Read(p []byte) (int, error) {
	if err := j.start(); err != nil {
		return 0, err
	}
	n := 0
	for n < len(p) {
		if j.off >= len(j.row) && !j.nextRow() {
			break
		}
		c := copy(p[n:], j.row[j.off:])
		j.off += c
		n += c
	}
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

// nextRow stages the next decoded row.
func (j *jpegPage) nextRow() bool {
	b := j.img.Bounds()
	if j.y >= b.Max.Y {
		return false
	}
	y := j.y
	j.y++
	j.row = j.row[:0]
	j.off = 0

	switch m := j.img.(type) {
	case *image.Gray:
		i := m.PixOffset(b.Min.X, y)
		j.row = append(j.row, m.Pix[i:i+b.Dx()]...)
	case *image.YCbCr:
		for x := b.Min.X; x < b.Max.X; x++ {
			yi, ci := m.YOffset(x, y), m.COffset(x, y)
			r, g, bl := color.YCbCrToRGB(m.Y[yi], m.Cb[ci], m.Cr[ci])
			j.row = append(j.row, r, g, bl)
		}
	default:
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.RGBAModel.Convert(m.At(x, y)).(color.RGBA)
			j.row = append(j.row, c.R, c.G, c.B)
		}
	}
	return true
}

// Close drops whatever compressed bytes the decoder left behind and reports
// how many there were.
func (j *jpegPage) Close() int {
	return j.src.Discard(math.MaxInt)
}
