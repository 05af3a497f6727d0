package esci2

import "github.com/mzyy94/esci2bridge/internal/ringbuf"

// extractLines moves whole lines from r into p. Each line on the wire is
// lineBytes of image followed by dummy padding bytes, which are dropped.
// A partial line stays in r. With invert set every byte is complemented,
// since 1-bit data arrives with the opposite polarity.
func extractLines(r *ringbuf.Ring, p []byte, lineBytes, dummy int, invert bool) int {
	if lineBytes <= 0 {
		return 0
	}
	lines := min(len(p)/lineBytes, r.Available()/(lineBytes+dummy))
	for i := range lines {
		line := p[i*lineBytes : (i+1)*lineBytes]
		r.Read(line)
		r.Skip(dummy)
		if invert {
			for j := range line {
				line[j] = ^line[j]
			}
		}
	}
	return lines * lineBytes
}
