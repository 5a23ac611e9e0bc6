package ytdlp

import (
	"strconv"
	"strings"
)

// Progress is one parsed download progress line.
//
// yt-dlp emits lines of the form:
//
//	[download]  45.2% of 123.45MiB at 1.23MiB/s ETA 00:45
type Progress struct {
	Percent   float64
	TotalSize string
	Speed     string
	ETA       string
}

// ParseProgressLine parses a single output line. The second return value is
// false for lines that are not download progress.
func ParseProgressLine(line string) (Progress, bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "[download]") {
		return Progress{}, false
	}

	idx := strings.Index(line, "%")
	if idx < 0 {
		return Progress{}, false
	}
	fields := strings.Fields(line[:idx])
	if len(fields) == 0 {
		return Progress{}, false
	}
	percent, err := strconv.ParseFloat(fields[len(fields)-1], 64)
	if err != nil {
		return Progress{}, false
	}

	p := Progress{Percent: percent}
	if _, rest, ok := strings.Cut(line, " of "); ok {
		size, rest2, hasRate := strings.Cut(rest, " at ")
		p.TotalSize = strings.TrimSpace(size)
		if hasRate {
			speed, eta, hasETA := strings.Cut(rest2, " ETA ")
			p.Speed = strings.TrimSpace(speed)
			if hasETA {
				p.ETA = strings.TrimSpace(eta)
			}
		}
	}
	return p, true
}
