// Package telemetry implements the Telemetry Parser (C5) and Telemetry Bus
// (C6). The parser is a pure function over one line of transcoder
// diagnostic output; no repo in the example pack parses this exact wire
// format, so it is authored fresh in the pack's plain regexp idiom:
// package-level regexp.MustCompile'd patterns, no parser-combinator
// library, matching the simple line-oriented scans elsewhere in the pack
// (e.g. the teacher's log scanning in internal/ingest).
package telemetry

import (
	"regexp"
	"strconv"
)

// Stats is one parsed statistics snapshot from a relay child's diagnostic
// stream.
type Stats struct {
	Frame       int64
	FPS         float64
	Quality     float64
	SizeKB      int64
	TimeSeconds float64
	BitrateKbps float64
	Speed       float64
	Resolution  string
	Codec       string
}

var (
	fusedLineRe = regexp.MustCompile(
		`frame=\s*(\d+)\s+fps=\s*([\d.]+)\s+q=\s*(-?[\d.]+)\s+size=\s*(\d+)kB\s+time=\s*(\d+):(\d+):(\d+(?:\.\d+)?)\s+bitrate=\s*([\d.]+)kbits/s\s+speed=\s*([\d.]+)x`,
	)

	frameRe      = regexp.MustCompile(`frame=\s*(\d+)`)
	fpsRe        = regexp.MustCompile(`fps=\s*([\d.]+)`)
	qualityRe    = regexp.MustCompile(`q=\s*(-?[\d.]+)`)
	sizeRe       = regexp.MustCompile(`size=\s*(\d+)kB`)
	timeRe       = regexp.MustCompile(`time=\s*(\d+):(\d+):(\d+(?:\.\d+)?)`)
	bitrateRe    = regexp.MustCompile(`bitrate=\s*([\d.]+)kbits/s`)
	speedRe      = regexp.MustCompile(`speed=\s*([\d.]+)x`)
	resolutionRe = regexp.MustCompile(`(\d{2,5}x\d{2,5})`)
	codecRe      = regexp.MustCompile(`codec:\s*([A-Za-z0-9_.-]+)`)
)

// Parse recognizes a fused statistics line first, falling back to
// individual fields. It returns nil if nothing recognizable was found.
func Parse(line string) *Stats {
	if m := fusedLineRe.FindStringSubmatch(line); m != nil {
		stats := &Stats{
			Frame:       mustInt(m[1]),
			FPS:         mustFloat(m[2]),
			Quality:     mustFloat(m[3]),
			SizeKB:      mustInt(m[4]),
			TimeSeconds: hmsToSeconds(m[5], m[6], m[7]),
			BitrateKbps: mustFloat(m[8]),
			Speed:       mustFloat(m[9]),
		}
		stats.Resolution = findResolution(line)
		stats.Codec = findCodec(line)
		return stats
	}

	var stats Stats
	found := false

	if m := frameRe.FindStringSubmatch(line); m != nil {
		stats.Frame = mustInt(m[1])
		found = true
	}
	if m := fpsRe.FindStringSubmatch(line); m != nil {
		stats.FPS = mustFloat(m[1])
		found = true
	}
	if m := qualityRe.FindStringSubmatch(line); m != nil {
		stats.Quality = mustFloat(m[1])
		found = true
	}
	if m := sizeRe.FindStringSubmatch(line); m != nil {
		stats.SizeKB = mustInt(m[1])
		found = true
	}
	if m := timeRe.FindStringSubmatch(line); m != nil {
		stats.TimeSeconds = hmsToSeconds(m[1], m[2], m[3])
		found = true
	}
	if m := bitrateRe.FindStringSubmatch(line); m != nil {
		stats.BitrateKbps = mustFloat(m[1])
		found = true
	}
	if m := speedRe.FindStringSubmatch(line); m != nil {
		stats.Speed = mustFloat(m[1])
		found = true
	}
	if res := findResolution(line); res != "" {
		stats.Resolution = res
		found = true
	}
	if codec := findCodec(line); codec != "" {
		stats.Codec = codec
		found = true
	}

	if !found {
		return nil
	}
	return &stats
}

func findResolution(line string) string {
	if m := resolutionRe.FindStringSubmatch(line); m != nil {
		return m[1]
	}
	return ""
}

func findCodec(line string) string {
	if m := codecRe.FindStringSubmatch(line); m != nil {
		return m[1]
	}
	return ""
}

func hmsToSeconds(h, m, s string) float64 {
	hours := mustFloat(h)
	minutes := mustFloat(m)
	seconds := mustFloat(s)
	total := hours*3600 + minutes*60 + seconds
	if total < 0 {
		return 0
	}
	return total
}

func mustInt(s string) int64 {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return v
}

func mustFloat(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

// Latest returns the most recent non-nil sample in order, or nil if none.
func Latest(samples []*Stats) *Stats {
	for i := len(samples) - 1; i >= 0; i-- {
		if samples[i] != nil {
			return samples[i]
		}
	}
	return nil
}

// Mean computes the arithmetic mean of fps/bitrate/speed across samples,
// carrying forward the latest frame/time/size/resolution/codec rather than
// averaging them.
func Mean(samples []*Stats) *Stats {
	var fpsSum, bitrateSum, speedSum float64
	count := 0
	for _, s := range samples {
		if s == nil {
			continue
		}
		fpsSum += s.FPS
		bitrateSum += s.BitrateKbps
		speedSum += s.Speed
		count++
	}
	if count == 0 {
		return nil
	}
	latest := Latest(samples)
	result := &Stats{
		FPS:         fpsSum / float64(count),
		BitrateKbps: bitrateSum / float64(count),
		Speed:       speedSum / float64(count),
	}
	if latest != nil {
		result.Frame = latest.Frame
		result.TimeSeconds = latest.TimeSeconds
		result.SizeKB = latest.SizeKB
		result.Resolution = latest.Resolution
		result.Codec = latest.Codec
	}
	return result
}
