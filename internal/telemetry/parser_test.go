package telemetry

import "testing"

func TestParseFusedLine(t *testing.T) {
	line := "frame= 1200 fps= 30 q=-1.0 size=  102400kB time=00:00:40.00 bitrate=3000.0kbits/s speed=1.0x"
	stats := Parse(line)
	if stats == nil {
		t.Fatal("expected parsed stats, got nil")
	}
	if stats.Frame != 1200 {
		t.Fatalf("frame = %d, want 1200", stats.Frame)
	}
	if stats.FPS != 30 {
		t.Fatalf("fps = %v, want 30", stats.FPS)
	}
	if stats.TimeSeconds != 40 {
		t.Fatalf("timeSeconds = %v, want 40", stats.TimeSeconds)
	}
	if stats.BitrateKbps != 3000 {
		t.Fatalf("bitrate = %v, want 3000", stats.BitrateKbps)
	}
	if stats.Speed != 1.0 {
		t.Fatalf("speed = %v, want 1.0", stats.Speed)
	}
}

func TestParseTimeConversionWithHoursAndMinutes(t *testing.T) {
	line := "frame= 1 fps= 1 q=1 size= 1kB time=01:02:03.50 bitrate=1kbits/s speed=1x"
	stats := Parse(line)
	if stats == nil {
		t.Fatal("expected parsed stats")
	}
	want := 1.0*3600 + 2*60 + 3.5
	if stats.TimeSeconds != want {
		t.Fatalf("timeSeconds = %v, want %v", stats.TimeSeconds, want)
	}
}

func TestParseUnrecognizedLineReturnsNil(t *testing.T) {
	if stats := Parse("this is not a diagnostic line"); stats != nil {
		t.Fatalf("expected nil for unrecognized line, got %+v", stats)
	}
}

func TestParseFallsBackToIndividualFields(t *testing.T) {
	stats := Parse("fps=24.5 extra noise")
	if stats == nil {
		t.Fatal("expected partial match")
	}
	if stats.FPS != 24.5 {
		t.Fatalf("fps = %v, want 24.5", stats.FPS)
	}
	if stats.Frame != 0 {
		t.Fatalf("frame = %d, want 0 (not present)", stats.Frame)
	}
}

func TestLatestReturnsLastNonNil(t *testing.T) {
	a := &Stats{Frame: 1}
	b := &Stats{Frame: 2}
	got := Latest([]*Stats{a, nil, b})
	if got != b {
		t.Fatal("expected last non-nil sample")
	}
}

func TestMeanAveragesRatesAndCarriesForwardLatestScalars(t *testing.T) {
	a := &Stats{FPS: 10, BitrateKbps: 1000, Speed: 1, Frame: 100, Resolution: "640x480"}
	b := &Stats{FPS: 30, BitrateKbps: 3000, Speed: 2, Frame: 200, Resolution: "1920x1080"}
	mean := Mean([]*Stats{a, b})
	if mean.FPS != 20 {
		t.Fatalf("mean fps = %v, want 20", mean.FPS)
	}
	if mean.BitrateKbps != 2000 {
		t.Fatalf("mean bitrate = %v, want 2000", mean.BitrateKbps)
	}
	if mean.Frame != 200 {
		t.Fatalf("frame should carry forward latest (200), got %d", mean.Frame)
	}
	if mean.Resolution != "1920x1080" {
		t.Fatalf("resolution should carry forward latest, got %q", mean.Resolution)
	}
}

func TestMeanEmptyReturnsNil(t *testing.T) {
	if got := Mean(nil); got != nil {
		t.Fatal("expected nil mean for empty input")
	}
	if got := Mean([]*Stats{nil, nil}); got != nil {
		t.Fatal("expected nil mean when all samples are nil")
	}
}
