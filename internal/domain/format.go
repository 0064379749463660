package domain

import (
	"fmt"
	"strings"
)

type Format string

const (
	FormatMP4  Format = "MP4"
	FormatMKV  Format = "MKV"
	FormatWEBM Format = "WEBM"
	FormatMP3  Format = "MP3"
	FormatM4A  Format = "M4A"
	FormatOPUS Format = "OPUS"
)

type Quality string

const (
	Quality144p  Quality = "144p"
	Quality240p  Quality = "240p"
	Quality360p  Quality = "360p"
	Quality480p  Quality = "480p"
	Quality720p  Quality = "720p"
	Quality1080p Quality = "1080p"
	Quality4K    Quality = "4K"
	QualityBest  Quality = "Best"
)

// Formats lists the accepted formats in picker order.
var Formats = []Format{FormatMP4, FormatMKV, FormatWEBM, FormatMP3, FormatM4A, FormatOPUS}

// Qualities lists the accepted qualities from lowest to highest; Best is the default choice.
var Qualities = []Quality{Quality144p, Quality240p, Quality360p, Quality480p, Quality720p, Quality1080p, Quality4K, QualityBest}

func ParseFormat(raw string) (Format, error) {
	value := strings.TrimSpace(raw)
	for _, f := range Formats {
		if strings.EqualFold(value, string(f)) {
			return f, nil
		}
	}
	return "", fmt.Errorf("%w: unsupported format %q", ErrInvalidArgument, raw)
}

func ParseQuality(raw string) (Quality, error) {
	value := strings.TrimSpace(raw)
	for _, q := range Qualities {
		if strings.EqualFold(value, string(q)) {
			return q, nil
		}
	}
	return "", fmt.Errorf("%w: unsupported quality %q", ErrInvalidArgument, raw)
}

func (f Format) Valid() bool {
	for _, known := range Formats {
		if f == known {
			return true
		}
	}
	return false
}

func (f Format) IsAudio() bool {
	switch f {
	case FormatMP3, FormatM4A, FormatOPUS:
		return true
	default:
		return false
	}
}

// Extension is the file extension of a finished download, without the dot.
func (f Format) Extension() string {
	return strings.ToLower(string(f))
}

// MediaTypes lists the content types a server may answer with for this format.
// The first entry is the preferred one.
func (f Format) MediaTypes() []string {
	switch f {
	case FormatMP4:
		return []string{"video/mp4"}
	case FormatMKV:
		return []string{"video/x-matroska", "video/matroska"}
	case FormatWEBM:
		return []string{"video/webm"}
	case FormatMP3:
		return []string{"audio/mpeg", "audio/mp3"}
	case FormatM4A:
		return []string{"audio/mp4", "audio/x-m4a", "audio/m4a"}
	case FormatOPUS:
		return []string{"audio/ogg", "audio/opus"}
	default:
		return nil
	}
}

func (q Quality) Valid() bool {
	for _, known := range Qualities {
		if q == known {
			return true
		}
	}
	return false
}

// MaxHeight returns the vertical resolution cap for the quality, or 0 for Best.
func (q Quality) MaxHeight() int {
	switch q {
	case Quality144p:
		return 144
	case Quality240p:
		return 240
	case Quality360p:
		return 360
	case Quality480p:
		return 480
	case Quality720p:
		return 720
	case Quality1080p:
		return 1080
	case Quality4K:
		return 2160
	default:
		return 0
	}
}
