package media

import (
	"bytes"
	"fmt"
)

// Format describes the container the merged artifact is written in.
type Format struct {
	Name        string
	Extension   string
	ContentType string
	muxer       string
}

var (
	FormatWAV = Format{Name: "wav", Extension: ".wav", ContentType: "audio/wav", muxer: "wav"}
	FormatMP3 = Format{Name: "mp3", Extension: ".mp3", ContentType: "audio/mpeg", muxer: "mp3"}
)

func FormatByName(name string) (Format, error) {
	switch name {
	case "wav":
		return FormatWAV, nil
	case "mp3":
		return FormatMP3, nil
	}
	return Format{}, fmt.Errorf("unsupported media format %q", name)
}

const sniffLen = 12

// Sniff guesses the container from the first bytes of a blob. It returns
// "wav", "mp3" or "" when unknown.
func Sniff(head []byte) string {
	if len(head) >= 12 && bytes.Equal(head[0:4], []byte("RIFF")) && bytes.Equal(head[8:12], []byte("WAVE")) {
		return "wav"
	}
	if len(head) >= 3 && bytes.Equal(head[0:3], []byte("ID3")) {
		return "mp3"
	}
	if len(head) >= 4 {
		if _, ok := parseFrameHeader(head[0:4]); ok {
			return "mp3"
		}
	}
	return ""
}
