package engine

import (
	"bytes"
	"encoding/binary"
	"errors"

	"github.com/gabriel-vasile/mimetype"
)

// The transform pipeline removes embedded metadata (EXIF, comments,
// textual chunks) from images before they are persisted. Stripping works
// at the container level: metadata segments are dropped and everything
// else, pixel data included, is copied byte for byte. A recognized but
// malformed image is passed through unmodified rather than rejected.

var errMalformedImage = errors.New("malformed image container")

// Strippable reports whether the detected content type is an image
// format the pipeline knows how to strip.
func Strippable(m *mimetype.MIME) bool {
	return m.Is("image/jpeg") || m.Is("image/png")
}

// StripMetadata returns data with metadata segments removed, or data
// itself when the format is not recognized or the container does not
// parse.
func StripMetadata(data []byte) []byte {
	var (
		out []byte
		err error
	)

	switch {
	case bytes.HasPrefix(data, []byte{0xFF, 0xD8}):
		out, err = stripJPEG(data)
	case bytes.HasPrefix(data, pngSignature):
		out, err = stripPNG(data)
	default:
		return data
	}

	if err != nil {
		return data
	}
	return out
}

// stripJPEG walks the marker segments before the entropy-coded scan data
// and drops APP1..APP15 and COM segments. APP0 (JFIF) is kept, and from
// the SOS marker onward the stream is copied verbatim.
func stripJPEG(data []byte) ([]byte, error) {
	out := make([]byte, 0, len(data))
	out = append(out, data[:2]...) // SOI
	pos := 2

	for {
		if pos+2 > len(data) {
			return nil, errMalformedImage
		}
		if data[pos] != 0xFF {
			return nil, errMalformedImage
		}
		marker := data[pos+1]

		// Standalone markers carry no length word.
		if marker == 0x01 || (marker >= 0xD0 && marker <= 0xD9) {
			out = append(out, data[pos:pos+2]...)
			pos += 2
			continue
		}

		// Start of scan: everything from here is entropy-coded data
		// terminated by EOI. Copy it untouched.
		if marker == 0xDA {
			out = append(out, data[pos:]...)
			return out, nil
		}

		if pos+4 > len(data) {
			return nil, errMalformedImage
		}
		segLen := int(binary.BigEndian.Uint16(data[pos+2 : pos+4]))
		if segLen < 2 || pos+2+segLen > len(data) {
			return nil, errMalformedImage
		}

		drop := (marker >= 0xE1 && marker <= 0xEF) || marker == 0xFE
		if !drop {
			out = append(out, data[pos:pos+2+segLen]...)
		}
		pos += 2 + segLen
	}
}

var pngSignature = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1A, '\n'}

// pngMetadataChunks are the ancillary chunk types that only carry
// metadata; everything else is copied through verbatim, CRCs included.
var pngMetadataChunks = map[string]bool{
	"tEXt": true,
	"zTXt": true,
	"iTXt": true,
	"eXIf": true,
	"tIME": true,
}

func stripPNG(data []byte) ([]byte, error) {
	out := make([]byte, 0, len(data))
	out = append(out, data[:len(pngSignature)]...)
	pos := len(pngSignature)

	sawEnd := false
	for pos < len(data) {
		if pos+8 > len(data) {
			return nil, errMalformedImage
		}
		chunkLen := int(binary.BigEndian.Uint32(data[pos : pos+4]))
		chunkType := string(data[pos+4 : pos+8])

		total := 8 + chunkLen + 4 // header + data + CRC
		if chunkLen < 0 || pos+total > len(data) {
			return nil, errMalformedImage
		}

		if !pngMetadataChunks[chunkType] {
			out = append(out, data[pos:pos+total]...)
		}
		pos += total

		if chunkType == "IEND" {
			sawEnd = true
			break
		}
	}

	if !sawEnd {
		return nil, errMalformedImage
	}

	// Trailing garbage after IEND is preserved as-is.
	out = append(out, data[pos:]...)
	return out, nil
}
