package engine

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

// jpegSegment builds a marker segment with the given payload.
func jpegSegment(marker byte, payload []byte) []byte {
	seg := []byte{0xFF, marker, 0, 0}
	binary.BigEndian.PutUint16(seg[2:], uint16(len(payload)+2))
	return append(seg, payload...)
}

// buildJPEG assembles SOI + the given segments + a fake scan section.
func buildJPEG(scan []byte, segments ...[]byte) []byte {
	img := []byte{0xFF, 0xD8}
	for _, s := range segments {
		img = append(img, s...)
	}
	img = append(img, jpegSegment(0xDA, []byte{0x01})...)
	img = append(img, scan...)
	img = append(img, 0xFF, 0xD9)
	return img
}

func TestStripJPEGRemovesMetadataKeepsPixels(t *testing.T) {
	t.Parallel()

	scan := []byte{0xAB, 0xCD, 0xEF, 0x00, 0x11}
	jfif := jpegSegment(0xE0, []byte("JFIF\x00"))
	exif := jpegSegment(0xE1, []byte("Exif\x00\x00somedata"))
	comment := jpegSegment(0xFE, []byte("shot on a potato"))
	quant := jpegSegment(0xDB, bytes.Repeat([]byte{3}, 16))

	img := buildJPEG(scan, jfif, exif, comment, quant)
	out := StripMetadata(img)

	want := buildJPEG(scan, jfif, quant)
	require.Equal(t, want, out, "EXIF and COM segments should be dropped, JFIF and tables kept")
	require.True(t, bytes.Contains(out, scan), "scan data must survive byte for byte")
	require.False(t, bytes.Contains(out, []byte("Exif")), "EXIF payload should be gone")
	require.False(t, bytes.Contains(out, []byte("potato")), "comment should be gone")
}

func TestStripJPEGMalformedFallsThrough(t *testing.T) {
	t.Parallel()

	// Truncated mid-segment: claims 100 payload bytes, provides none.
	img := []byte{0xFF, 0xD8, 0xFF, 0xE1, 0x00, 0x64}
	out := StripMetadata(img)
	require.Equal(t, img, out, "malformed image must pass through unmodified")
}

// pngChunk builds a chunk with a dummy CRC; the stripper copies chunks
// verbatim and never validates CRCs.
func pngChunk(typ string, payload []byte) []byte {
	chunk := make([]byte, 0, 12+len(payload))
	chunk = binary.BigEndian.AppendUint32(chunk, uint32(len(payload)))
	chunk = append(chunk, typ...)
	chunk = append(chunk, payload...)
	chunk = binary.BigEndian.AppendUint32(chunk, 0xDEADBEEF)
	return chunk
}

func buildPNG(chunks ...[]byte) []byte {
	img := append([]byte{}, pngSignature...)
	for _, c := range chunks {
		img = append(img, c...)
	}
	return img
}

func TestStripPNGRemovesTextChunks(t *testing.T) {
	t.Parallel()

	ihdr := pngChunk("IHDR", make([]byte, 13))
	text := pngChunk("tEXt", []byte("Author\x00me"))
	exif := pngChunk("eXIf", []byte("exifdata"))
	idat := pngChunk("IDAT", []byte{9, 8, 7, 6, 5})
	iend := pngChunk("IEND", nil)

	img := buildPNG(ihdr, text, exif, idat, iend)
	out := StripMetadata(img)

	want := buildPNG(ihdr, idat, iend)
	require.Equal(t, want, out, "metadata chunks should be dropped, pixel chunks kept")
}

func TestStripPNGMissingIENDFallsThrough(t *testing.T) {
	t.Parallel()

	img := buildPNG(pngChunk("IHDR", make([]byte, 13)), pngChunk("IDAT", []byte{1}))
	out := StripMetadata(img)
	require.Equal(t, img, out, "PNG without IEND must pass through unmodified")
}

func TestStripUnknownFormatPassesThrough(t *testing.T) {
	t.Parallel()

	data := []byte("just some text, not an image at all")
	require.Equal(t, data, StripMetadata(data))
}
