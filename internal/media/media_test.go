package media_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/genialhealth/genial-ai-healthcare-assistant/internal/media"
)

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 4, 4))
	for x := 0; x < 4; x++ {
		img.Set(x, x, color.NRGBA{R: 200, A: 255})
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestDecodeUpload_DataURLBecomesJPEG(t *testing.T) {
	t.Parallel()
	encoded := "data:image/png;base64," + base64.StdEncoding.EncodeToString(pngBytes(t))

	out, err := media.DecodeUpload(encoded)

	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", media.MIMEType(out))
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Width)
}

func TestDecodeUpload_RawBase64(t *testing.T) {
	t.Parallel()
	out, err := media.DecodeUpload(base64.StdEncoding.EncodeToString(pngBytes(t)))

	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", media.MIMEType(out))
}

func TestDecodeUpload_RejectsGarbage(t *testing.T) {
	t.Parallel()
	_, err := media.DecodeUpload(base64.StdEncoding.EncodeToString([]byte("not an image")))
	assert.ErrorIs(t, err, media.ErrInvalidImage)

	_, err = media.DecodeUpload("%%%")
	assert.ErrorIs(t, err, media.ErrInvalidImage)
}

// withDimensions rewrites the IHDR size of a PNG and fixes up its checksum.
func withDimensions(t *testing.T, data []byte, width, height uint32) []byte {
	t.Helper()
	out := bytes.Clone(data)
	require.Equal(t, "IHDR", string(out[12:16]))
	binary.BigEndian.PutUint32(out[16:20], width)
	binary.BigEndian.PutUint32(out[20:24], height)
	binary.BigEndian.PutUint32(out[29:33], crc32.ChecksumIEEE(out[12:29]))
	return out
}

func TestDecodeUpload_RejectsOversizedImage(t *testing.T) {
	t.Parallel()
	bomb := withDimensions(t, pngBytes(t), 60000, 60000)

	_, err := media.DecodeUpload(base64.StdEncoding.EncodeToString(bomb))

	require.Error(t, err)
	assert.True(t, errors.Is(err, media.ErrInvalidImage))
	assert.Contains(t, err.Error(), "60000x60000")
}

func TestToJPEG_AcceptsRewrittenHeader(t *testing.T) {
	t.Parallel()
	_, err := media.ToJPEG(withDimensions(t, pngBytes(t), 4, 4))

	assert.NoError(t, err)
}

func TestFileStore_SaveOpenExists(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, err := media.NewFileStore(t.TempDir())
	require.NoError(t, err)

	ref, err := s.Save(ctx, []byte("jpeg"))
	require.NoError(t, err)
	assert.True(t, s.Exists(ctx, ref))

	data, err := s.Open(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, []byte("jpeg"), data)

	_, err = s.Open(ctx, "missing.jpg")
	assert.ErrorIs(t, err, media.ErrNotFound)
	assert.False(t, s.Exists(ctx, "../../etc/passwd"))
}

func TestMemoryStore_CopiesData(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := media.NewMemoryStore()
	data := []byte("abc")

	ref, err := s.Save(ctx, data)
	require.NoError(t, err)
	data[0] = 'z'

	got, err := s.Open(ctx, "/uploads/"+ref)
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), got)
}
