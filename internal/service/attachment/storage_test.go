package attachment

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func memUpload(name, contentType string, data []byte) Upload {
	return Upload{
		Filename:    name,
		ContentType: contentType,
		Size:        int64(len(data)),
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		},
	}
}

func TestPrepareRejectsTooManyFiles(t *testing.T) {
	uploads := make([]Upload, MaxFiles+1)
	for i := range uploads {
		uploads[i] = memUpload("a.png", "image/png", []byte("x"))
	}
	_, err := Prepare(uploads, 0)
	assert.ErrorIs(t, err, ErrTooManyFiles)
}

func TestPrepareRejectsUnsupportedType(t *testing.T) {
	_, err := Prepare([]Upload{
		memUpload("leaf.png", "image/png", []byte("x")),
		memUpload("notes.pdf", "application/pdf", []byte("%PDF-1.4")),
	}, 0)
	assert.ErrorIs(t, err, ErrUnsupportedType)
}

func TestPrepareRejectsDeclaredNonMediaType(t *testing.T) {
	for _, u := range []Upload{
		memUpload("notes.png", "text/plain", []byte("plain text notes")),
		memUpload("scan.pdf", "application/pdf", []byte("\x89PNG\r\n\x1a\n0000")),
	} {
		_, err := Prepare([]Upload{u}, 0)
		assert.ErrorIs(t, err, ErrUnsupportedType, u.Filename)
	}
}

func TestPrepareRejectsOversizedFile(t *testing.T) {
	_, err := Prepare([]Upload{memUpload("big.mp4", "video/mp4", make([]byte, 11))}, 10)
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestPrepareResolvesMissingContentType(t *testing.T) {
	pngHeader := []byte("\x89PNG\r\n\x1a\n0000")
	prepared, err := Prepare([]Upload{
		memUpload("photo", "application/octet-stream", pngHeader),
		memUpload("clip.mp3", "", []byte("ID3")),
		memUpload("cam.jpg", "image/jpeg; charset=binary", []byte("x")),
	}, 0)
	require.NoError(t, err)
	assert.Equal(t, "image/png", prepared[0].ContentType)
	assert.Equal(t, "audio/mpeg", prepared[1].ContentType)
	assert.Equal(t, "image/jpeg", prepared[2].ContentType)
}

func TestDiskStorageSave(t *testing.T) {
	dir := t.TempDir()
	storage, err := NewDiskStorage(dir)
	require.NoError(t, err)

	atts, err := storage.Save(context.Background(), "http://farm.local/", []Upload{
		memUpload("Leaf.JPG", "image/jpeg", []byte("leaf")),
		memUpload("cough.webm", "audio/webm", []byte("cow")),
	})
	require.NoError(t, err)
	require.Len(t, atts, 2)

	assert.Equal(t, "Leaf.JPG", atts[0].Filename)
	assert.Equal(t, "image/jpeg", atts[0].Type)
	assert.True(t, strings.HasPrefix(atts[0].URL, "http://farm.local/uploads/files-"))
	assert.True(t, strings.HasSuffix(atts[0].URL, ".jpg"))

	stored := filepath.Join(dir, strings.TrimPrefix(atts[1].URL, "http://farm.local/uploads/"))
	data, err := os.ReadFile(stored)
	require.NoError(t, err)
	assert.Equal(t, "cow", string(data))
}

func TestDiskStorageSaveCleansUpOnFailure(t *testing.T) {
	dir := t.TempDir()
	storage, err := NewDiskStorage(dir)
	require.NoError(t, err)

	broken := Upload{
		Filename:    "bad.png",
		ContentType: "image/png",
		Open:        func() (io.ReadCloser, error) { return nil, errors.New("gone") },
	}
	_, err = storage.Save(context.Background(), "", []Upload{memUpload("ok.png", "image/png", []byte("ok")), broken})
	require.Error(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDiskStorageSaveEmpty(t *testing.T) {
	storage, err := NewDiskStorage(t.TempDir())
	require.NoError(t, err)

	atts, err := storage.Save(context.Background(), "", nil)
	require.NoError(t, err)
	assert.NotNil(t, atts)
	assert.Empty(t, atts)
}
