package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateImageType(t *testing.T) {
	assert.True(t, ValidateImageType("image/png", "a.png"))
	assert.True(t, ValidateImageType("IMAGE/JPEG", "photo.jpg"))
	assert.True(t, ValidateImageType("", "photo.webp"))
	assert.True(t, ValidateImageType("application/octet-stream", "photo.jpeg"))

	assert.False(t, ValidateImageType("video/mp4", "clip.mp4"))
	assert.False(t, ValidateImageType("", "doc.pdf"))
	assert.False(t, ValidateImageType("", ""))
}

func TestContentTypeForFilename(t *testing.T) {
	assert.Equal(t, "image/jpeg", ContentTypeForFilename("x.JPG"))
	assert.Equal(t, "image/webp", ContentTypeForFilename("x.webp"))
	assert.Equal(t, "application/octet-stream", ContentTypeForFilename("x.bin"))
}

func TestKeyFromPublicURL(t *testing.T) {
	s := &S3{cfg: S3Config{Region: "us-east-1", UploadsBucket: "pulse-uploads"}}

	key, ok := s.KeyFromPublicURL("https://pulse-uploads.s3.us-east-1.amazonaws.com/avatars/u1/a.png")
	assert.True(t, ok)
	assert.Equal(t, "avatars/u1/a.png", key)

	_, ok = s.KeyFromPublicURL("https://cdn.example.com/a.png")
	assert.False(t, ok)
	_, ok = s.KeyFromPublicURL("")
	assert.False(t, ok)
	_, ok = s.KeyFromPublicURL(s.PublicObjectURL(""))
	assert.False(t, ok)
}

func TestObjectKeys(t *testing.T) {
	assert.Equal(t, "avatars/u1/a.png", AvatarKey("u1", "a.png"))
	// path traversal in the filename is stripped
	assert.Equal(t, "thumbnails/s1/a.png", ThumbnailKey("s1", "../../a.png"))
}
