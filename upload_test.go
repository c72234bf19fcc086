package orgspace

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// pngHeader is enough of a PNG for content sniffing.
var pngHeader = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0x0d, 'I', 'H', 'D', 'R'}

func newTestUploader(t *testing.T, maxSize int64) (*Uploader, *fakeService) {
	svc := newFakeService(t, "u1")
	cfg := testConfig(svc.URL())
	cfg.MaxAttachmentSize = maxSize
	return NewUploader(svc.client(), cfg), svc
}

func TestOversizedAttachmentMakesNoCalls(t *testing.T) {
	const mb = 1000 * 1000
	u, svc := newTestUploader(t, 650*mb)

	_, err := u.Upload(context.Background(), &Attachment{
		FileName:    "video.mp4",
		ContentType: "video/mp4",
		Size:        700 * mb,
	})
	require.ErrorIs(t, err, ErrAttachmentTooLarge)
	require.True(t, IsValidation(err))
	require.Equal(t, UploadFailed, u.State())
	require.Zero(t, svc.total())

	_, err = u.RequestDestination(context.Background(), "video.mp4", "video/mp4", 700*mb)
	require.ErrorIs(t, err, ErrAttachmentTooLarge)
	require.Zero(t, svc.total())
}

func TestUploadTwoPhases(t *testing.T) {
	u, svc := newTestUploader(t, 1<<20)
	require.Equal(t, UploadIdle, u.State())

	data := append(append([]byte(nil), pngHeader...), make([]byte, 64)...)
	url, err := u.Upload(context.Background(), &Attachment{FileName: "chart.png", Data: data})
	require.NoError(t, err)
	require.Equal(t, "https://cdn.example.com/files/chart.png", url)
	require.Equal(t, UploadDone, u.State())
	require.Equal(t, url, u.FileURL())

	require.Equal(t, 1, svc.count("POST /upload-url"))
	require.Equal(t, 1, svc.count("PUT /storage/chart.png"))
	require.Equal(t, data, svc.uploads[0])
	require.Equal(t, "image/png", svc.uploadCTs[0])
	require.Equal(t, AttachmentImage, ClassifyAttachment(url))

	// The presigned PUT carries no bearer token.
	require.Equal(t, "Bearer test-token", svc.authSeen[0])
	require.Empty(t, svc.authSeen[1])

	u.Reset()
	require.Equal(t, UploadIdle, u.State())
}

func TestTransferFailureAbortsUpload(t *testing.T) {
	u, svc := newTestUploader(t, 1<<20)
	svc.failWith("PUT /storage/", http.StatusForbidden)

	url, err := u.Upload(context.Background(), &Attachment{FileName: "notes.txt", ContentType: "text/plain", Data: []byte("hello")})
	require.Error(t, err)
	require.Empty(t, url)
	require.Equal(t, UploadFailed, u.State())
	require.Error(t, u.Err())
	require.Empty(t, u.FileURL())
}

func TestDestinationFailureAbortsUpload(t *testing.T) {
	u, svc := newTestUploader(t, 1<<20)
	svc.failWith("POST /upload-url", http.StatusInternalServerError)

	_, err := u.Upload(context.Background(), &Attachment{FileName: "notes.txt", ContentType: "text/plain", Data: []byte("hello")})
	require.Error(t, err)
	require.Equal(t, UploadFailed, u.State())
	require.Zero(t, svc.count("PUT "))
}

func TestUploadRejectsDisallowedType(t *testing.T) {
	u, svc := newTestUploader(t, 1<<20)

	_, err := u.Upload(context.Background(), &Attachment{FileName: "run.sh", ContentType: "application/x-sh", Data: []byte("#!/bin/sh")})
	require.ErrorIs(t, err, ErrAttachmentType)
	require.Zero(t, svc.total())
}

func TestValidateAttachment(t *testing.T) {
	u, _ := newTestUploader(t, 1<<20)

	err := u.Validate(&Attachment{Data: []byte("x")})
	require.ErrorIs(t, err, ErrAttachmentInvalid)

	err = u.Validate(&Attachment{FileName: "a.txt", Size: 10, Data: []byte("short")})
	require.ErrorIs(t, err, ErrAttachmentInvalid)

	a := &Attachment{FileName: "a.txt", Data: []byte("plain words\n")}
	require.NoError(t, u.Validate(a))
	require.Equal(t, int64(12), a.Size)
	require.True(t, strings.HasPrefix(a.ContentType, "text/plain"))

	require.ErrorIs(t, u.Validate(nil), ErrAttachmentInvalid)
}

func TestClassifyAttachment(t *testing.T) {
	require.Equal(t, AttachmentNone, ClassifyAttachment(""))
	require.Equal(t, AttachmentImage, ClassifyAttachment("https://cdn/a/photo.JPG"))
	require.Equal(t, AttachmentImage, ClassifyAttachment("https://bucket/x.webp?X-Amz-Signature=abc"))
	require.Equal(t, AttachmentFile, ClassifyAttachment("https://cdn/report.pdf"))
	require.Equal(t, AttachmentFile, ClassifyAttachment("https://cdn/noext"))
}
