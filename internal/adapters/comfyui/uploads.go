package comfyui

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"

	"github.com/google/uuid"

	"github.com/manthysbr/comfylink/internal/core/domain"
)

// jpegQuality matches what browsers produce for canvas uploads.
const jpegQuality = 95

// Upload queues data for upload and returns the filename it will be stored
// under. The name can be placed in a job right away: Submit holds every job
// until the upload queue is empty. Failures are logged, not returned; a job
// referencing a failed upload fails on the server instead.
func (c *Client) Upload(data []byte, ext string) string {
	name := c.opts.UploadPrefix + uuid.NewString() + normalizeExt(ext)

	c.mu.Lock()
	c.pending[name] = struct{}{}
	c.uploadsDrained.Close()
	c.mu.Unlock()

	started := c.spawn(func() {
		defer c.settleUpload(name)

		if err := c.uploads.Acquire(c.ctx, 1); err != nil {
			c.logger.Error("upload failed", "filename", name, "error", &domain.UploadError{Filename: name, Err: err})
			return
		}
		defer c.uploads.Release(1)

		stored, err := c.postUpload(c.ctx, name, data)
		if err != nil {
			c.logger.Error("upload failed", "filename", name, "error", err)
			return
		}
		if stored != name {
			c.logger.Warn("server stored upload under a different name", "filename", name, "stored", stored)
		}
		c.logger.Info("upload finished", "filename", name, "size", len(data))
	})
	if !started {
		c.logger.Error("upload failed", "filename", name, "error", &domain.UploadError{Filename: name, Err: domain.ErrClientClosed})
		c.settleUpload(name)
	}

	return name
}

// UploadImage encodes img as JPEG and queues it like Upload. Only encoding
// errors are returned.
func (c *Client) UploadImage(img image.Image) (string, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return "", fmt.Errorf("encode image: %w", err)
	}
	return c.Upload(buf.Bytes(), ".jpg"), nil
}

// PendingUploads returns the number of uploads still in flight.
func (c *Client) PendingUploads() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// WaitUploads blocks until the upload queue is empty.
func (c *Client) WaitUploads(ctx context.Context) error {
	return c.terminalErr(c.uploadsDrained.Wait(ctx, c.connDone))
}

func (c *Client) settleUpload(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, name)
	if len(c.pending) == 0 {
		c.uploadsDrained.Open()
	}
}

// postUpload sends one file to /upload/image and returns the stored name.
func (c *Client) postUpload(ctx context.Context, name string, data []byte) (string, error) {
	var body bytes.Buffer
	form := multipart.NewWriter(&body)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="image"; filename="%s"`, name))
	contentType := mime.TypeByExtension(extOf(name))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	header.Set("Content-Type", contentType)

	part, err := form.CreatePart(header)
	if err != nil {
		return "", &domain.UploadError{Filename: name, Err: err}
	}
	if _, err := part.Write(data); err != nil {
		return "", &domain.UploadError{Filename: name, Err: err}
	}
	if err := form.WriteField("type", "input"); err != nil {
		return "", &domain.UploadError{Filename: name, Err: err}
	}
	if err := form.Close(); err != nil {
		return "", &domain.UploadError{Filename: name, Err: err}
	}

	url, err := c.endpoint(ctx, "/upload/image")
	if err != nil {
		return "", &domain.UploadError{Filename: name, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return "", &domain.UploadError{Filename: name, Err: err}
	}
	req.Header.Set("Content-Type", form.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return "", &domain.UploadError{Filename: name, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &domain.UploadError{Filename: name, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &domain.UploadError{Filename: name, StatusCode: resp.StatusCode}
	}

	var result uploadResponse
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", &domain.UploadError{Filename: name, StatusCode: resp.StatusCode, Err: err}
	}
	return result.Name, nil
}

func normalizeExt(ext string) string {
	ext = strings.TrimSpace(ext)
	if ext == "" {
		return ""
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return strings.ToLower(ext)
}

func extOf(name string) string {
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		return name[i:]
	}
	return ""
}
