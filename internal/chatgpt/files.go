package chatgpt

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ojama/chat2api-go/internal/upstream"
)

var multimodalMimeTypes = map[string]bool{
	"image/jpeg": true,
	"image/webp": true,
	"image/png":  true,
	"image/gif":  true,
}

var myFilesMimeTypes = map[string]bool{
	"text/x-php":             true,
	"application/msword":     true,
	"text/x-c":               true,
	"text/html":              true,
	"application/json":       true,
	"text/javascript":        true,
	"application/pdf":        true,
	"text/x-java":            true,
	"text/x-tex":             true,
	"text/x-typescript":      true,
	"text/x-sh":              true,
	"text/x-csharp":          true,
	"text/x-c++":             true,
	"text/markdown":          true,
	"text/plain":             true,
	"text/x-ruby":            true,
	"text/x-script.python":   true,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document":   true,
	"application/vnd.openxmlformats-officedocument.presentationml.presentation": true,
}

var mimeExtensions = map[string]string{
	"image/jpeg":           ".jpg",
	"image/png":            ".png",
	"image/gif":            ".gif",
	"image/webp":           ".webp",
	"text/plain":           ".txt",
	"application/pdf":      ".pdf",
	"text/markdown":        ".md",
	"application/json":     ".json",
	"text/javascript":      ".js",
	"text/html":            ".html",
	"text/x-python":        ".py",
	"text/x-script.python": ".py",
	"text/x-typescript":    ".ts",
	"application/msword":   ".doc",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": ".docx",
}

// FileUseCase classifies an upload for the backend's files endpoint.
func FileUseCase(mimeType string) string {
	if multimodalMimeTypes[mimeType] {
		return "multimodal"
	}
	if myFilesMimeTypes[mimeType] {
		return "my_files"
	}
	return "ace_upload"
}

// FileExtension maps a mime type to the filename extension used for the
// generated upload name.
func FileExtension(mimeType string) string {
	return mimeExtensions[mimeType]
}

// FetchFileContent resolves an image_url value to raw bytes and a mime
// type. data: URIs decode locally, anything else is fetched over HTTP.
func FetchFileContent(ctx context.Context, rawURL string) ([]byte, string, error) {
	if strings.HasPrefix(rawURL, "data:") {
		header, payload, ok := strings.Cut(rawURL, ",")
		if !ok {
			return nil, "", fmt.Errorf("chatgpt: malformed data uri")
		}
		mimeType := strings.TrimPrefix(header, "data:")
		if idx := strings.IndexByte(mimeType, ';'); idx >= 0 {
			mimeType = mimeType[:idx]
		}
		content, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return nil, "", fmt.Errorf("chatgpt: decode data uri: %w", err)
		}
		return content, mimeType, nil
	}

	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	content, err := io.ReadAll(io.LimitReader(resp.Body, 100<<20))
	if err != nil {
		return nil, "", err
	}
	mimeType, _, _ := strings.Cut(resp.Header.Get("Content-Type"), ";")
	return content, strings.TrimSpace(mimeType), nil
}

// ImageSize decodes just the image header for its dimensions.
func ImageSize(content []byte) (int, int, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(content))
	if err != nil {
		return 0, 0, err
	}
	return cfg.Width, cfg.Height, nil
}

// FileMeta describes a completed upload.
type FileMeta struct {
	FileID    string
	FileName  string
	SizeBytes int
	MimeType  string
	Width     int
	Height    int
	UseCase   string
}

// UploadFile pushes file content through the backend's three-step upload
// flow: reserve an upload URL, PUT the bytes to blob storage, then confirm
// the download URL. Returns nil when any step fails.
func (s *Session) UploadFile(ctx context.Context, content []byte, mimeType string) *FileMeta {
	if len(content) == 0 || mimeType == "" {
		return nil
	}

	width, height := 0, 0
	if strings.HasPrefix(mimeType, "image/") {
		var err error
		width, height, err = ImageSize(content)
		if err != nil {
			mimeType = "text/plain"
		}
	}

	fileName := uuid.NewString() + FileExtension(mimeType)
	useCase := FileUseCase(mimeType)

	fileID, uploadURL := s.requestUploadURL(ctx, fileName, len(content), useCase)
	if fileID == "" || uploadURL == "" {
		return nil
	}
	if !s.putBlob(ctx, uploadURL, content, mimeType) {
		return nil
	}
	if s.confirmDownloadURL(ctx, fileID) == "" {
		return nil
	}
	return &FileMeta{
		FileID:    fileID,
		FileName:  fileName,
		SizeBytes: len(content),
		MimeType:  mimeType,
		Width:     width,
		Height:    height,
		UseCase:   useCase,
	}
}

func (s *Session) requestUploadURL(ctx context.Context, fileName string, fileSize int, useCase string) (string, string) {
	resp, err := s.client.PostJSON(ctx, s.baseURL+"/files", map[string]any{
		"file_name":           fileName,
		"file_size":           fileSize,
		"reset_rate_limits":   false,
		"timezone_offset_min": -480,
		"use_case":            useCase,
	}, s.baseHeaders)
	if err != nil {
		s.logger.Printf("chatgpt: failed to get upload url: %v", err)
		return "", ""
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		s.logger.Printf("chatgpt: failed to get upload url: %d", resp.StatusCode)
		return "", ""
	}
	var body struct {
		FileID    string `json:"file_id"`
		UploadURL string `json:"upload_url"`
	}
	if err := upstream.ReadJSON(resp, &body); err != nil {
		s.logger.Printf("chatgpt: failed to get upload url: %v", err)
		return "", ""
	}
	return body.FileID, body.UploadURL
}

func (s *Session) putBlob(ctx context.Context, uploadURL string, content []byte, mimeType string) bool {
	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()
	resp, err := s.client.Put(ctx, uploadURL, content, mimeType, map[string]string{
		"Accept":         "application/json, text/plain, */*",
		"X-Ms-Blob-Type": "BlockBlob",
		"X-Ms-Version":   "2020-04-08",
	})
	if err != nil {
		s.logger.Printf("chatgpt: failed to upload file: %v", err)
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusCreated
}

func (s *Session) confirmDownloadURL(ctx context.Context, fileID string) string {
	resp, err := s.client.Get(ctx, s.baseURL+"/files/"+fileID+"/download", s.baseHeaders)
	if err != nil {
		s.logger.Printf("chatgpt: failed to get download url: %v", err)
		return ""
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		s.logger.Printf("chatgpt: failed to get download url: %d", resp.StatusCode)
		return ""
	}
	var body struct {
		DownloadURL string `json:"download_url"`
	}
	if err := upstream.ReadJSON(resp, &body); err != nil {
		return ""
	}
	return body.DownloadURL
}
