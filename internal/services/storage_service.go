package services

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"mime/multipart"

	"logx-server/internal/config"

	"github.com/minio/minio-go/v7"
)

// StorageService keeps submitted artifacts in object storage so a run can
// be re-analysed later without the original upload.
type StorageService struct {
	minioClient *minio.Client
	bucket      string
	maxFileSize int64
}

func NewStorageService(minioClient *minio.Client, cfg config.MinIOConfig) *StorageService {
	bucket := cfg.Bucket
	if bucket == "" {
		bucket = "artifacts"
	}
	return &StorageService{
		minioClient: minioClient,
		bucket:      bucket,
		maxFileSize: cfg.MaxFileSize,
	}
}

// StoreArtifact uploads one submitted file under analyses/<id>/<filename>
// and returns the storage path. A missing storage backend is not an
// error; the path is empty and the analysis proceeds from memory.
func (s *StorageService) StoreArtifact(ctx context.Context, analysisID string, file *multipart.FileHeader) (string, error) {
	if s.minioClient == nil {
		return "", nil
	}
	if s.maxFileSize > 0 && file.Size > s.maxFileSize {
		return "", fmt.Errorf("file %s exceeds maximum size %d", file.Filename, s.maxFileSize)
	}

	src, err := file.Open()
	if err != nil {
		return "", err
	}
	defer src.Close()

	objectPath := artifactPath(analysisID, file.Filename)
	_, err = s.minioClient.PutObject(ctx, s.bucket, objectPath, src, file.Size, minio.PutObjectOptions{
		ContentType: file.Header.Get("Content-Type"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload artifact: %w", err)
	}

	return objectPath, nil
}

// GetArtifact streams a stored artifact back. Callers own the reader.
func (s *StorageService) GetArtifact(ctx context.Context, storagePath string) (io.ReadCloser, error) {
	if s.minioClient == nil {
		return nil, fmt.Errorf("object storage is not available")
	}
	return s.minioClient.GetObject(ctx, s.bucket, storagePath, minio.GetObjectOptions{})
}

// DeleteArtifact removes a stored artifact
func (s *StorageService) DeleteArtifact(ctx context.Context, storagePath string) error {
	if s.minioClient == nil || storagePath == "" {
		return nil
	}
	return s.minioClient.RemoveObject(ctx, s.bucket, storagePath, minio.RemoveObjectOptions{})
}

// HashFile computes the SHA-256 of an uploaded file
func (s *StorageService) HashFile(file *multipart.FileHeader) (string, error) {
	src, err := file.Open()
	if err != nil {
		return "", err
	}
	defer src.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, src); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", hash.Sum(nil)), nil
}

func artifactPath(analysisID, fileName string) string {
	return fmt.Sprintf("analyses/%s/%s", analysisID, fileName)
}
