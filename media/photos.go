// Package media stores doctor photos in MinIO.
package media

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"io"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/nfnt/resize"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	MaxFileSize = 5 * 1024 * 1024 // 5MB
	photoSize   = 512
	jpegQuality = 85
)

var (
	ErrInvalidImage = errors.New("invalid image")
	ErrNotFound     = errors.New("photo not found")
)

type PhotoStore struct {
	client *minio.Client
	bucket string
	logger *zap.Logger
}

func NewPhotoStore(client *minio.Client, bucket string, logger *zap.Logger) *PhotoStore {
	return &PhotoStore{client: client, bucket: bucket, logger: logger}
}

// EnsureBucket creates the bucket if it is missing.
func (s *PhotoStore) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return errors.Wrapf(err, "failed to check bucket %s", s.bucket)
	}
	if exists {
		s.logger.Info("bucket verified", zap.String("bucket", s.bucket))
		return nil
	}
	err = s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{})
	if err != nil && !strings.Contains(err.Error(), "already exists") {
		return errors.Wrapf(err, "failed to create bucket %s", s.bucket)
	}
	s.logger.Info("bucket created", zap.String("bucket", s.bucket))
	return nil
}

// AllowedExt reports whether name has an accepted image extension.
func AllowedExt(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg", ".png":
		return true
	default:
		return false
	}
}

// Normalize decodes a JPEG or PNG and re-encodes it as a 512x512 JPEG.
func Normalize(r io.Reader) ([]byte, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidImage, err.Error())
	}
	resized := resize.Resize(photoSize, photoSize, img, resize.Lanczos3)

	buf := new(bytes.Buffer)
	if err := jpeg.Encode(buf, resized, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, errors.Wrap(err, "failed to encode image")
	}
	return buf.Bytes(), nil
}

// Upload normalizes the image and stores it under a fresh name, which it
// returns.
func (s *PhotoStore) Upload(ctx context.Context, r io.Reader) (string, error) {
	data, err := Normalize(r)
	if err != nil {
		return "", err
	}

	filename := fmt.Sprintf("%s.jpg", uuid.New().String())
	info, err := s.client.PutObject(ctx, s.bucket, filename,
		bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "image/jpeg"})
	if err != nil {
		s.logger.Error("failed to upload to minio",
			zap.Error(err),
			zap.String("bucket", s.bucket),
			zap.String("filename", filename))
		return "", errors.Wrap(err, "failed to store image")
	}
	s.logger.Info("uploaded photo",
		zap.String("bucket", s.bucket),
		zap.String("filename", filename),
		zap.Int64("size", info.Size))
	return filename, nil
}

// Open returns the stored photo. The caller closes the reader.
func (s *PhotoStore) Open(ctx context.Context, filename string) (io.ReadCloser, minio.ObjectInfo, error) {
	if !ValidName(filename) {
		return nil, minio.ObjectInfo{}, ErrNotFound
	}
	obj, err := s.client.GetObject(ctx, s.bucket, filename, minio.GetObjectOptions{})
	if err != nil {
		return nil, minio.ObjectInfo{}, errors.Wrap(err, "failed to get object")
	}
	info, err := obj.Stat()
	if err != nil {
		obj.Close()
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, minio.ObjectInfo{}, ErrNotFound
		}
		return nil, minio.ObjectInfo{}, errors.Wrap(err, "failed to stat object")
	}
	return obj, info, nil
}

// ValidName rejects anything that is not a plain file name.
func ValidName(name string) bool {
	return name != "" && !strings.ContainsAny(name, `/\`) && !strings.Contains(name, "..")
}

// PublicPath is the route prefix photos are served under.
const PublicPath = "/media/doctor-photos/"

func URL(filename string) string {
	return PublicPath + filename
}
