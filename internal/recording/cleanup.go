package recording

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/oszuidwest/zwfm-systemtap/internal/util"
)

// cleanupTimeout bounds a full S3 cleanup pass.
const cleanupTimeout = 5 * time.Minute

// cleanupLocalFiles removes captures in dir older than retentionDays.
// Only files named by GenerateFilename with the given prefix are considered;
// skip reports files that must be kept regardless of age.
func cleanupLocalFiles(dir, prefix string, retentionDays int, now time.Time, skip func(string) bool) (int, error) {
	cutoff := now.AddDate(0, 0, -retentionDays)
	safeName := sanitizeFilename(prefix)

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, util.WrapError("read capture directory", err)
	}

	var deleted int
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()

		// Only process files matching this recorder's pattern
		if !strings.HasPrefix(name, safeName+"-") || filepath.Ext(name) != ".wav" {
			continue
		}

		captured, ok := util.ParseCaptureTime(name)
		if !ok || !captured.Before(cutoff) {
			continue
		}

		filePath := filepath.Join(dir, name)
		if skip != nil && skip(filePath) {
			continue
		}

		if err := os.Remove(filePath); err != nil {
			slog.Warn("cleanup: failed to delete local file", "path", filePath, "error", err)
			continue
		}
		deleted++
		slog.Debug("cleanup: deleted local file", "file", name)
	}

	if deleted > 0 {
		slog.Info("cleanup: deleted local files", "dir", dir, "count", deleted)
	}
	return deleted, nil
}

// cleanupS3Files removes uploaded captures older than retentionDays.
func cleanupS3Files(ctx context.Context, store objectStore, bucket, keyPrefix, prefix string, retentionDays int, now time.Time) (int, error) {
	cutoff := now.AddDate(0, 0, -retentionDays)
	listPrefix := generateS3Key(keyPrefix, sanitizeFilename(prefix)+"-")

	ctx, cancel := context.WithTimeoutCause(ctx, cleanupTimeout, errors.New("s3 cleanup timeout"))
	defer cancel()

	var deleted int
	var continuationToken *string

	for {
		output, err := store.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(bucket),
			Prefix:            aws.String(listPrefix),
			ContinuationToken: continuationToken,
		})
		if err != nil {
			return deleted, util.WrapError("list S3 objects", err)
		}

		for _, obj := range output.Contents {
			key := aws.ToString(obj.Key)

			captured, ok := util.ParseCaptureTime(filepath.Base(key))
			if !ok || !captured.Before(cutoff) {
				continue
			}

			_, err := store.DeleteObject(ctx, &s3.DeleteObjectInput{
				Bucket: aws.String(bucket),
				Key:    obj.Key,
			})
			if err != nil {
				slog.Warn("cleanup: failed to delete S3 object", "key", key, "error", err)
				continue
			}
			deleted++
			slog.Debug("cleanup: deleted S3 object", "key", key)
		}

		if !aws.ToBool(output.IsTruncated) {
			break
		}
		continuationToken = output.NextContinuationToken
	}

	if deleted > 0 {
		slog.Info("cleanup: deleted S3 objects", "bucket", bucket, "count", deleted)
	}
	return deleted, nil
}
