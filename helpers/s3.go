package helpers

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/pkg/errors"
)

type S3Target struct {
	Session *session.Session
	Bucket  string
	// URL is the public base URL of the bucket.
	URL string
}

// AddFileToS3 uploads buffer under key and returns its public URL.
func AddFileToS3(target S3Target, buffer *bytes.Buffer, key string) (string, error) {
	if target.Session == nil {
		return "", errors.New("s3 is not configured")
	}

	uploader := s3manager.NewUploader(target.Session)
	_, err := uploader.Upload(&s3manager.UploadInput{
		Bucket:      aws.String(target.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buffer.Bytes()),
		ContentType: aws.String("application/pdf"),
	})
	if err != nil {
		return "", errors.Wrapf(err, "failed to upload %s", key)
	}

	return fmt.Sprintf("%s/%s", strings.TrimRight(target.URL, "/"), key), nil
}
