package receipts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
)

// Archiver writes payment receipts to an S3-compatible Spaces bucket after a
// verified payment. Archival is best-effort: reconciliation never waits on it
// and never fails because of it.
type Archiver struct {
	s3Client *s3.S3
	bucket   string
}

// Config holds configuration for the receipt archiver
type Config struct {
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	Endpoint  string
}

// Receipt is the archived record of a verified payment
type Receipt struct {
	EnrollmentID     string    `json:"enrollment_id"`
	GatewayOrderID   string    `json:"gateway_order_id"`
	GatewayPaymentID string    `json:"gateway_payment_id"`
	AmountMinorUnits int64     `json:"amount_minor_units"`
	Currency         string    `json:"currency"`
	CourseType       string    `json:"course_type"`
	CourseSlug       string    `json:"course_slug"`
	VerifiedAt       time.Time `json:"verified_at"`
}

// NewArchiver creates a new receipt archiver
func NewArchiver(config Config) (*Archiver, error) {
	sess, err := session.NewSession(&aws.Config{
		Credentials: credentials.NewStaticCredentials(
			config.AccessKey,
			config.SecretKey,
			"",
		),
		Endpoint:         aws.String(config.Endpoint),
		Region:           aws.String(config.Region),
		S3ForcePathStyle: aws.Bool(false),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Spaces session: %w", err)
	}

	return &Archiver{
		s3Client: s3.New(sess),
		bucket:   config.Bucket,
	}, nil
}

// Archive uploads the receipt as a JSON document and returns its object key.
// Receipts are keyed by gateway order id, so a replayed archival overwrites
// the identical document instead of duplicating it.
func (a *Archiver) Archive(ctx context.Context, receipt Receipt) (string, error) {
	data, err := json.MarshalIndent(receipt, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode receipt: %w", err)
	}

	key := fmt.Sprintf("receipts/%s/%s.json", receipt.VerifiedAt.Format("2006/01"), receipt.GatewayOrderID)

	_, err = a.s3Client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        aws.ReadSeekCloser(bytes.NewReader(data)),
		ACL:         aws.String("private"),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload receipt: %w", err)
	}

	return key, nil
}
