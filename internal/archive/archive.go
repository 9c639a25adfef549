// Package archive stores a denormalized JSON snapshot of each new order in
// object storage.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/shopspring/decimal"

	"github.com/ariefcatur/go-order-fulfillment/internal/orders"
)

type Snapshot struct {
	OrderID     string            `json:"order_id"`
	CustomerID  string            `json:"customer_id"`
	Items       []orders.LineItem `json:"items"`
	TotalAmount decimal.Decimal   `json:"total_amount"`
	Status      orders.Status     `json:"status"`
	CreatedAt   time.Time         `json:"created_at"`
	ArchivedAt  time.Time         `json:"timestamp"`
}

// PutObjectAPI is the slice of the S3 client the archiver uses.
type PutObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type S3 struct {
	Client PutObjectAPI
	Bucket string
	Prefix string
	Now    func() time.Time
}

// NewS3 loads AWS credentials from the default chain. A non-empty endpoint
// switches to path-style addressing for S3-compatible stores such as MinIO.
func NewS3(ctx context.Context, region, endpoint, bucket, prefix string) (*S3, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("archive: load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3{Client: client, Bucket: bucket, Prefix: prefix}, nil
}

func (a *S3) Key(orderID string) string {
	return path.Join(a.Prefix, orderID+".json")
}

func (a *S3) Archive(ctx context.Context, o orders.Order) error {
	now := time.Now().UTC()
	if a.Now != nil {
		now = a.Now()
	}
	body, err := json.Marshal(Snapshot{
		OrderID:     o.ID,
		CustomerID:  o.CustomerID,
		Items:       o.Items,
		TotalAmount: o.TotalAmount,
		Status:      o.Status,
		CreatedAt:   o.CreatedAt,
		ArchivedAt:  now,
	})
	if err != nil {
		return fmt.Errorf("archive: marshal order %s: %w", o.ID, err)
	}
	_, err = a.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.Bucket),
		Key:         aws.String(a.Key(o.ID)),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("archive: put order %s: %w", o.ID, err)
	}
	return nil
}

// Nop is used when no bucket is configured.
type Nop struct{}

func (Nop) Archive(context.Context, orders.Order) error { return nil }
