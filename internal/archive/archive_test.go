package archive

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/shopspring/decimal"

	"github.com/ariefcatur/go-order-fulfillment/internal/orders"
)

type fakeS3 struct {
	in   *s3.PutObjectInput
	body []byte
	err  error
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.in = in
	f.body, _ = io.ReadAll(in.Body)
	return &s3.PutObjectOutput{}, f.err
}

func TestArchiveWritesSnapshot(t *testing.T) {
	fake := &fakeS3{}
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	a := &S3{Client: fake, Bucket: "orders-archive", Prefix: "orders/", Now: func() time.Time { return at }}

	o := orders.Order{
		ID:          "9b0f5c1e-0000-4000-8000-000000000001",
		CustomerID:  "c1",
		Status:      orders.StatusPending,
		Items:       []orders.LineItem{{ProductID: "p-widget", Quantity: 3, Price: decimal.RequireFromString("19.99")}},
		TotalAmount: decimal.RequireFromString("59.97"),
	}
	if err := a.Archive(context.Background(), o); err != nil {
		t.Fatal(err)
	}
	if aws.ToString(fake.in.Bucket) != "orders-archive" || aws.ToString(fake.in.Key) != "orders/"+o.ID+".json" {
		t.Errorf("put %s/%s", aws.ToString(fake.in.Bucket), aws.ToString(fake.in.Key))
	}
	var snap Snapshot
	if err := json.Unmarshal(fake.body, &snap); err != nil {
		t.Fatal(err)
	}
	if snap.OrderID != o.ID || !snap.TotalAmount.Equal(o.TotalAmount) || !snap.ArchivedAt.Equal(at) || len(snap.Items) != 1 {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestArchiveWrapsError(t *testing.T) {
	boom := errors.New("access denied")
	a := &S3{Client: &fakeS3{err: boom}, Bucket: "b"}
	if err := a.Archive(context.Background(), orders.Order{ID: "x"}); !errors.Is(err, boom) {
		t.Errorf("err = %v", err)
	}
}

func TestNop(t *testing.T) {
	if err := (Nop{}).Archive(context.Background(), orders.Order{}); err != nil {
		t.Error(err)
	}
}
