package gcs

import (
	"context"
	"os"
	"testing"
	"time"

	gstorage "cloud.google.com/go/storage"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/iterator"

	"github.com/tradewind/tradewind/internal/storage"
	"github.com/tradewind/tradewind/internal/storage/compliance"
)

func TestGCSStore_Compliance(t *testing.T) {
	bucket := os.Getenv("TEST_GCS_BUCKET")
	if bucket == "" {
		t.Skip("TEST_GCS_BUCKET not set, skipping GCS tests")
	}

	compliance.RunMarketStoreComplianceTest(t, func() (storage.MarketStore, func()) {
		// Assumes Application Default Credentials with access to the bucket.
		ctx := context.Background()

		store, err := NewStore(ctx, bucket)
		require.NoError(t, err)

		cleanup := func() {
			cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			it := store.client.Bucket(bucket).Objects(cleanupCtx, nil)
			for {
				attrs, err := it.Next()
				if err == iterator.Done {
					break
				}
				if err != nil {
					t.Logf("warning: failed to list objects during cleanup: %v", err)
					break
				}
				obj := store.client.Bucket(bucket).Object(attrs.Name)
				if err := obj.Delete(cleanupCtx); err != nil && err != gstorage.ErrObjectNotExist {
					t.Logf("warning: failed to delete object %s: %v", attrs.Name, err)
				}
			}
			store.Close()
		}

		return store, cleanup
	})
}
