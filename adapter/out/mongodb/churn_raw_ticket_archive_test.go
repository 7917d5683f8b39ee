package mongodb

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"churn_server/core/port/out"
	"churn_server/internal/testutil"
)

func TestCompressRoundTrip(t *testing.T) {
	body := []byte(strings.Repeat("the export keeps timing out ", 100))
	packed, err := compress(body)
	require.NoError(t, err)
	assert.Less(t, len(packed), len(body))

	unpacked, err := decompress(packed)
	require.NoError(t, err)
	assert.Equal(t, body, unpacked)
}

func TestRawTicketArchive(t *testing.T) {
	url := testutil.StartMongo(t)
	ctx := context.Background()

	client, err := NewClient(ctx, url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Disconnect(context.Background()) })

	archive := NewRawTicketArchive(client.Database("churn_test"), 24*time.Hour)
	require.NoError(t, archive.EnsureIndexes(ctx))

	tenant, other := uuid.New(), uuid.New()
	long := strings.Repeat("x", 4096)
	tickets := []out.RawTicket{
		{ExternalID: "1", Subject: "short", Body: "hi", CreatedAt: time.Now(), Raw: map[string]any{"hs_pipeline_stage": "1"}},
		{ExternalID: "2", Subject: "long", Body: long, CreatedAt: time.Now(), Company: &out.CompanyRef{ExternalID: "c1", Name: "Globex"}},
	}
	require.NoError(t, archive.Archive(ctx, tenant, tickets))
	require.NoError(t, archive.Archive(ctx, tenant, tickets[:1]), "re-archive replaces")
	require.NoError(t, archive.Archive(ctx, other, tickets[:1]))

	n, err := archive.collection.CountDocuments(ctx, bson.M{"tenant_id": tenant.String()})
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	var doc rawTicketDocument
	require.NoError(t, archive.collection.FindOne(ctx, bson.M{"tenant_id": tenant.String(), "external_id": "2"}).Decode(&doc))
	assert.True(t, doc.IsCompressed)
	require.NotNil(t, doc.ExpiresAt)

	body, err := archive.Body(ctx, tenant, "2")
	require.NoError(t, err)
	assert.Equal(t, long, body)

	purged, err := archive.Purge(ctx, tenant)
	require.NoError(t, err)
	assert.EqualValues(t, 2, purged)

	n, err = archive.collection.CountDocuments(ctx, bson.M{"tenant_id": other.String()})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n, "other tenants untouched")
}
