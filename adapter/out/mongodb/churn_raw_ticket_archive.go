package mongodb

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"churn_server/core/port/out"
)

const (
	collectionRawTickets = "raw_tickets"

	// Bodies larger than this are stored gzipped.
	compressionThreshold = 1024
)

// RawTicketArchive implements out.RawTicketArchive. One document per
// (tenant, external id); re-imports replace it.
type RawTicketArchive struct {
	collection *mongo.Collection
	retention  time.Duration
}

// NewRawTicketArchive stores documents for retention; zero keeps them forever.
func NewRawTicketArchive(db *mongo.Database, retention time.Duration) *RawTicketArchive {
	return &RawTicketArchive{collection: db.Collection(collectionRawTickets), retention: retention}
}

var _ out.RawTicketArchive = (*RawTicketArchive)(nil)

func (a *RawTicketArchive) EnsureIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "tenant_id", Value: 1}, {Key: "external_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "expires_at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(0),
		},
	}
	_, err := a.collection.Indexes().CreateMany(ctx, indexes)
	return err
}

type refDocument struct {
	ExternalID string   `bson:"external_id"`
	Name       string   `bson:"name,omitempty"`
	Email      string   `bson:"email,omitempty"`
	MRR        *float64 `bson:"mrr,omitempty"`
}

type rawTicketDocument struct {
	TenantID        string         `bson:"tenant_id"`
	ExternalID      string         `bson:"external_id"`
	Subject         string         `bson:"subject"`
	Body            []byte         `bson:"body"`
	IsCompressed    bool           `bson:"is_compressed"`
	Status          string         `bson:"status"`
	Priority        string         `bson:"priority,omitempty"`
	URL             string         `bson:"url,omitempty"`
	SourceCreatedAt time.Time      `bson:"source_created_at"`
	SourceUpdatedAt *time.Time     `bson:"source_updated_at,omitempty"`
	Company         *refDocument   `bson:"company,omitempty"`
	Contact         *refDocument   `bson:"contact,omitempty"`
	Raw             map[string]any `bson:"raw,omitempty"`
	ArchivedAt      time.Time      `bson:"archived_at"`
	ExpiresAt       *time.Time     `bson:"expires_at,omitempty"`
}

func (a *RawTicketArchive) Archive(ctx context.Context, tenantID uuid.UUID, tickets []out.RawTicket) error {
	if len(tickets) == 0 {
		return nil
	}

	now := time.Now().UTC()
	models := make([]mongo.WriteModel, 0, len(tickets))
	for i := range tickets {
		doc, err := a.toDocument(tenantID, &tickets[i], now)
		if err != nil {
			return fmt.Errorf("failed to convert ticket %s: %w", tickets[i].ExternalID, err)
		}
		models = append(models, mongo.NewReplaceOneModel().
			SetFilter(bson.M{"tenant_id": doc.TenantID, "external_id": doc.ExternalID}).
			SetReplacement(doc).
			SetUpsert(true))
	}

	if _, err := a.collection.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false)); err != nil {
		return fmt.Errorf("failed to archive raw tickets: %w", err)
	}
	return nil
}

func (a *RawTicketArchive) Purge(ctx context.Context, tenantID uuid.UUID) (int64, error) {
	res, err := a.collection.DeleteMany(ctx, bson.M{"tenant_id": tenantID.String()})
	if err != nil {
		return 0, fmt.Errorf("failed to purge raw tickets: %w", err)
	}
	return res.DeletedCount, nil
}

// Body returns the archived body of one ticket, decompressed.
func (a *RawTicketArchive) Body(ctx context.Context, tenantID uuid.UUID, externalID string) (string, error) {
	var doc rawTicketDocument
	err := a.collection.FindOne(ctx, bson.M{"tenant_id": tenantID.String(), "external_id": externalID}).Decode(&doc)
	if err != nil {
		return "", fmt.Errorf("failed to load raw ticket: %w", err)
	}
	if !doc.IsCompressed {
		return string(doc.Body), nil
	}
	body, err := decompress(doc.Body)
	if err != nil {
		return "", fmt.Errorf("failed to decompress body: %w", err)
	}
	return string(body), nil
}

func (a *RawTicketArchive) toDocument(tenantID uuid.UUID, t *out.RawTicket, now time.Time) (*rawTicketDocument, error) {
	doc := &rawTicketDocument{
		TenantID:        tenantID.String(),
		ExternalID:      t.ExternalID,
		Subject:         t.Subject,
		Body:            []byte(t.Body),
		Status:          t.Status,
		Priority:        t.Priority,
		URL:             t.URL,
		SourceCreatedAt: t.CreatedAt,
		SourceUpdatedAt: t.UpdatedAt,
		Raw:             t.Raw,
		ArchivedAt:      now,
	}
	if len(doc.Body) > compressionThreshold {
		compressed, err := compress(doc.Body)
		if err != nil {
			return nil, err
		}
		doc.Body = compressed
		doc.IsCompressed = true
	}
	if t.Company != nil {
		doc.Company = &refDocument{ExternalID: t.Company.ExternalID, Name: t.Company.Name, MRR: t.Company.MRR}
	}
	if t.Contact != nil {
		doc.Contact = &refDocument{ExternalID: t.Contact.ExternalID, Name: t.Contact.Name, Email: t.Contact.Email}
	}
	if a.retention > 0 {
		exp := now.Add(a.retention)
		doc.ExpiresAt = &exp
	}
	return doc, nil
}

func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
