package out

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// TicketSource reads tickets from an external ticketing system.
type TicketSource interface {
	// FetchTickets returns one page of tickets created at or after createdAfter.
	// An empty NextCursor means the last page.
	FetchTickets(ctx context.Context, createdAfter time.Time, cursor string) (*TicketPage, error)
}

// TicketSourceFactory resolves the ticket source configured for a tenant.
type TicketSourceFactory interface {
	Source(ctx context.Context, tenantID uuid.UUID) (TicketSource, error)
}

// TicketPage is one page of source results.
type TicketPage struct {
	Results    []RawTicket
	NextCursor string
}

// RawTicket is a ticket as the source reports it.
type RawTicket struct {
	ExternalID string
	Subject    string
	Body       string
	Status     string
	Priority   string
	URL        string
	CreatedAt  time.Time
	UpdatedAt  *time.Time
	Company    *CompanyRef
	Contact    *ContactRef
	Raw        map[string]any
}

// CompanyRef is an associated company as the source reports it.
type CompanyRef struct {
	ExternalID string
	Name       string
	MRR        *float64
}

// ContactRef is an associated contact as the source reports it.
type ContactRef struct {
	ExternalID string
	Email      string
	Name       string
}

// RawTicketArchive keeps source payloads for audit and replay.
type RawTicketArchive interface {
	Archive(ctx context.Context, tenantID uuid.UUID, tickets []RawTicket) error
	// Purge removes every archived payload of a tenant.
	Purge(ctx context.Context, tenantID uuid.UUID) (int64, error)
}
