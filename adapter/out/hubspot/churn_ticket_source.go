package hubspot

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"churn_server/core/port/out"
)

const pageSize = 100

var ticketProperties = []string{
	"subject",
	"content",
	"hs_ticket_id",
	"hs_ticket_priority",
	"hs_pipeline_stage",
	"createdate",
	"hs_lastmodifieddate",
}

// Source is one tenant's view of HubSpot tickets.
type Source struct {
	client      *client
	portalID    string
	mrrProperty string
}

var _ out.TicketSource = (*Source)(nil)

type searchFilter struct {
	PropertyName string `json:"propertyName"`
	Operator     string `json:"operator"`
	Value        string `json:"value"`
}

type filterGroup struct {
	Filters []searchFilter `json:"filters"`
}

type searchSort struct {
	PropertyName string `json:"propertyName"`
	Direction    string `json:"direction"`
}

type searchRequest struct {
	FilterGroups []filterGroup `json:"filterGroups"`
	Sorts        []searchSort  `json:"sorts"`
	Properties []string `json:"properties"`
	Limit      int      `json:"limit"`
	After      string   `json:"after,omitempty"`
}

type crmObject struct {
	ID         string            `json:"id"`
	Properties map[string]string `json:"properties"`
}

type searchResponse struct {
	Total   int         `json:"total"`
	Results []crmObject `json:"results"`
	Paging  *struct {
		Next *struct {
			After string `json:"after"`
		} `json:"next"`
	} `json:"paging"`
}

type idInput struct {
	ID string `json:"id"`
}

type associationResponse struct {
	Results []struct {
		From struct {
			ID string `json:"id"`
		} `json:"from"`
		To []struct {
			ToObjectID int64 `json:"toObjectId"`
		} `json:"to"`
	} `json:"results"`
}

// FetchTickets returns one page of tickets created at or after createdAfter,
// newest first, with their primary company and contact resolved.
func (s *Source) FetchTickets(ctx context.Context, createdAfter time.Time, cursor string) (*out.TicketPage, error) {
	req := searchRequest{
		FilterGroups: []filterGroup{{Filters: []searchFilter{{
			PropertyName: "createdate",
			Operator:     "GTE",
			Value:        strconv.FormatInt(createdAfter.UnixMilli(), 10),
		}}}},
		Sorts:      []searchSort{{PropertyName: "createdate", Direction: "DESCENDING"}},
		Properties: ticketProperties,
		Limit:      pageSize,
		After:      cursor,
	}

	var resp searchResponse
	if err := s.client.post(ctx, "/crm/v3/objects/tickets/search", req, &resp); err != nil {
		return nil, fmt.Errorf("search tickets: %w", err)
	}

	page := &out.TicketPage{Results: make([]out.RawTicket, 0, len(resp.Results))}
	if resp.Paging != nil && resp.Paging.Next != nil {
		page.NextCursor = resp.Paging.Next.After
	}
	if len(resp.Results) == 0 {
		return page, nil
	}

	ids := make([]string, len(resp.Results))
	for i, r := range resp.Results {
		ids[i] = r.ID
	}

	companies, err := s.associated(ctx, "companies", ids, []string{"name", s.mrrProperty})
	if err != nil {
		return nil, err
	}
	contacts, err := s.associated(ctx, "contacts", ids, []string{"email", "firstname", "lastname"})
	if err != nil {
		return nil, err
	}

	for _, r := range resp.Results {
		page.Results = append(page.Results, s.toRawTicket(r, companies[r.ID], contacts[r.ID]))
	}
	return page, nil
}

// associated maps ticket id to the first associated object of the given type.
func (s *Source) associated(ctx context.Context, objectType string, ticketIDs []string, properties []string) (map[string]*crmObject, error) {
	inputs := make([]idInput, len(ticketIDs))
	for i, id := range ticketIDs {
		inputs[i] = idInput{ID: id}
	}

	var assoc associationResponse
	path := "/crm/v4/associations/tickets/" + objectType + "/batch/read"
	if err := s.client.post(ctx, path, map[string]any{"inputs": inputs}, &assoc); err != nil {
		return nil, fmt.Errorf("read %s associations: %w", objectType, err)
	}

	byTicket := make(map[string]string, len(assoc.Results))
	seen := make(map[string]struct{})
	var targets []idInput
	for _, a := range assoc.Results {
		if len(a.To) == 0 {
			continue
		}
		target := strconv.FormatInt(a.To[0].ToObjectID, 10)
		byTicket[a.From.ID] = target
		if _, ok := seen[target]; !ok {
			seen[target] = struct{}{}
			targets = append(targets, idInput{ID: target})
		}
	}
	if len(targets) == 0 {
		return map[string]*crmObject{}, nil
	}

	var objects struct {
		Results []crmObject `json:"results"`
	}
	body := map[string]any{"properties": properties, "inputs": targets}
	if err := s.client.post(ctx, "/crm/v3/objects/"+objectType+"/batch/read", body, &objects); err != nil {
		return nil, fmt.Errorf("read %s: %w", objectType, err)
	}

	byID := make(map[string]*crmObject, len(objects.Results))
	for i := range objects.Results {
		byID[objects.Results[i].ID] = &objects.Results[i]
	}

	result := make(map[string]*crmObject, len(byTicket))
	for ticketID, target := range byTicket {
		if obj, ok := byID[target]; ok {
			result[ticketID] = obj
		}
	}
	return result, nil
}

func (s *Source) toRawTicket(obj crmObject, company, contact *crmObject) out.RawTicket {
	p := obj.Properties
	t := out.RawTicket{
		ExternalID: obj.ID,
		Subject:    p["subject"],
		Body:       p["content"],
		Status:     p["hs_pipeline_stage"],
		Priority:   p["hs_ticket_priority"],
		URL:        s.ticketURL(obj.ID),
		Raw:        make(map[string]any, len(p)),
	}
	for k, v := range p {
		t.Raw[k] = v
	}
	if created, ok := parseTime(p["createdate"]); ok {
		t.CreatedAt = created
	}
	if updated, ok := parseTime(p["hs_lastmodifieddate"]); ok {
		t.UpdatedAt = &updated
	}

	if company != nil {
		ref := &out.CompanyRef{ExternalID: company.ID, Name: company.Properties["name"]}
		if raw := company.Properties[s.mrrProperty]; raw != "" {
			if mrr, err := strconv.ParseFloat(raw, 64); err == nil {
				ref.MRR = &mrr
			}
		}
		t.Company = ref
	}
	if contact != nil {
		name := strings.TrimSpace(contact.Properties["firstname"] + " " + contact.Properties["lastname"])
		t.Contact = &out.ContactRef{ExternalID: contact.ID, Email: contact.Properties["email"], Name: name}
	}
	return t
}

func (s *Source) ticketURL(id string) string {
	if s.portalID != "" {
		return fmt.Sprintf("https://app.hubspot.com/help-desk/%s/view/search/ticket/%s/", s.portalID, id)
	}
	return "https://app.hubspot.com/contacts/ticket/" + id
}

func parseTime(v string) (time.Time, bool) {
	if v == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		// Some portals still return epoch millis.
		ms, perr := strconv.ParseInt(v, 10, 64)
		if perr != nil {
			return time.Time{}, false
		}
		return time.UnixMilli(ms).UTC(), true
	}
	return t.UTC(), true
}
