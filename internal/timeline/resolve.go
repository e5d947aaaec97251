package timeline

import (
	"context"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/relations/internal/crm"
	"github.com/MarcoPoloResearchLab/relations/internal/users"
	"golang.org/x/sync/errgroup"
)

type pairKey struct {
	contactID int64
	companyID int64
}

type distinctIDs struct {
	seen   map[int64]struct{}
	values []int64
}

func (d *distinctIDs) add(value *int64) {
	if value == nil || *value <= 0 {
		return
	}
	if d.seen == nil {
		d.seen = make(map[int64]struct{})
	}
	if _, ok := d.seen[*value]; ok {
		return
	}
	d.seen[*value] = struct{}{}
	d.values = append(d.values, *value)
}

// resolve batch-loads everything the page references and builds the items.
func (s *Service) resolve(ctx context.Context, window []entry) ([]Item, error) {
	if len(window) == 0 {
		return []Item{}, nil
	}

	var companyIDs, contactIDs, leadIDs, userIDs distinctIDs
	var pairs []pairKey
	seenPairs := map[pairKey]struct{}{}
	for _, item := range window {
		companyIDs.add(item.companyID)
		contactIDs.add(item.contactID)
		leadIDs.add(item.leadID)
		userIDs.add(item.creatorID)
		if item.followup != nil {
			userIDs.add(item.followup.AssignedToUserID)
		}
		if item.contactID != nil && item.companyID != nil {
			key := pairKey{contactID: *item.contactID, companyID: *item.companyID}
			if _, ok := seenPairs[key]; !ok {
				seenPairs[key] = struct{}{}
				pairs = append(pairs, key)
			}
		}
	}

	var (
		companies []crm.Company
		contacts  []crm.Contact
		leads     []crm.Lead
		people    []users.User
		history   []crm.ContactCompanyHistory
	)
	group, groupCtx := errgroup.WithContext(ctx)
	db := s.db.WithContext(groupCtx)
	if len(companyIDs.values) > 0 {
		group.Go(func() error {
			return s.wrap("load companies", db.Select("id", "name").Where("id IN ?", companyIDs.values).Find(&companies).Error)
		})
	}
	if len(contactIDs.values) > 0 {
		group.Go(func() error {
			return s.wrap("load contacts", db.Select("id", "first_name", "last_name").Where("id IN ?", contactIDs.values).Find(&contacts).Error)
		})
	}
	if len(leadIDs.values) > 0 {
		group.Go(func() error {
			return s.wrap("load leads", db.Select("id", "description", "status").Where("id IN ?", leadIDs.values).Find(&leads).Error)
		})
	}
	if len(userIDs.values) > 0 {
		group.Go(func() error {
			return s.wrap("load users", db.Select("id", "first_name", "last_name").Where("id IN ?", userIDs.values).Find(&people).Error)
		})
	}
	if len(pairs) > 0 {
		var pairContacts, pairCompanies distinctIDs
		for _, pair := range pairs {
			pairContacts.add(&pair.contactID)
			pairCompanies.add(&pair.companyID)
		}
		group.Go(func() error {
			return s.wrap("load affiliation history", db.
				Where("contact_id IN ? AND company_id IN ?", pairContacts.values, pairCompanies.values).
				Order("contact_id, company_id, start_date DESC").
				Find(&history).Error)
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	companiesByID := make(map[int64]*CompanyRef, len(companies))
	for _, company := range companies {
		companiesByID[company.ID] = &CompanyRef{ID: company.ID, Name: company.Name}
	}
	contactsByID := make(map[int64]*ContactRef, len(contacts))
	for _, contact := range contacts {
		contactsByID[contact.ID] = &ContactRef{ID: contact.ID, FirstName: contact.FirstName, LastName: contact.LastName}
	}
	leadsByID := make(map[int64]*LeadRef, len(leads))
	for _, lead := range leads {
		leadsByID[lead.ID] = &LeadRef{ID: lead.ID, Description: lead.Description, Status: lead.Status}
	}
	usersByID := make(map[int64]users.User, len(people))
	for _, person := range people {
		usersByID[person.ID] = person
	}
	// History is ordered by start date descending within each pair, so the
	// first row seen is the latest affiliation.
	endDates := make(map[pairKey]*time.Time, len(pairs))
	for _, row := range history {
		key := pairKey{contactID: row.ContactID, companyID: row.CompanyID}
		if _, requested := seenPairs[key]; !requested {
			continue
		}
		if _, ok := endDates[key]; !ok {
			endDates[key] = row.EndDate
		}
	}

	items := make([]Item, 0, len(window))
	for _, source := range window {
		item := Item{
			ID:        fmt.Sprintf("%s-%d", source.kind, source.id),
			Type:      source.kind,
			CreatedAt: source.date,
		}
		if source.creatorID != nil {
			if person, ok := usersByID[*source.creatorID]; ok {
				item.CreatedBy = &Person{FirstName: person.FirstName, LastName: person.LastName}
			}
		}
		if source.companyID != nil {
			item.Company = companiesByID[*source.companyID]
		}
		if source.contactID != nil {
			item.Contact = contactsByID[*source.contactID]
		}
		if source.leadID != nil {
			item.Lead = leadsByID[*source.leadID]
		}
		if source.contactID != nil && source.companyID != nil {
			item.ContactEndDate = endDates[pairKey{contactID: *source.contactID, companyID: *source.companyID}]
		}
		switch {
		case source.comment != nil:
			item.Comment = &CommentBody{ID: source.comment.ID, Content: source.comment.Content}
		case source.email != nil:
			item.Email = &EmailBody{ID: source.email.ID, Subject: source.email.Subject, Content: source.email.Content}
		case source.followup != nil:
			body := &FollowupBody{
				ID:          source.followup.ID,
				Note:        source.followup.Note,
				DueAt:       source.followup.DueAt,
				CompletedAt: source.date,
			}
			if assignee := source.followup.AssignedToUserID; assignee != nil {
				if person, ok := usersByID[*assignee]; ok {
					body.AssignedTo = &UserRef{ID: person.ID, FirstName: person.FirstName, LastName: person.LastName}
				}
			}
			item.Followup = body
		}
		items = append(items, item)
	}
	return items, nil
}
