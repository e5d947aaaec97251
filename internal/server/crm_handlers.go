package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/MarcoPoloResearchLab/relations/internal/activity"
	"github.com/MarcoPoloResearchLab/relations/internal/crm"
	"github.com/MarcoPoloResearchLab/relations/internal/crm/actions"
	"github.com/gin-gonic/gin"
)

type commentRequestPayload struct {
	Content   string `json:"content"`
	CompanyID int64  `json:"companyId"`
	ContactID int64  `json:"contactId"`
	LeadID    int64  `json:"leadId"`
}

type leadRequestPayload struct {
	Description    string   `json:"description"`
	CompanyID      int64    `json:"companyId"`
	ContactID      int64    `json:"contactId"`
	Status         string   `json:"status"`
	PotentialValue *float64 `json:"potentialValue"`
}

type leadStatusRequestPayload struct {
	Status string `json:"status"`
}

type emailRequestPayload struct {
	Subject            string `json:"subject"`
	Content            string `json:"content"`
	SourceUserID       int64  `json:"sourceUserId"`
	RecipientContactID int64  `json:"recipientContactId"`
	RecipientCompanyID int64  `json:"recipientCompanyId"`
}

type leadResponsePayload struct {
	ID             int64          `json:"id"`
	Description    string         `json:"description"`
	Status         crm.LeadStatus `json:"status"`
	CompanyID      int64          `json:"companyId"`
	ContactID      *int64         `json:"contactId"`
	PotentialValue *float64       `json:"potentialValue"`
}

func newLeadResponse(lead crm.Lead) leadResponsePayload {
	return leadResponsePayload{
		ID:             lead.ID,
		Description:    lead.Description,
		Status:         lead.Status,
		CompanyID:      lead.CompanyID,
		ContactID:      lead.ContactID,
		PotentialValue: lead.PotentialValue,
	}
}

func (h *httpHandler) handleCreateComment(c *gin.Context) {
	var request commentRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	comment, err := h.actions.CreateComment(c.Request.Context(), currentUserID(c), actions.CommentInput{
		Content:   request.Content,
		CompanyID: request.CompanyID,
		ContactID: request.ContactID,
		LeadID:    request.LeadID,
	})
	if err != nil {
		h.respondActionError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": comment.ID, "content": comment.Content, "createdAt": comment.CreatedAt})
}

func (h *httpHandler) handleCreateLead(c *gin.Context) {
	var request leadRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	var status crm.LeadStatus
	if request.Status != "" {
		parsed, err := crm.ParseLeadStatus(request.Status)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_status"})
			return
		}
		status = parsed
	}
	lead, err := h.actions.CreateLead(c.Request.Context(), currentUserID(c), actions.LeadInput{
		Description:    request.Description,
		CompanyID:      request.CompanyID,
		ContactID:      request.ContactID,
		Status:         status,
		PotentialValue: request.PotentialValue,
	})
	if err != nil {
		h.respondActionError(c, err)
		return
	}
	c.JSON(http.StatusCreated, newLeadResponse(lead))
}

func (h *httpHandler) handleChangeLeadStatus(c *gin.Context) {
	leadID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || leadID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_lead_id"})
		return
	}
	var request leadStatusRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	status, err := crm.ParseLeadStatus(request.Status)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_status"})
		return
	}
	lead, changed, err := h.actions.ChangeLeadStatus(c.Request.Context(), currentUserID(c), leadID, status)
	if err != nil {
		h.respondActionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"lead": newLeadResponse(lead), "changed": changed})
}

func (h *httpHandler) handleReceiveEmail(c *gin.Context) {
	var request emailRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	email, err := h.actions.ReceiveEmail(c.Request.Context(), actions.EmailInput{
		Subject:            request.Subject,
		Content:            request.Content,
		SourceUserID:       request.SourceUserID,
		RecipientContactID: request.RecipientContactID,
		RecipientCompanyID: request.RecipientCompanyID,
	})
	if err != nil {
		h.respondActionError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": email.ID, "subject": email.Subject, "createdAt": email.CreatedAt})
}

func (h *httpHandler) respondActionError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, actions.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case errors.Is(err, actions.ErrInvalidInput), errors.Is(err, activity.ErrInvalidPayload):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
	default:
		h.respondInternalError(c, "crm action failed", err)
	}
}
