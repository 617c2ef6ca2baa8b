package server

import (
	"cityline/internal/domain"
)

// CreateComplaintRequest is the intake body.
type CreateComplaintRequest struct {
	ComplaintNumber string `json:"complaint_number,omitempty"`
	Type            string `json:"type"`
	Description     string `json:"description,omitempty"`
	Borough         string `json:"borough,omitempty"`
	Agency          string `json:"agency,omitempty"`
	Address         string `json:"address,omitempty"`
	Priority        string `json:"priority,omitempty" enum:"low,medium,high,critical"`
	SubmittedAt     string `json:"submitted_at,omitempty" format:"date-time"`
	DueAt           string `json:"due_at,omitempty" format:"date-time"`
}

// UpdateComplaintRequest carries partial updates; absent fields stay as-is.
type UpdateComplaintRequest struct {
	Type        *string `json:"type,omitempty"`
	Description *string `json:"description,omitempty"`
	Borough     *string `json:"borough,omitempty"`
	Agency      *string `json:"agency,omitempty"`
	Address     *string `json:"address,omitempty"`
	Status      *string `json:"status,omitempty" enum:"open,in_progress,escalated,closed"`
	Priority    *string `json:"priority,omitempty" enum:"low,medium,high,critical"`
	ResolvedAt  *string `json:"resolved_at,omitempty" format:"date-time"`
	DueAt       *string `json:"due_at,omitempty" format:"date-time"`
}

// ComplaintResponse is a complaint with its analysis when one exists.
type ComplaintResponse struct {
	domain.Complaint
	Analysis *domain.Analysis `json:"analysis,omitempty"`
}

type paginatedComplaints struct {
	Items []ComplaintResponse `json:"items"`
}

type paginatedActions struct {
	Items      []domain.Action `json:"items"`
	NextCursor int64           `json:"next_cursor,omitempty"`
}

func complaintResponse(c domain.Complaint, a *domain.Analysis) ComplaintResponse {
	return ComplaintResponse{Complaint: c, Analysis: a}
}
