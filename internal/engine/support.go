package engine

import (
	"context"
	"errors"
	"strings"

	"errandline/internal/domain"
	"errandline/internal/repo"
)

// supportAck is the automatic first reply on a new ticket.
const supportAck = "Thanks for reaching out. A support agent will reply here shortly."

func (e Engine) ListTickets(ctx context.Context, p Principal) ([]domain.SupportTicket, error) {
	return e.Repo.ListTickets(ctx, p.UserID)
}

func (e Engine) GetTicket(ctx context.Context, p Principal, id string) (domain.SupportTicketDetail, error) {
	t, err := e.Repo.GetTicket(ctx, nil, p.UserID, id)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.SupportTicketDetail{}, notFound("ticket")
	}
	if err != nil {
		return domain.SupportTicketDetail{}, err
	}
	msgs, err := e.Repo.ListMessages(ctx, id)
	if err != nil {
		return domain.SupportTicketDetail{}, err
	}
	return domain.SupportTicketDetail{SupportTicket: t, Messages: msgs}, nil
}

// NewTicket is a support conversation opened by a user.
type NewTicket struct {
	Category      domain.TicketCategory
	Subject       *string
	Message       string
	RelatedTaskID *string
}

func priorityFor(c domain.TicketCategory) string {
	switch c {
	case domain.CategorySafety:
		return "URGENT"
	case domain.CategoryPayment:
		return "HIGH"
	}
	return "NORMAL"
}

func (e Engine) CreateTicket(ctx context.Context, p Principal, req NewTicket) (domain.SupportTicketDetail, error) {
	switch req.Category {
	case domain.CategoryPayment, domain.CategorySafety, domain.CategoryQuality, domain.CategoryCancellation,
		domain.CategoryPricing, domain.CategoryTech, domain.CategoryOther:
	default:
		return domain.SupportTicketDetail{}, invalid("invalid_category", "unknown category %q", req.Category)
	}
	msg := strings.TrimSpace(req.Message)
	if msg == "" || len(msg) > 4000 {
		return domain.SupportTicketDetail{}, invalid("invalid_message", "message must be 1 to 4000 characters")
	}
	if req.RelatedTaskID != nil && *req.RelatedTaskID != "" {
		if _, err := e.visible(ctx, nil, p, *req.RelatedTaskID); err != nil {
			return domain.SupportTicketDetail{}, err
		}
	}
	now := e.stamp()
	t := domain.SupportTicket{
		ID:            newID(),
		Category:      req.Category,
		Subject:       req.Subject,
		Status:        "OPEN",
		Priority:      priorityFor(req.Category),
		RelatedTaskID: req.RelatedTaskID,
		LastMessageAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.SupportTicketDetail{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertTicket(ctx, tx, p.UserID, t); err != nil {
		return domain.SupportTicketDetail{}, err
	}
	author := p.UserID
	if err := e.Repo.InsertMessage(ctx, tx, t.ID, domain.SupportMessage{ID: newID(), AuthorType: "USER", AuthorUserID: &author, Message: msg, CreatedAt: now}); err != nil {
		return domain.SupportTicketDetail{}, err
	}
	if err := e.Repo.InsertMessage(ctx, tx, t.ID, domain.SupportMessage{ID: newID(), AuthorType: "AI", Message: supportAck, CreatedAt: now}); err != nil {
		return domain.SupportTicketDetail{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.SupportTicketDetail{}, err
	}
	return e.GetTicket(ctx, p, t.ID)
}

func (e Engine) AddMessage(ctx context.Context, p Principal, ticketID, message string) (domain.SupportMessage, error) {
	msg := strings.TrimSpace(message)
	if msg == "" || len(msg) > 4000 {
		return domain.SupportMessage{}, invalid("invalid_message", "message must be 1 to 4000 characters")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.SupportMessage{}, err
	}
	defer tx.Rollback()
	t, err := e.Repo.GetTicket(ctx, tx, p.UserID, ticketID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.SupportMessage{}, notFound("ticket")
	}
	if err != nil {
		return domain.SupportMessage{}, err
	}
	if t.Status == "CLOSED" {
		return domain.SupportMessage{}, conflict("ticket_closed", "ticket is closed")
	}
	author := p.UserID
	m := domain.SupportMessage{ID: newID(), AuthorType: "USER", AuthorUserID: &author, Message: msg, CreatedAt: e.stamp()}
	if err := e.Repo.InsertMessage(ctx, tx, ticketID, m); err != nil {
		return domain.SupportMessage{}, err
	}
	return m, tx.Commit()
}
