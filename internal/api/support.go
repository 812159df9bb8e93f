package api

import (
	"context"
	"net/http"

	"errandline/internal/domain"
	"errandline/internal/gateway"
)

// NewTicket opens a support conversation.
type NewTicket struct {
	Category      domain.TicketCategory `json:"category" validate:"required,oneof=PAYMENT SAFETY QUALITY CANCELLATION PRICING TECH OTHER"`
	Subject       *string               `json:"subject,omitempty"`
	Message       string                `json:"message" validate:"required,max=4000"`
	RelatedTaskID *string               `json:"relatedTaskId,omitempty"`
}

type supportMessageRequest struct {
	Message string `json:"message" validate:"required,max=4000"`
}

func (c *Client) ListSupportTickets(ctx context.Context, token string) ([]domain.SupportTicket, error) {
	out := []domain.SupportTicket{}
	err := c.do(ctx, gateway.Request{Method: http.MethodGet, Path: path("support", "tickets"), Bearer: token}, &out)
	return out, wrap("list tickets", err)
}

func (c *Client) GetSupportTicket(ctx context.Context, token, ticketID string) (domain.SupportTicketDetail, error) {
	if err := requireID("ticket id", ticketID); err != nil {
		return domain.SupportTicketDetail{}, err
	}
	var out domain.SupportTicketDetail
	err := c.do(ctx, gateway.Request{Method: http.MethodGet, Path: path("support", "tickets", ticketID), Bearer: token}, &out)
	return out, wrap("get ticket", err)
}

func (c *Client) CreateSupportTicket(ctx context.Context, token string, req NewTicket) (domain.SupportTicketDetail, error) {
	if err := c.check(req); err != nil {
		return domain.SupportTicketDetail{}, err
	}
	var out domain.SupportTicketDetail
	err := c.do(ctx, gateway.Request{Method: http.MethodPost, Path: path("support", "tickets"), Body: req, Bearer: token}, &out)
	return out, wrap("create ticket", err)
}

func (c *Client) AddSupportMessage(ctx context.Context, token, ticketID, message string) (domain.SupportMessage, error) {
	if err := requireID("ticket id", ticketID); err != nil {
		return domain.SupportMessage{}, err
	}
	req := supportMessageRequest{Message: message}
	if err := c.check(req); err != nil {
		return domain.SupportMessage{}, err
	}
	var out domain.SupportMessage
	err := c.do(ctx, gateway.Request{Method: http.MethodPost, Path: path("support", "tickets", ticketID, "messages"), Body: req, Bearer: token}, &out)
	return out, wrap("add ticket message", err)
}
