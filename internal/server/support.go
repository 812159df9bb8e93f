package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"errandline/internal/domain"
	"errandline/internal/engine"
)

type CreateTicketRequest struct {
	Category      domain.TicketCategory `json:"category" enum:"PAYMENT,SAFETY,QUALITY,CANCELLATION,PRICING,TECH,OTHER"`
	Subject       *string               `json:"subject,omitempty" maxLength:"200"`
	Message       string                `json:"message" minLength:"1" maxLength:"4000"`
	RelatedTaskID *string               `json:"relatedTaskId,omitempty"`
}

type MessageRequest struct {
	Message string `json:"message" minLength:"1" maxLength:"4000"`
}

type ticketOutput struct {
	Body domain.SupportTicketDetail `json:"body"`
}

func registerSupport(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-tickets",
		Method:      http.MethodGet,
		Path:        "/support/tickets",
		Summary:     "Support conversations of the caller",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.SupportTicket `json:"body"`
	}, error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		tickets, err := e.ListTickets(ctx, p)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.SupportTicket `json:"body"`
		}{Body: tickets}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-ticket",
		Method:        http.MethodPost,
		Path:          "/support/tickets",
		Summary:       "Open a support conversation",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body CreateTicketRequest `json:"body"`
	}) (*ticketOutput, error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		detail, err := e.CreateTicket(ctx, p, engine.NewTicket{
			Category:      input.Body.Category,
			Subject:       input.Body.Subject,
			Message:       input.Body.Message,
			RelatedTaskID: input.Body.RelatedTaskID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &ticketOutput{Body: detail}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-ticket",
		Method:      http.MethodGet,
		Path:        "/support/tickets/{id}",
		Summary:     "A support conversation with its messages",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*ticketOutput, error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		detail, err := e.GetTicket(ctx, p, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &ticketOutput{Body: detail}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-ticket-message",
		Method:        http.MethodPost,
		Path:          "/support/tickets/{id}/messages",
		Summary:       "Reply in a support conversation",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string         `path:"id"`
		Body MessageRequest `json:"body"`
	}) (*struct {
		Body domain.SupportMessage `json:"body"`
	}, error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.AddMessage(ctx, p, input.ID, input.Body.Message)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.SupportMessage `json:"body"`
		}{Body: m}, nil
	})
}
