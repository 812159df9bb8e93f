// Package api exposes one typed function per backend endpoint.
package api

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"errandline/internal/gateway"
)

const Prefix = "/api/v1"

// Client binds endpoint functions to a gateway.
type Client struct {
	GW       *gateway.Client
	validate *validator.Validate
}

func New(gw *gateway.Client) *Client {
	return &Client{GW: gw, validate: validator.New(validator.WithRequiredStructEnabled())}
}

func (c *Client) do(ctx context.Context, req gateway.Request, out any) error {
	return c.GW.Do(ctx, req, out)
}

// check runs struct validation and maps failures to a validation error.
func (c *Client) check(v any) error {
	err := c.validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fields := make([]string, 0, len(verrs))
		details := map[string]string{}
		for _, fe := range verrs {
			fields = append(fields, fe.Field())
			details[fe.Field()] = fe.Tag()
		}
		gerr := gateway.Validation("invalid %s", strings.Join(fields, ", "))
		gerr.Details = details
		return gerr
	}
	return gateway.Validation("%v", err)
}

func path(segments ...string) string {
	return gateway.PathEscape(Prefix, segments...)
}

func requireID(name, id string) error {
	if strings.TrimSpace(id) == "" {
		return gateway.Validation("%s is required", name)
	}
	return nil
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}
