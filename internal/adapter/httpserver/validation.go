package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/conceptforge/conceptforge/internal/domain"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// decodeJSON decodes and validates a request body into dst.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("op=http.decode: %v: %w", err, domain.ErrInvalidArgument)
	}
	if err := validate.Struct(dst); err != nil {
		return fmt.Errorf("op=http.validate: %v: %w", err, domain.ErrInvalidArgument)
	}
	return nil
}
