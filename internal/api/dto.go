package api

import (
	"github.com/go-playground/validator/v10"
)

// createRequest is the JSON body PUT /@api/control/:name accepts: an
// AppInfo (minus Timestamp, which the server assigns) plus the module
// source under the "$code" key spec.md names literally.
type createRequest struct {
	Name        string         `json:"name" validate:"required"`
	Version     string         `json:"version" validate:"required"`
	Description string         `json:"description" validate:"required"`
	Code        string         `json:"$code" validate:"required"`
	Ext         string         `json:"ext"`
	Extra       map[string]any `json:"extra,omitempty"`
}

var validate = validator.New()

func (r *createRequest) validateRequired() error {
	return validate.Struct(r)
}
