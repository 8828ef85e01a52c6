package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	pkgerrors "github.com/pkg/errors"
)

// ErrorHandlerMiddleware renders the last error attached to the gin context
// as a JSON error response. Handlers attach errors with c.Error and abort;
// nothing else writes error bodies.
func ErrorHandlerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		err := c.Errors.Last()
		if err == nil {
			return
		}

		var response ErrorResponse
		response.Parse(err.Err)
		response.Status = response.Code
		c.JSON(response.Code, response)
	}
}

type ErrorResponse struct {
	Err     error  `json:"-"`
	Code    int    `json:"-"`
	Status  int    `json:"status"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e ErrorResponse) Error() string {
	return e.Message
}

func (e *ErrorResponse) Parse(err error) {
	var errorResponse ErrorResponse
	if errors.As(err, &errorResponse) {
		*e = errorResponse
		e.Err = errorResponse.Err
		return
	}

	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		var messages []string
		for _, fieldErr := range validationErrors {
			messages = append(messages, formatValidationError(fieldErr.Field(), fieldErr.Tag(), fieldErr.Param()))
		}
		e.Code = http.StatusUnprocessableEntity
		e.Message = "validation error"
		e.Data = messages
		e.Err = err
		return
	}
	if isInvalidJSON(err) {
		e.Code = http.StatusBadRequest
		e.Message = "invalid JSON"
		e.Err = err
		return
	}

	e.Code = http.StatusInternalServerError
	e.Message = err.Error()
	e.Err = err
}

// formatValidationError converts a validation error into a human-readable
// message. field is the field name, tag is the validation rule (e.g.
// "required", "min"), and param is the rule parameter.
func formatValidationError(field, tag, param string) string {
	field = strings.ToLower(field)

	switch tag {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, param)
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, param)
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, param)
	case "gtfield":
		return fmt.Sprintf("%s must come after %s", field, strings.ToLower(param))
	default:
		if param != "" {
			return fmt.Sprintf("%s failed %s=%s validation", field, tag, param)
		}
		return fmt.Sprintf("%s failed %s validation", field, tag)
	}
}

func isInvalidJSON(err error) bool {
	var syntaxError *json.SyntaxError
	var unmarshalTypeError *json.UnmarshalTypeError
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.As(err, &syntaxError) ||
		errors.As(err, &unmarshalTypeError)
}

func NewErrInternalServer(err error) ErrorResponse {
	return ErrorResponse{
		Err:     pkgerrors.WithStack(err),
		Code:    http.StatusInternalServerError,
		Message: "internal server error",
	}
}

func NewErrBadRequest(err error) ErrorResponse {
	return ErrorResponse{
		Err:     err,
		Code:    http.StatusBadRequest,
		Message: err.Error(),
	}
}

func NewErrNotFound(resource string) ErrorResponse {
	return ErrorResponse{
		Code:    http.StatusNotFound,
		Message: resource + " not found",
	}
}

func NewErrValidation(problems []string) ErrorResponse {
	return ErrorResponse{
		Code:    http.StatusUnprocessableEntity,
		Message: "validation error",
		Data:    problems,
	}
}
