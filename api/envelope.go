package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/amitspk/blogwidget/common"
)

// Envelope is the uniform response wrapper returned by every endpoint.
type Envelope struct {
	Status     string                 `json:"status"`
	StatusCode int                    `json:"status_code"`
	Message    string                 `json:"message,omitempty"`
	Result     interface{}            `json:"result,omitempty"`
	Error      *ErrorBody             `json:"error,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	RequestID  string                 `json:"request_id,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
}

// ErrorBody carries the stable application error code alongside detail.
type ErrorBody struct {
	Code   string `json:"code"`
	Detail string `json:"detail"`
	Field  string `json:"field,omitempty"`
}

func requestID(c echo.Context) string {
	if id := c.Response().Header().Get(echo.HeaderXRequestID); id != "" {
		return id
	}
	return c.Request().Header.Get(echo.HeaderXRequestID)
}

func respond(c echo.Context, status int, message string, result interface{}) error {
	return c.JSON(status, Envelope{
		Status:     "success",
		StatusCode: status,
		Message:    message,
		Result:     result,
		RequestID:  requestID(c),
		Timestamp:  time.Now().UTC(),
	})
}

func respondWithMeta(c echo.Context, status int, message string, result interface{}, meta map[string]interface{}) error {
	return c.JSON(status, Envelope{
		Status:     "success",
		StatusCode: status,
		Message:    message,
		Result:     result,
		Metadata:   meta,
		RequestID:  requestID(c),
		Timestamp:  time.Now().UTC(),
	})
}

func respondError(c echo.Context, err error) error {
	appErr := common.AsAppError(err)
	status := appErr.HTTPStatus
	if status == 0 {
		status = http.StatusInternalServerError
	}
	return c.JSON(status, Envelope{
		Status:     "error",
		StatusCode: status,
		Message:    appErr.Detail,
		Error: &ErrorBody{
			Code:   appErr.Code,
			Detail: appErr.Detail,
			Field:  appErr.Field,
		},
		RequestID: requestID(c),
		Timestamp: time.Now().UTC(),
	})
}

// errorHandler converts stray echo errors (404 routes, body limit, bind
// failures) into the envelope shape.
func errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	if he, ok := err.(*echo.HTTPError); ok {
		detail := http.StatusText(he.Code)
		if msg, ok := he.Message.(string); ok {
			detail = msg
		}
		code := common.CodeInternalError
		switch he.Code {
		case http.StatusNotFound:
			code = common.CodeNotFound
		case http.StatusBadRequest, http.StatusRequestEntityTooLarge:
			code = common.CodeValidationError
		case http.StatusUnauthorized:
			code = common.CodeAuthRequired
		}
		_ = respondError(c, common.NewAppError(code, detail, he.Code))
		return
	}
	_ = respondError(c, err)
}
