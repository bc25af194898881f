package apiv1

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
)

// BasePath prefixes every status route.
const BasePath = "/api/v1"

// Response wraps every JSON payload except the health probe.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func SuccessResponse(c echo.Context, data interface{}) error {
	return c.JSON(http.StatusOK, Response{Success: true, Data: data})
}

func ErrorResponse(c echo.Context, code int, message string) error {
	return c.JSON(code, Response{Error: message})
}

// errorHandler replaces echo's default so unknown routes and panics still
// answer in the Response shape.
func errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	code, message := http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError)
	if he := (*echo.HTTPError)(nil); errors.As(err, &he) {
		code, message = he.Code, fmt.Sprint(he.Message)
	}
	if werr := ErrorResponse(c, code, message); werr != nil {
		c.Logger().Error(werr)
	}
}
