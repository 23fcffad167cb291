package router

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/gdbrns/go-whatsapp-unit-connections/pkg/log"
)

type Response struct {
	Status  bool        `json:"status"`
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func logSuccess(c *fiber.Ctx, code int, message string) {
	statusMessage := http.StatusText(code)

	if statusMessage == message || c.OriginalURL() == BaseURL {
		log.Print(c).Info(fmt.Sprintf("%d %v", code, statusMessage))
	} else {
		log.Print(c).Info(fmt.Sprintf("%d %v", code, message))
	}
}

func logError(c *fiber.Ctx, code int, message string) {
	statusMessage := http.StatusText(code)

	if statusMessage == message {
		log.Print(c).Error(fmt.Sprintf("%d %v", code, statusMessage))
	} else {
		log.Print(c).Error(fmt.Sprintf("%d %v", code, message))
	}
}

func respond(c *fiber.Ctx, code int, message string, data interface{}) error {
	response := Response{
		Status: code < http.StatusBadRequest,
		Code:   code,
		Data:   data,
	}

	if strings.TrimSpace(message) == "" {
		message = http.StatusText(code)
	}
	response.Message = message

	if response.Status {
		logSuccess(c, code, message)
	} else {
		response.Error = message
		logError(c, code, message)
	}
	return c.Status(code).JSON(response)
}

func ResponseSuccess(c *fiber.Ctx, message string) error {
	return respond(c, http.StatusOK, message, nil)
}

func ResponseSuccessWithData(c *fiber.Ctx, message string, data interface{}) error {
	return respond(c, http.StatusOK, message, data)
}

func ResponseCreatedWithData(c *fiber.Ctx, message string, data interface{}) error {
	return respond(c, http.StatusCreated, message, data)
}

func ResponseNoContent(c *fiber.Ctx) error {
	return c.SendStatus(http.StatusNoContent)
}

func ResponseNotFound(c *fiber.Ctx, message string) error {
	return respond(c, http.StatusNotFound, message, nil)
}

func ResponseUnauthorized(c *fiber.Ctx, message string) error {
	return respond(c, http.StatusUnauthorized, message, nil)
}

func ResponseForbidden(c *fiber.Ctx, message string) error {
	return respond(c, http.StatusForbidden, message, nil)
}

func ResponseBadRequest(c *fiber.Ctx, message string) error {
	return respond(c, http.StatusBadRequest, message, nil)
}

func ResponseInternalError(c *fiber.Ctx, message string) error {
	return respond(c, http.StatusInternalServerError, message, nil)
}

// ResponseErrorWithData is used when a failure still has state worth
// rendering, e.g. the last known connection record.
func ResponseErrorWithData(c *fiber.Ctx, code int, message string, data interface{}) error {
	return respond(c, code, message, data)
}
