package handlers

import (
	"errors"
	"log"

	"github.com/gofiber/fiber/v2"

	"github.com/mwakidenis/DigiFarm/internal/services"
)

// ErrorHandler renders every error as {"error": message}.
func ErrorHandler(c *fiber.Ctx, err error) error {
	fe := toFiberError(err)
	if fe.Code >= fiber.StatusInternalServerError {
		log.Printf("[HTTP] %s %s: %v", c.Method(), c.Path(), err)
	}
	return c.Status(fe.Code).JSON(fiber.Map{"error": fe.Message})
}

// toFiberError maps domain errors onto HTTP statuses. Conflicts answer 400
// to match the published payment contract.
func toFiberError(err error) *fiber.Error {
	var (
		fiberErr    *fiber.Error
		validation  *services.ValidationError
		notFound    *services.NotFoundError
		conflict    *services.ConflictError
		malformed   *services.MalformedCallbackError
		gatewayAuth *services.GatewayAuthError
		gatewayReq  *services.GatewayRequestError
	)

	switch {
	case errors.As(err, &fiberErr):
		return fiberErr
	case errors.As(err, &validation):
		return fiber.NewError(fiber.StatusBadRequest, validation.Error())
	case errors.As(err, &notFound):
		return fiber.NewError(fiber.StatusNotFound, notFound.Error())
	case errors.As(err, &conflict):
		return fiber.NewError(fiber.StatusBadRequest, conflict.Error())
	case errors.As(err, &malformed):
		return fiber.NewError(fiber.StatusBadRequest, malformed.Error())
	case errors.As(err, &gatewayAuth):
		if gatewayAuth.Message != "" {
			return fiber.NewError(fiber.StatusInternalServerError, gatewayAuth.Message)
		}
		return fiber.NewError(fiber.StatusInternalServerError, "payment provider authentication failed")
	case errors.As(err, &gatewayReq):
		return fiber.NewError(fiber.StatusInternalServerError, gatewayReq.ProviderMessage())
	default:
		return fiber.NewError(fiber.StatusInternalServerError, "internal server error")
	}
}
