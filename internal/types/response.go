package types

import (
	"net/http"

	"github.com/gdbrns/go-whatsapp-unit-connections/internal/connection"
	"github.com/gdbrns/go-whatsapp-unit-connections/internal/provider"
)

type ResponseConnection struct {
	Connection connection.View `json:"connection"`
	Created    bool            `json:"created,omitempty"`
}

// ResponseConnectionError carries the last known record next to a failure.
type ResponseConnectionError struct {
	Kind       connection.Kind  `json:"kind,omitempty"`
	Connection *connection.View `json:"connection,omitempty"`
	Stale      bool             `json:"stale"`
}

type ResponseSend struct {
	Ack provider.Ack `json:"ack"`
}

type ResponseConnectionList struct {
	Connections []connection.View         `json:"connections"`
	Stats       map[connection.Status]int `json:"stats"`
	Providers   []connection.Provider     `json:"providers"`
}

// HTTPStatus maps an error kind onto the status code clients see.
func HTTPStatus(err error) int {
	switch connection.KindOf(err) {
	case connection.KindProviderUnavailable:
		return http.StatusServiceUnavailable
	case connection.KindInvalidConfig:
		return http.StatusUnprocessableEntity
	case connection.KindConflictingOperation, connection.KindNotConnected:
		return http.StatusConflict
	case connection.KindUnknownTenant:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// ErrorData builds the error payload. A zero view is left out.
func ErrorData(err error, view connection.View) ResponseConnectionError {
	out := ResponseConnectionError{Kind: connection.KindOf(err)}
	if view.UnitID != "" {
		v := view
		out.Connection = &v
		// Only a rejected config is written back before the response.
		out.Stale = view.Stale || out.Kind != connection.KindInvalidConfig
	}
	return out
}
