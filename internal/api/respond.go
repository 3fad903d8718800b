// Package api exposes the core over REST and websockets with gin.
//
// Handlers stay thin: bind the request, call one service method, map the
// error kind to a status. Every service error is an *apperr.Error, so the
// mapping lives in one place.
package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lalith-99/studyhub/internal/apperr"
	"go.uber.org/zap"
)

// fail writes err as {"error", "code"} with the status of its kind.
// Fatal and transient errors are logged; the client only sees a generic
// message for them.
func fail(c *gin.Context, logger *zap.Logger, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(err),
		)
	}
	body := gin.H{"error": apperr.PublicMessage(err)}
	var e *apperr.Error
	if errors.As(err, &e) {
		if e.Code != "" {
			body["code"] = e.Code
		}
		if e.Current != "" {
			body["current"] = e.Current
			body["attempted"] = e.Attempted
		}
	}
	c.AbortWithStatusJSON(status, body)
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": msg})
}

// pathID parses the uuid path parameter name, answering 400 when it is
// malformed.
func pathID(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		badRequest(c, "invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}

// queryInt reads an optional integer query parameter, 0 when absent.
func queryInt(c *gin.Context, name string) (int, bool) {
	raw := c.Query(name)
	if raw == "" {
		return 0, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		badRequest(c, "invalid '"+name+"' parameter")
		return 0, false
	}
	return v, true
}

// queryTime reads an optional RFC 3339 timestamp.
func queryTime(c *gin.Context, name string) (*time.Time, bool) {
	raw := c.Query(name)
	if raw == "" {
		return nil, true
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		badRequest(c, "invalid '"+name+"' parameter, expected RFC 3339")
		return nil, false
	}
	return &t, true
}
