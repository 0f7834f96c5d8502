// Package reply writes the JSON bodies shared by every handler
package reply

import (
	"errors"
	"net/http"

	"bitwise74/media-ingest/internal/apperr"
	"bitwise74/media-ingest/internal/ingest"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Error answers with the status and code matching err's kind. Unclassified
// errors are logged and hidden behind a generic message.
func Error(c *gin.Context, err error) {
	requestID := c.GetString("requestID")
	kind := apperr.KindOf(err)
	status := apperr.HTTPStatus(kind)

	body := gin.H{
		"error":     err.Error(),
		"code":      kind,
		"requestID": requestID,
	}

	var ae *apperr.Error
	if errors.As(err, &ae) {
		body["error"] = ae.Message
		if ae.Missing != nil {
			body["missing"] = ae.Missing
		}
	}

	if status >= http.StatusInternalServerError {
		body["error"] = "Internal server error"
		zap.L().Error("Request failed", zap.Error(err), zap.String("requestID", requestID))
	}

	c.AbortWithStatusJSON(status, body)
}

// BadRequest is for input rejected before it reaches the pipeline
func BadRequest(c *gin.Context, msg string) {
	Error(c, apperr.New(apperr.InvalidRequest, msg))
}

// Ingested is the body returned for every newly created media record
func Ingested(c *gin.Context, status int, res *ingest.Result) {
	body := gin.H{
		"media":       res.Media,
		"isDuplicate": res.IsDuplicate,
		"spaceSaved":  res.SpaceSaved,
	}
	if res.Warning != "" {
		body["warning"] = res.Warning
	}

	c.JSON(status, body)
}
