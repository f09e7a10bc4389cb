package web

import (
	"net/http"

	"github.com/gin-gonic/gin"
	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-stkpush/core"
)

type errorBody struct {
	TextCode string         `json:"text_code"`
	Message  string         `json:"message"`
	Category string         `json:"category"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func writeError(c *gin.Context, err error) {
	mapped := core.MapError(err)
	if mapped == nil {
		mapped = core.MapError(goerrors.New("An unexpected error occurred", goerrors.CategoryInternal))
	}
	status := mapped.Code
	if status < http.StatusBadRequest || status > 599 {
		status = http.StatusInternalServerError
	}

	metadata := map[string]any{}
	for key, value := range mapped.Metadata {
		metadata[key] = value
	}
	if fields := mapped.AllValidationErrors(); len(fields) > 0 {
		metadata["fields"] = fields
	}
	if len(metadata) == 0 {
		metadata = nil
	}

	_ = c.Error(err)
	c.AbortWithStatusJSON(status, gin.H{"error": errorBody{
		TextCode: mapped.TextCode,
		Message:  mapped.Message,
		Category: string(mapped.Category),
		Metadata: metadata,
	}})
}
