package media

import (
	"net/http"
	"strconv"
	"strings"

	"bitwise74/media-ingest/app/reply"
	"bitwise74/media-ingest/internal"
	"bitwise74/media-ingest/internal/ingest"

	"github.com/gin-gonic/gin"
)

// MediaFetchBulk returns a page of the user's media
func MediaFetchBulk(c *gin.Context, d *internal.Deps) {
	userID := c.MustGet("userID").(string)

	page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
	if err != nil || page < 1 {
		reply.BadRequest(c, "Page must be a positive number")
		return
	}

	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil || limit <= 0 {
		reply.BadRequest(c, "Limit must be greater than 0")
		return
	}

	items, total, err := d.Ingest.List(c.Request.Context(), userID, ingest.ListQuery{
		Page:   page,
		Limit:  limit,
		Sort:   strings.ToLower(c.DefaultQuery("sort", "newest")),
		Search: strings.TrimSpace(c.Query("query")),
	})
	if err != nil {
		reply.Error(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"items": items,
		"total": total,
		"page":  page,
	})
}
