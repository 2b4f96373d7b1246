package handler

import (
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

func intQuery(c *gin.Context, key string, def int) int {
	if val := c.Query(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return def
}

func uint64QueryPtr(c *gin.Context, key string) *uint64 {
	val := strings.TrimSpace(c.Query(key))
	if val == "" {
		return nil
	}
	id, err := strconv.ParseUint(val, 10, 64)
	if err != nil || id == 0 {
		return nil
	}
	return &id
}

func boolPtr(v bool) *bool { return &v }

func paginationMeta(limit, offset, count int) map[string]any {
	if limit < 0 {
		limit = 0
	}
	if offset < 0 {
		offset = 0
	}
	return map[string]any{
		"limit":    limit,
		"offset":   offset,
		"count":    count,
		"has_next": limit > 0 && count == limit,
	}
}
