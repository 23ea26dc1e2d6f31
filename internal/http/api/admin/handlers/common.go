package handlers

import (
	"strconv"

	"github.com/gin-gonic/gin"
)

// parseID reads a positive numeric path parameter.
func parseID(c *gin.Context, name string) (uint64, bool) {
	id, errParse := strconv.ParseUint(c.Param(name), 10, 64)
	if errParse != nil || id == 0 {
		return 0, false
	}
	return id, true
}

// pageQuery is the common paging input.
type pageQuery struct {
	Page  int `form:"page,default=1"`   // Page number.
	Limit int `form:"limit,default=20"` // Page size.
}

func (q *pageQuery) normalize(maxLimit int) {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.Limit < 1 || q.Limit > maxLimit {
		q.Limit = 20
	}
}
