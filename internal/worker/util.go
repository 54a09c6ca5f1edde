package worker

import (
	"encoding/json"

	"github.com/gin-gonic/gin"
)

func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Status(code)
	_ = json.NewEncoder(c.Writer).Encode(v)
}
