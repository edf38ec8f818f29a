package server

import (
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/tether/internal/config"
)

// sanitizeBase turns a configured base path into a gin group prefix:
// rooted, cleaned, no trailing slash, "" for the root.
func sanitizeBase(bp string) string {
	bp = strings.Trim(strings.TrimSpace(bp), "/")
	if bp == "" {
		return ""
	}
	if p := path.Clean("/" + bp); p != "/" {
		return p
	}
	return ""
}

// isSafeName accepts app and instance names: [A-Za-z0-9._-] without "..".
func isSafeName(s string) bool {
	return config.ValidName(s) && !strings.Contains(s, "..")
}

// parseWait reads the optional wait query value. Empty yields def; a
// malformed or negative value is reported.
func parseWait(s string, def time.Duration) (time.Duration, bool) {
	if s == "" {
		return def, true
	}
	if d, err := time.ParseDuration(s); err == nil && d >= 0 {
		return d, true
	}
	return 0, false
}

func writeJSON(c *gin.Context, code int, v any) {
	c.JSON(code, v)
}

func badRequest(c *gin.Context, msg string) {
	writeJSON(c, http.StatusBadRequest, errorResp{Error: msg})
}
