package auth

import (
	"github.com/labstack/echo/v4"
)

// publicPaths lists route templates that bypass authentication.
var publicPaths = map[string]bool{
	"/health":  true,
	"/metrics": true,
}

// AuthSkipper returns true for requests whose path should skip authentication.
func AuthSkipper(c echo.Context) bool {
	return publicPaths[c.Path()]
}

// IsPublicPath reports whether the given path bypasses authentication.
func IsPublicPath(path string) bool {
	return publicPaths[path]
}
