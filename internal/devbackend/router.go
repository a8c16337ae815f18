// Package devbackend is a local stand-in for the portal auth API: password login, rotating
// refresh cookies, bearer-protected profile and account endpoints.
package devbackend

import "github.com/gin-gonic/gin"

// RouterOptions assembles a development backend.
type RouterOptions struct {
	Config       ServerConfig
	Dependencies RouteDependencies
	// CORSOrigins enables credentialed CORS when non-empty. Entries must already be
	// canonical, see ParseAllowedOrigins.
	CORSOrigins []string
	Middleware  []gin.HandlerFunc
}

// NewRouter builds a gin engine serving the auth routes.
func NewRouter(options RouterOptions) (*gin.Engine, error) {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(options.Middleware...)
	if len(options.CORSOrigins) > 0 {
		corsMiddleware, corsErr := crossOriginAuth(options.CORSOrigins, options.Config)
		if corsErr != nil {
			return nil, corsErr
		}
		router.Use(corsMiddleware)
	}
	MountAuthRoutes(router, options.Config, options.Dependencies)
	return router, nil
}
