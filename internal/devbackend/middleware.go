package devbackend

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/tyemirov/portalauth/pkg/tokencodec"
)

const claimsContextKey = "auth_claims"

// RequireBearer validates the Authorization bearer token and injects its claims.
func RequireBearer(configuration ServerConfig, clock tokencodec.Clock) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		claims, ok := bearerClaims(contextGin.Request, configuration, clock)
		if !ok {
			abortWithMessage(contextGin, http.StatusUnauthorized, "Unauthorized")
			return
		}
		contextGin.Set(claimsContextKey, claims)
		contextGin.Next()
	}
}

func bearerClaims(request *http.Request, configuration ServerConfig, clock tokencodec.Clock) (*tokencodec.Claims, bool) {
	header := request.Header.Get("Authorization")
	tokenText, found := strings.CutPrefix(header, "Bearer ")
	if !found || strings.TrimSpace(tokenText) == "" {
		return nil, false
	}
	parsedToken, parseErr := jwt.ParseWithClaims(tokenText, &tokencodec.Claims{}, func(parsed *jwt.Token) (interface{}, error) {
		return configuration.AppJWTSigningKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(configuration.AppJWTIssuer),
		jwt.WithTimeFunc(clock.Now))
	if parseErr != nil || parsedToken == nil || !parsedToken.Valid {
		return nil, false
	}
	claims, ok := parsedToken.Claims.(*tokencodec.Claims)
	if !ok || claims.GetUserID() == "" {
		return nil, false
	}
	return claims, true
}

func claimsFromContext(contextGin *gin.Context) (*tokencodec.Claims, bool) {
	claimsValue, found := contextGin.Get(claimsContextKey)
	if !found {
		return nil, false
	}
	claims, ok := claimsValue.(*tokencodec.Claims)
	return claims, ok && claims != nil
}

func abortWithMessage(contextGin *gin.Context, status int, message string) {
	contextGin.AbortWithStatusJSON(status, gin.H{"message": message})
}
