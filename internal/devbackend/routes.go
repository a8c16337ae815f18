package devbackend

import (
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/portalauth/pkg/tokencodec"
	"go.uber.org/zap"
)

const invalidCredentialsMessage = "Invalid credentials"

// RouteDependencies are the collaborators of the auth routes.
type RouteDependencies struct {
	Users         UserStore
	RefreshTokens RefreshTokenStore
	Clock         tokencodec.Clock
	Logger        *zap.Logger
}

// MountAuthRoutes registers /auth/login, /auth/refresh, /auth/me, /auth/logout,
// /auth/logout-all, and the protected /api/account.
func MountAuthRoutes(router gin.IRouter, configuration ServerConfig, dependencies RouteDependencies) {
	users := dependencies.Users
	refreshTokens := dependencies.RefreshTokens
	clock := dependencies.Clock
	if clock == nil {
		clock = tokencodec.SystemClock()
	}
	logger := dependencies.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if users == nil || refreshTokens == nil {
		panic("user and refresh token stores are required")
	}

	router.POST("/auth/login", func(contextGin *gin.Context) {
		var inbound struct {
			Email    string `json:"email"`
			Password string `json:"password"`
			IPv4     string `json:"ipv4"`
			IPv6     string `json:"ipv6"`
		}
		if err := contextGin.ShouldBindJSON(&inbound); err != nil || strings.TrimSpace(inbound.Email) == "" || inbound.Password == "" {
			abortWithMessage(contextGin, http.StatusBadRequest, "Email and password are required")
			return
		}
		if !configuration.AllowInsecureHTTP && !isHTTPS(contextGin.Request) {
			abortWithMessage(contextGin, http.StatusBadRequest, "HTTPS is required")
			return
		}

		user, authErr := users.Authenticate(contextGin, inbound.Email, inbound.Password)
		if authErr != nil {
			if errors.Is(authErr, ErrUserNotFound) || errors.Is(authErr, ErrInvalidPassword) {
				logger.Info("login rejected",
					zap.String("code", "auth.login.rejected"),
					zap.String("client_ipv4", inbound.IPv4))
				abortWithMessage(contextGin, http.StatusUnauthorized, invalidCredentialsMessage)
				return
			}
			logger.Error("login lookup failed", zap.String("code", "auth.login.lookup_failed"), zap.Error(authErr))
			abortWithMessage(contextGin, http.StatusInternalServerError, "Internal error")
			return
		}

		accessToken, issueErr := issueSession(contextGin, configuration, refreshTokens, clock, user, "")
		if issueErr != nil {
			logger.Error("session issue failed", zap.String("code", "auth.login.issue_failed"), zap.Error(issueErr))
			abortWithMessage(contextGin, http.StatusInternalServerError, "Internal error")
			return
		}
		contextGin.JSON(http.StatusOK, gin.H{
			"accessToken": accessToken,
			"user":        profilePayload(user),
		})
	})

	router.POST("/auth/refresh", func(contextGin *gin.Context) {
		refreshCookie, cookieErr := contextGin.Request.Cookie(configuration.RefreshCookieName)
		if cookieErr != nil || refreshCookie == nil || strings.TrimSpace(refreshCookie.Value) == "" {
			abortWithMessage(contextGin, http.StatusUnauthorized, "Refresh token missing")
			return
		}
		userID, currentTokenID, validateErr := refreshTokens.Validate(contextGin, refreshCookie.Value)
		if validateErr != nil {
			logger.Info("refresh rejected", zap.String("code", "auth.refresh.rejected"), zap.Error(validateErr))
			abortWithMessage(contextGin, http.StatusUnauthorized, "Refresh token invalid")
			return
		}
		user, userErr := users.GetUser(contextGin, userID)
		if userErr != nil {
			abortWithMessage(contextGin, http.StatusUnauthorized, "Refresh token invalid")
			return
		}

		accessToken, issueErr := issueSession(contextGin, configuration, refreshTokens, clock, user, currentTokenID)
		if issueErr != nil {
			logger.Error("session issue failed", zap.String("code", "auth.refresh.issue_failed"), zap.Error(issueErr))
			abortWithMessage(contextGin, http.StatusInternalServerError, "Internal error")
			return
		}
		if revokeErr := refreshTokens.Revoke(contextGin, currentTokenID); revokeErr != nil {
			abortWithMessage(contextGin, http.StatusInternalServerError, "Internal error")
			return
		}
		contextGin.JSON(http.StatusOK, gin.H{"accessToken": accessToken})
	})

	router.POST("/auth/logout", func(contextGin *gin.Context) {
		refreshCookie, cookieErr := contextGin.Request.Cookie(configuration.RefreshCookieName)
		if cookieErr == nil && refreshCookie != nil && strings.TrimSpace(refreshCookie.Value) != "" {
			_, tokenID, validateErr := refreshTokens.Validate(contextGin, refreshCookie.Value)
			if validateErr == nil && tokenID != "" {
				_ = refreshTokens.Revoke(contextGin, tokenID)
			}
		}
		clearRefreshCookie(contextGin, configuration)
		contextGin.Status(http.StatusNoContent)
	})

	router.POST("/auth/logout-all", func(contextGin *gin.Context) {
		userID := ""
		if claims, ok := bearerClaims(contextGin.Request, configuration, clock); ok {
			userID = claims.GetUserID()
		} else if refreshCookie, cookieErr := contextGin.Request.Cookie(configuration.RefreshCookieName); cookieErr == nil && refreshCookie.Value != "" {
			userID, _, _ = refreshTokens.Validate(contextGin, refreshCookie.Value)
		}
		if userID == "" {
			abortWithMessage(contextGin, http.StatusUnauthorized, "Unauthorized")
			return
		}
		revoked, revokeErr := refreshTokens.RevokeUser(contextGin, userID)
		if revokeErr != nil {
			abortWithMessage(contextGin, http.StatusInternalServerError, "Internal error")
			return
		}
		logger.Info("all sessions revoked",
			zap.String("code", "auth.logout_all"),
			zap.String("user_id", userID),
			zap.Int("revoked", revoked))
		clearRefreshCookie(contextGin, configuration)
		contextGin.Status(http.StatusNoContent)
	})

	requireBearer := RequireBearer(configuration, clock)

	router.POST("/auth/me", requireBearer, func(contextGin *gin.Context) {
		user, ok := currentUser(contextGin, users, logger)
		if !ok {
			return
		}
		contextGin.JSON(http.StatusOK, gin.H{"user": profilePayload(user)})
	})

	router.GET("/api/account", requireBearer, func(contextGin *gin.Context) {
		user, ok := currentUser(contextGin, users, logger)
		if !ok {
			return
		}
		contextGin.JSON(http.StatusOK, gin.H{
			"id":       user.ID,
			"email":    user.Email,
			"services": []string{},
		})
	})
}

func currentUser(contextGin *gin.Context, users UserStore, logger *zap.Logger) (User, bool) {
	claims, ok := claimsFromContext(contextGin)
	if !ok {
		logger.Warn("missing auth claims on context", zap.String("code", "api.missing_claims"))
		abortWithMessage(contextGin, http.StatusUnauthorized, "Unauthorized")
		return User{}, false
	}
	user, userErr := users.GetUser(contextGin, claims.GetUserID())
	if userErr != nil {
		if errors.Is(userErr, ErrUserNotFound) {
			logger.Warn("user profile missing",
				zap.String("code", "api.profile_missing"),
				zap.String("user_id", claims.GetUserID()))
			abortWithMessage(contextGin, http.StatusUnauthorized, "Unauthorized")
			return User{}, false
		}
		logger.Error("user profile lookup error", zap.String("code", "api.profile_error"), zap.Error(userErr))
		abortWithMessage(contextGin, http.StatusInternalServerError, "Internal error")
		return User{}, false
	}
	return user, true
}

func issueSession(contextGin *gin.Context, configuration ServerConfig, refreshTokens RefreshTokenStore, clock tokencodec.Clock, user User, previousTokenID string) (string, error) {
	accessToken, _, mintErr := MintAccessToken(clock, user, configuration.AppJWTIssuer, configuration.AppJWTSigningKey, configuration.AccessTTL)
	if mintErr != nil {
		return "", mintErr
	}
	refreshExpiresAt := clock.Now().UTC().Add(configuration.RefreshTTL)
	_, refreshOpaque, issueErr := refreshTokens.Issue(contextGin, user.ID, refreshExpiresAt, previousTokenID)
	if issueErr != nil {
		return "", issueErr
	}
	writeRefreshCookie(contextGin, configuration, refreshOpaque, refreshExpiresAt)
	return accessToken, nil
}

func profilePayload(user User) gin.H {
	return gin.H{
		"id":        user.ID,
		"email":     user.Email,
		"name":      user.Name,
		"role":      user.Role,
		"createdAt": user.CreatedAt,
		"updatedAt": user.UpdatedAt,
	}
}

func writeRefreshCookie(contextGin *gin.Context, configuration ServerConfig, opaque string, expiresAt time.Time) {
	http.SetCookie(contextGin.Writer, &http.Cookie{
		Name:     configuration.RefreshCookieName,
		Value:    opaque,
		Path:     "/auth",
		Domain:   configuration.CookieDomain,
		Expires:  expiresAt,
		Secure:   !configuration.AllowInsecureHTTP,
		HttpOnly: true,
		SameSite: configuration.SameSiteMode,
	})
}

func clearRefreshCookie(contextGin *gin.Context, configuration ServerConfig) {
	http.SetCookie(contextGin.Writer, &http.Cookie{
		Name:     configuration.RefreshCookieName,
		Value:    "",
		Path:     "/auth",
		Domain:   configuration.CookieDomain,
		MaxAge:   -1,
		Secure:   !configuration.AllowInsecureHTTP,
		HttpOnly: true,
		SameSite: configuration.SameSiteMode,
	})
}

func isHTTPS(request *http.Request) bool {
	if request.TLS != nil {
		return true
	}
	if strings.EqualFold(request.Header.Get("X-Forwarded-Proto"), "https") {
		return true
	}
	forwarded := request.Header.Get("Forwarded")
	if forwarded != "" && strings.Contains(strings.ToLower(forwarded), "proto=https") {
		return true
	}
	host, _, splitErr := net.SplitHostPort(request.Host)
	return splitErr == nil && host == "localhost"
}
