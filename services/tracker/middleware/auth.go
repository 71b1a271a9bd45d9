// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides gin middleware for the tracker API.
package middleware

import (
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianCD/pkg/extensions"
	"github.com/AleutianAI/AleutianCD/services/tracker/datatypes"
)

// CallbackTokenHeader carries the shared secret runners present on status
// callbacks.
const CallbackTokenHeader = "X-Callback-Token"

// authInfoKey is the gin context key for the caller identity.
const authInfoKey = "tracker_auth_info"

// SetAuthInfo stores the authenticated identity in the request context.
func SetAuthInfo(c *gin.Context, info *extensions.AuthInfo) {
	c.Set(authInfoKey, info)
}

// GetAuthInfo returns the identity set by AuthMiddleware, or nil when the
// route is not authenticated.
func GetAuthInfo(c *gin.Context) *extensions.AuthInfo {
	if info, exists := c.Get(authInfoKey); exists {
		if authInfo, ok := info.(*extensions.AuthInfo); ok {
			return authInfo
		}
	}
	return nil
}

// AuthMiddleware validates the bearer token with provider and stores the
// resulting identity for handlers.
//
// # Description
//
// The token is taken from "Authorization: Bearer <token>". A missing header
// yields an empty token; whether that is acceptable is the provider's call.
// Failures abort with 401.
func AuthMiddleware(provider extensions.AuthProvider) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractBearerToken(c)

		authInfo, err := provider.Validate(c.Request.Context(), token)
		if err != nil {
			slog.Warn("authentication failed",
				"path", c.FullPath(),
				"client_ip", c.ClientIP(),
				"error", err)
			detail := "authentication failed"
			if errors.Is(err, extensions.ErrUnauthorized) {
				detail = "unauthorized"
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, datatypes.ErrorResponse{Error: detail})
			return
		}

		SetAuthInfo(c, authInfo)
		c.Next()
	}
}

// CallbackToken rejects callbacks that do not present secret in the
// X-Callback-Token header. An empty secret disables the check.
func CallbackToken(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.Next()
			return
		}
		got := c.GetHeader(CallbackTokenHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			slog.Warn("callback rejected: bad token", "client_ip", c.ClientIP())
			c.AbortWithStatusJSON(http.StatusUnauthorized, datatypes.ErrorResponse{Error: "invalid callback token"})
			return
		}
		SetAuthInfo(c, &extensions.AuthInfo{UserID: "runner", Roles: []string{extensions.RoleRunner}})
		c.Next()
	}
}

// extractBearerToken extracts the token from the Authorization header.
func extractBearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return ""
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}

	return strings.TrimSpace(parts[1])
}
