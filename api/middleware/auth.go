/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/storesync/replicator/config"
)

const (
	KeyHeader = "X-Replicator-Key"
)

// pathToResource maps the first URL segment to the resource it belongs to.
var pathToResource = map[string]Resource{
	"queue":        ResourceQueue,
	"webhooks":     ResourceWebhooks,
	"conflicts":    ResourceConflicts,
	"distribution": ResourceDistribution,
	"nodes":        ResourceNodes,
	"watermarks":   ResourceWatermarks,
	"audit":        ResourceAudit,
	"health":       ResourceHealth,
}

// publicPaths skip key authentication. Received webhooks carry their own
// HMAC signature.
var publicPaths = map[string]bool{
	"/":                 true,
	"/webhooks/receive": true,
}

// AuthMiddleware authenticates operator requests with the X-Replicator-Key header.
type AuthMiddleware struct {
	conf *config.Configuration
}

func NewAuthMiddleware(conf *config.Configuration) *AuthMiddleware {
	return &AuthMiddleware{conf: conf}
}

// getResourceFromPath determines the resource type from the URL path.
//
// Parameters:
// - path: The URL path to analyze.
//
// Returns:
// - Resource: The determined resource type, or empty string if not found.
func getResourceFromPath(path string) Resource {
	parts := strings.Split(strings.TrimPrefix(path, "/"), "/")
	if len(parts) == 0 {
		return ""
	}
	return pathToResource[parts[0]]
}

// scopesForKey returns the scopes of a configured operator key.
func (m *AuthMiddleware) scopesForKey(key string) ([]string, bool) {
	for candidate, scopes := range m.conf.Server.ScopedKeys {
		if secureCompare(candidate, key) {
			return scopes, true
		}
	}
	return nil, false
}

// Authenticate returns a middleware function that handles authentication and authorization for all routes.
// The master secret key has every permission. Scoped keys are checked against the resource and HTTP method.
//
// Returns:
// - gin.HandlerFunc: A middleware function that performs the authentication.
//
// Responses:
// - 401 Unauthorized: When the key is missing or unknown.
// - 403 Forbidden: When a scoped key lacks permission for the route.
// - 500 Internal Server Error: When secure mode is on but no secret key is configured.
func (m *AuthMiddleware) Authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		if publicPaths[c.Request.URL.Path] || !m.conf.Server.Secure {
			c.Next()
			return
		}
		if m.conf.Server.SecretKey == "" {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Secret key is not configured"})
			return
		}

		key := c.GetHeader(KeyHeader)
		if key == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authentication required. Use X-Replicator-Key header"})
			return
		}

		if secureCompare(m.conf.Server.SecretKey, key) {
			c.Set("isMasterKey", true)
			c.Next()
			return
		}

		scopes, ok := m.scopesForKey(key)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid secret key"})
			return
		}

		resource := getResourceFromPath(c.Request.URL.Path)
		if resource == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Unknown resource type"})
			return
		}
		if !HasPermission(scopes, resource, c.Request.Method) {
			action := methodToAction[c.Request.Method]
			logrus.WithFields(logrus.Fields{"resource": resource, "method": c.Request.Method}).Warn("scoped key denied")
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Insufficient permissions for " + BuildScope(resource, action)})
			return
		}

		c.Set("scopes", scopes)
		c.Next()
	}
}
