package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// DeviceKey is the gin context key holding the authenticated device id.
const DeviceKey = "auth_device_id"

// Middleware authenticates device and operator requests.
type Middleware struct {
	svc     *Service
	enabled bool
}

// NewMiddleware returns device authentication middleware. When disabled,
// the device id is taken from the :id path parameter or the device_id query.
func NewMiddleware(svc *Service, enabled bool) *Middleware {
	return &Middleware{svc: svc, enabled: enabled && svc != nil}
}

func (m *Middleware) Enabled() bool { return m.enabled }

// GinDevice requires a device token. Tokens are read from the
// Authorization header or, for websocket clients, the token query parameter.
// When param names a path parameter, a token may only act on that device.
func (m *Middleware) GinDevice(param string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var claimed string
		if param != "" {
			claimed = c.Param(param)
		}
		if claimed == "" {
			claimed = c.Query("device_id")
		}
		if !m.enabled {
			if claimed == "" {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "device id required"})
				return
			}
			c.Set(DeviceKey, claimed)
			c.Next()
			return
		}

		claims, err := m.svc.ValidateToken(bearer(c.Request))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}
		if claims.Role != RoleDevice {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "device token required"})
			return
		}
		if claimed != "" && claimed != claims.DeviceID {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "token does not belong to this device"})
			return
		}
		c.Set(DeviceKey, claims.DeviceID)
		c.Next()
	}
}

// GinOperator requires an operator token when authentication is enabled.
// Device tokens are refused with 403.
func (m *Middleware) GinOperator() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !m.enabled {
			c.Next()
			return
		}
		claims, err := m.svc.ValidateToken(bearer(c.Request))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}
		if claims.Role != RoleOperator {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "operator token required"})
			return
		}
		c.Next()
	}
}

// DeviceID returns the device authenticated by GinDevice.
func DeviceID(c *gin.Context) (string, bool) {
	v, ok := c.Get(DeviceKey)
	if !ok {
		return "", false
	}
	id, ok := v.(string)
	return id, ok && id != ""
}

func bearer(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	return r.URL.Query().Get("token")
}
