package http

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/dkeye/telecall/internal/domain"
)

const (
	userKey       = "user_id"
	userHeader    = "X-User-ID"
	sessionCookie = "TelecallSessions"
)

var errNoIdentity = errors.New("no user identity")

// Identity resolves the local user of a request.
type Identity interface {
	User(c *gin.Context) (domain.UserID, error)
}

// JWTIdentity reads the subject of an HS256 bearer token.
type JWTIdentity struct {
	Secret []byte
}

func (j JWTIdentity) User(c *gin.Context) (domain.UserID, error) {
	raw, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
	if !ok || raw == "" {
		return "", errNoIdentity
	}
	tok, err := jwt.Parse(raw, func(*jwt.Token) (any, error) {
		return j.Secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", err
	}
	sub, err := tok.Claims.GetSubject()
	if err != nil {
		return "", err
	}
	return domain.ParseUserID(sub)
}

// DevIdentity trusts the X-User-ID header, falling back to the cookie session
// bound through POST /api/session.
type DevIdentity struct{}

func (DevIdentity) User(c *gin.Context) (domain.UserID, error) {
	if h := c.GetHeader(userHeader); h != "" {
		return domain.ParseUserID(h)
	}
	if v, ok := sessions.Default(c).Get(userKey).(string); ok {
		return domain.ParseUserID(v)
	}
	return "", errNoIdentity
}

func requireUser(id Identity) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, err := id.User(c)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Set(userKey, user)
		c.Next()
	}
}

func currentUser(c *gin.Context) domain.UserID {
	return c.MustGet(userKey).(domain.UserID)
}

// bindSession stores the user id in the cookie session. Dev mode only.
func bindSession(c *gin.Context) {
	var req struct {
		UserID string `json:"user_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	user, err := domain.ParseUserID(req.UserID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s := sessions.Default(c)
	s.Set(userKey, string(user))
	if err := s.Save(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session save failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": user})
}
