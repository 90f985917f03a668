package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"execution-core/internal/domain"
)

const claimsContextKey = "UserClaims"

// UserClaims carries the trading profile the platform's user service
// signed into the token. The execution core trusts these claims; it holds
// no user store of its own.
type UserClaims struct {
	UserID      string   `json:"uid"`
	Tier        string   `json:"tier"`
	XP          int      `json:"xp"`
	RiskMode    string   `json:"risk_mode"`
	RiskPct     float64  `json:"risk_pct"`
	WinRate     float64  `json:"win_rate"`
	PayoffRatio float64  `json:"payoff_ratio"`
	Plans       []string `json:"plans"`
	jwt.RegisteredClaims
}

// GenerateToken signs a token for a user profile. Used by tests and
// operator tooling; production tokens come from the platform's user
// service sharing the same secret.
func GenerateToken(profile domain.UserProfile, secret string, expiresAt time.Time) (string, error) {
	plans := make([]string, len(profile.UnlockedPlans))
	for i, p := range profile.UnlockedPlans {
		plans[i] = string(p)
	}
	claims := UserClaims{
		UserID:      profile.UserID,
		Tier:        string(profile.Tier),
		XP:          profile.XP,
		RiskMode:    string(profile.RiskMode),
		RiskPct:     profile.RiskPct,
		WinRate:     profile.WinRate,
		PayoffRatio: profile.PayoffRatio,
		Plans:       plans,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   profile.UserID,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func parseToken(tokenStr, secret string) (*UserClaims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &UserClaims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	if claims, ok := token.Claims.(*UserClaims); ok && token.Valid {
		return claims, nil
	}
	return nil, errors.New("invalid token claims")
}

// AuthMiddleware enforces JWT auth for protected routes.
func AuthMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":  "MISSING_TOKEN",
				"error": "missing Authorization header",
			})
			return
		}
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":  "INVALID_AUTH_HEADER",
				"error": "invalid Authorization header",
			})
			return
		}

		claims, err := parseToken(parts[1], secret)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":  "INVALID_TOKEN",
				"error": "invalid or expired token",
			})
			return
		}

		c.Set(claimsContextKey, claims)
		c.Next()
	}
}

// CurrentProfile rebuilds the trading profile from the token claims.
func CurrentProfile(c *gin.Context) (domain.UserProfile, bool) {
	v, ok := c.Get(claimsContextKey)
	if !ok {
		return domain.UserProfile{}, false
	}
	claims, ok := v.(*UserClaims)
	if !ok {
		return domain.UserProfile{}, false
	}

	plans := make([]domain.PlanKind, len(claims.Plans))
	for i, p := range claims.Plans {
		plans[i] = domain.PlanKind(p)
	}
	return domain.UserProfile{
		UserID:        claims.UserID,
		Tier:          domain.Tier(claims.Tier),
		XP:            claims.XP,
		RiskMode:      domain.RiskMode(claims.RiskMode),
		RiskPct:       claims.RiskPct,
		WinRate:       claims.WinRate,
		PayoffRatio:   claims.PayoffRatio,
		UnlockedPlans: plans,
	}, true
}
