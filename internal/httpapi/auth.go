package httpapi

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"

	"github.com/MarkoPoloResearchLab/credits/pkg/ledger"
)

const accountKeyContextKey = "account_key"

// RoleResolver decides whether a session belongs to an administrator.
type RoleResolver struct {
	adminRole   string
	adminEmails map[string]struct{}
}

// NewRoleResolver grants admin to sessions carrying adminRole or listed in adminEmails.
func NewRoleResolver(adminRole string, adminEmails []string) RoleResolver {
	resolver := RoleResolver{
		adminRole:   strings.TrimSpace(adminRole),
		adminEmails: make(map[string]struct{}, len(adminEmails)),
	}
	for _, email := range adminEmails {
		normalized := strings.ToLower(strings.TrimSpace(email))
		if normalized != "" {
			resolver.adminEmails[normalized] = struct{}{}
		}
	}
	return resolver
}

// IsAdmin reports whether the claims carry administrator rights.
func (resolver RoleResolver) IsAdmin(claims *sessionvalidator.Claims) bool {
	if claims == nil {
		return false
	}
	if resolver.adminRole != "" {
		for _, role := range claims.GetUserRoles() {
			if strings.EqualFold(strings.TrimSpace(role), resolver.adminRole) {
				return true
			}
		}
	}
	_, listed := resolver.adminEmails[strings.ToLower(strings.TrimSpace(claims.GetUserEmail()))]
	return listed
}

func (handler *httpHandler) requireMember(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	key, err := ledger.NewAccountKey(claims.GetUserEmail())
	if err != nil {
		ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "session has no usable email"))
		return
	}
	ctx.Set(accountKeyContextKey, key)
	ctx.Next()
}

func (handler *httpHandler) requireAdmin(ctx *gin.Context) {
	if !handler.roles.IsAdmin(getClaims(ctx)) {
		ctx.AbortWithStatusJSON(http.StatusForbidden, errorResponse("forbidden", "administrator role required"))
		return
	}
	ctx.Next()
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	claimsValue, ok := ctx.Get(claimsContextKey)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	return claims
}

func accountKey(ctx *gin.Context) ledger.AccountKey {
	value, _ := ctx.Get(accountKeyContextKey)
	key, _ := value.(ledger.AccountKey)
	return key
}
