package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/MarkoPoloResearchLab/tokenpay/pkg/ledger"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	claimsContextKey    = "auth_claims"
	bearerPrefix        = "bearer "
	headerAuthorization = "Authorization"
)

var errMissingToken = errors.New("missing bearer token")

// Claims are the bearer-token claims. The subject is the account id.
type Claims struct {
	Email string `json:"email"`
	Name  string `json:"name"`
	jwt.RegisteredClaims
}

// AccountID returns the account the token was issued for.
func (claims *Claims) AccountID() (ledger.AccountID, error) {
	return ledger.NewAccountID(claims.Subject)
}

type tokenValidator struct {
	signingKey []byte
	parser     *jwt.Parser
}

func newTokenValidator(signingKey string, issuer string) *tokenValidator {
	return &tokenValidator{
		signingKey: []byte(signingKey),
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithIssuer(issuer),
			jwt.WithExpirationRequired(),
		),
	}
}

func (validator *tokenValidator) validate(raw string) (*Claims, error) {
	claims := &Claims{}
	_, err := validator.parser.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return validator.signingKey, nil
	})
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, errors.New("token subject is empty")
	}
	return claims, nil
}

func (validator *tokenValidator) middleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		raw, err := bearerToken(ctx.GetHeader(headerAuthorization))
		if err != nil {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", err.Error()))
			return
		}
		claims, err := validator.validate(raw)
		if err != nil {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid token"))
			return
		}
		ctx.Set(claimsContextKey, claims)
		ctx.Next()
	}
}

func bearerToken(header string) (string, error) {
	trimmed := strings.TrimSpace(header)
	if len(trimmed) <= len(bearerPrefix) || !strings.EqualFold(trimmed[:len(bearerPrefix)], bearerPrefix) {
		return "", errMissingToken
	}
	return strings.TrimSpace(trimmed[len(bearerPrefix):]), nil
}

func getClaims(ctx *gin.Context) *Claims {
	claimsValue, ok := ctx.Get(claimsContextKey)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*Claims)
	return claims
}
