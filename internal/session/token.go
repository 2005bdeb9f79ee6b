package session

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/orguetta/finely/pkg/errors"
)

var tokenParser = jwt.NewParser()

// Claims is what the client reads from an access token. The signature is
// not verified; the API remains the authority on validity.
type Claims struct {
	Expiry time.Time
	UserID string
}

// DecodeToken reads the payload of a JWT without verifying it. A token that
// is not three dot-separated segments of base64url JSON, or that carries no
// exp claim, yields a MalformedToken error.
func DecodeToken(token string) (Claims, error) {
	mc := jwt.MapClaims{}
	if _, _, err := tokenParser.ParseUnverified(token, mc); err != nil {
		return Claims{}, apperrors.MalformedToken(err)
	}

	exp, err := mc.GetExpirationTime()
	if err != nil {
		return Claims{}, apperrors.MalformedToken(err)
	}
	if exp == nil {
		return Claims{}, apperrors.MalformedToken(errors.New("missing exp claim"))
	}

	return Claims{Expiry: exp.Time, UserID: userIDClaim(mc)}, nil
}

func userIDClaim(mc jwt.MapClaims) string {
	switch v := mc["user_id"].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case nil:
		if sub, err := mc.GetSubject(); err == nil {
			return sub
		}
		return ""
	default:
		return fmt.Sprint(v)
	}
}
