// Package jwtclaims reads the payload of an access token without verifying
// its signature.
//
// The result is a display hint. The backend stays the authority: it rejects
// bad tokens with 401 and the API client reacts to that, never to the
// decoded expiry.
package jwtclaims

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/golang-jwt/jwt/v5"
)

var ErrMalformedToken = errors.New("jwtclaims: malformed token")

var segmentReplacer = strings.NewReplacer("-", "+", "_", "/")

type Claims struct {
	// UserID is the normalized identifier in decimal form (or the raw string
	// for non-numeric ids). Empty means no usable identity.
	UserID      string
	Role        string
	IsStaff     bool
	IsSuperuser bool
	TokenType   string
	JTI         string
	Raw         jwt.MapClaims
}

// Decode extracts the claims of token. Any structural problem yields
// ErrMalformedToken.
func Decode(token string) (*Claims, error) {
	parts := strings.Split(token, ".")
	if len(parts) < 2 || parts[1] == "" {
		return nil, fmt.Errorf("%w: missing payload segment", ErrMalformedToken)
	}

	segment := strings.TrimRight(segmentReplacer.Replace(parts[1]), "=")
	payload, err := base64.RawStdEncoding.DecodeString(segment)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	if !utf8.Valid(payload) {
		return nil, fmt.Errorf("%w: payload is not utf-8", ErrMalformedToken)
	}

	raw, err := parseObject(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}

	claims := &Claims{
		Raw:         raw,
		Role:        stringClaim(raw["role"]),
		IsStaff:     raw["is_staff"] == true,
		IsSuperuser: raw["is_superuser"] == true,
		TokenType:   stringClaim(raw["token_type"]),
		JTI:         stringClaim(raw["jti"]),
	}
	claims.UserID = normalizeUserID(raw)
	return claims, nil
}

func parseObject(payload []byte) (jwt.MapClaims, error) {
	decoder := json.NewDecoder(bytes.NewReader(payload))
	decoder.UseNumber()
	var raw map[string]interface{}
	if err := decoder.Decode(&raw); err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, errors.New("payload is not an object")
	}
	if _, err := decoder.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("trailing data after payload")
	}
	return jwt.MapClaims(raw), nil
}

// normalizeUserID prefers user_id, then id, then a numeric sub.
func normalizeUserID(raw jwt.MapClaims) string {
	if id, ok := identifier(raw["user_id"]); ok {
		return id
	}
	if id, ok := identifier(raw["id"]); ok {
		return id
	}
	if id, ok := numericString(raw["sub"]); ok {
		return id
	}
	return ""
}

func identifier(value interface{}) (string, bool) {
	switch v := value.(type) {
	case json.Number:
		return canonicalNumber(v.String())
	case string:
		if v == "" {
			return "", false
		}
		return v, true
	default:
		return "", false
	}
}

func numericString(value interface{}) (string, bool) {
	switch v := value.(type) {
	case json.Number:
		return canonicalNumber(v.String())
	case string:
		return canonicalNumber(strings.TrimSpace(v))
	default:
		return "", false
	}
}

// canonicalNumber rejects zero, NaN and infinities, the values a
// falsy-or-not-a-number check would drop.
func canonicalNumber(text string) (string, bool) {
	if text == "" {
		return "", false
	}
	f, err := strconv.ParseFloat(text, 64)
	if err != nil || f == 0 || math.IsNaN(f) || math.IsInf(f, 0) {
		return "", false
	}
	if i, err := strconv.ParseInt(text, 10, 64); err == nil {
		return strconv.FormatInt(i, 10), true
	}
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return strconv.FormatInt(int64(f), 10), true
	}
	return strconv.FormatFloat(f, 'f', -1, 64), true
}

func stringClaim(value interface{}) string {
	switch v := value.(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	default:
		return ""
	}
}

// UserIDInt returns UserID as an integer when it is one.
func (c *Claims) UserIDInt() (int64, bool) {
	if c == nil || c.UserID == "" {
		return 0, false
	}
	id, err := strconv.ParseInt(c.UserID, 10, 64)
	return id, err == nil
}

// ExpiresAt is zero when the token carries no exp claim.
func (c *Claims) ExpiresAt() time.Time {
	if c == nil {
		return time.Time{}
	}
	exp, err := c.Raw.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}

func (c *Claims) IssuedAt() time.Time {
	if c == nil {
		return time.Time{}
	}
	iat, err := c.Raw.GetIssuedAt()
	if err != nil || iat == nil {
		return time.Time{}
	}
	return iat.Time
}

// IsAdminHint reports admin-looking claims: the first set claim among
// role, user_role and roles equal to "admin", or is_staff / is_superuser
// set. A claim counts as set unless it is missing, empty, false or zero.
// Never use it to grant access.
func (c *Claims) IsAdminHint() bool {
	if c == nil {
		return false
	}
	for _, key := range []string{"role", "user_role", "roles"} {
		value := c.Raw[key]
		if !isSet(value) {
			continue
		}
		if strings.EqualFold(claimText(value), "admin") {
			return true
		}
		break
	}
	return c.IsStaff || c.IsSuperuser
}

func isSet(value interface{}) bool {
	switch v := value.(type) {
	case nil:
		return false
	case bool:
		return v
	case string:
		return v != ""
	case json.Number:
		f, err := v.Float64()
		return err != nil || (f != 0 && !math.IsNaN(f))
	default:
		return true
	}
}

func claimText(value interface{}) string {
	switch v := value.(type) {
	case []interface{}:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			parts = append(parts, claimText(item))
		}
		return strings.Join(parts, ",")
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}
