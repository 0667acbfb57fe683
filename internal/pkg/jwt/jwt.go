package jwt

import (
	"errors"
	"fmt"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const defaultSecret = "streamgate-secret-change-me"

// Decode failures. Every decode path fails closed: any anomaly surfaces as
// one of these, never as a best-effort claim set.
var (
	ErrTokenInvalid     = errors.New("token invalid")
	ErrTokenExpired     = errors.New("token expired")
	ErrWrongTokenType   = errors.New("wrong token type")
	ErrAudienceMismatch = errors.New("token audience mismatch")
)

// eventLeeway forgives small clock skew between processes when validating
// event tokens, matching the issuer side's nbf=iat.
const eventLeeway = 10 * time.Second

var (
	secret      = []byte(defaultSecret)
	eventSecret []byte
	adminSecret []byte
)

// Configure sets the signing secrets (call on startup). Event and admin
// secrets fall back to the viewer secret when empty.
func Configure(viewer, event, admin string) {
	if viewer != "" {
		secret = []byte(viewer)
	}
	eventSecret = nil
	if event != "" {
		eventSecret = []byte(event)
	}
	adminSecret = nil
	if admin != "" {
		adminSecret = []byte(admin)
	}
}

func eventKey() []byte {
	if len(eventSecret) > 0 {
		return eventSecret
	}
	return secret
}

func adminKey() []byte {
	if len(adminSecret) > 0 {
		return adminSecret
	}
	return secret
}

// AccessClaims is the viewer access-token payload. The jti lives in
// RegisteredClaims.ID and is mirrored onto the session row at issuance.
type AccessClaims struct {
	SessionID string `json:"sid"`
	jwtlib.RegisteredClaims
}

// SignAccess creates a viewer access token bound to a session. Returns the
// token and its jti.
func SignAccess(sessionID string, ttl time.Duration) (string, string, error) {
	now := time.Now()
	jti := uuid.New().String()
	claims := AccessClaims{
		SessionID: sessionID,
		RegisteredClaims: jwtlib.RegisteredClaims{
			ID:        jti,
			ExpiresAt: jwtlib.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwtlib.NewNumericDate(now),
		},
	}
	token, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", "", err
	}
	return token, jti, nil
}

// ParseAccess validates a viewer access token.
func ParseAccess(tokenStr string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	if err := parseInto(tokenStr, claims, secret); err != nil {
		return nil, err
	}
	if claims.SessionID == "" || claims.ID == "" {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

const typEvent = "EAT"

// EventClaims is the event access token (EAT) payload. Audience binds the
// token to a single event; ID carries the session's current token jti so
// consumers can detect rotation drift.
type EventClaims struct {
	Typ       string `json:"typ"`
	SessionID string `json:"sid"`
	CodeID    string `json:"code_id"`
	EventID   string `json:"event_id"`
	jwtlib.RegisteredClaims
}

func eventAudience(eventID string) string { return "event:" + eventID }

// SignEvent creates an event-scoped token carrying the session's current jti.
func SignEvent(sessionID, codeID, eventID, sessionJTI string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := EventClaims{
		Typ:       typEvent,
		SessionID: sessionID,
		CodeID:    codeID,
		EventID:   eventID,
		RegisteredClaims: jwtlib.RegisteredClaims{
			ID:        sessionJTI,
			Audience:  jwtlib.ClaimStrings{eventAudience(eventID)},
			ExpiresAt: jwtlib.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwtlib.NewNumericDate(now),
			NotBefore: jwtlib.NewNumericDate(now),
		},
	}
	return jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString(eventKey())
}

// ParseEvent validates an event token against the expected event id. Pass
// eventID == "" to skip the audience check (soft decode for diagnostics only;
// security-critical callers must pass the event id).
func ParseEvent(tokenStr, eventID string) (*EventClaims, error) {
	claims := &EventClaims{}
	if err := parseInto(tokenStr, claims, eventKey(), jwtlib.WithLeeway(eventLeeway)); err != nil {
		return nil, err
	}
	if claims.Typ != typEvent {
		return nil, ErrWrongTokenType
	}
	if claims.SessionID == "" || claims.CodeID == "" || claims.ID == "" {
		return nil, ErrTokenInvalid
	}
	if eventID != "" {
		if claims.EventID != eventID {
			return nil, ErrAudienceMismatch
		}
		if !containsAudience(claims.Audience, eventAudience(eventID)) {
			return nil, ErrAudienceMismatch
		}
	}
	return claims, nil
}

func containsAudience(aud jwtlib.ClaimStrings, want string) bool {
	for _, a := range aud {
		if a == want {
			return true
		}
	}
	return false
}

// Admin token type discriminators. The typ claim prevents a refresh token
// from being replayed as an access token and vice versa.
const (
	TypAdminAccess  = "admin_access"
	TypAdminRefresh = "admin_refresh"
)

// AdminClaims is the admin access/refresh token payload.
type AdminClaims struct {
	Typ     string `json:"typ"`
	AdminID string `json:"adm_id"`
	Role    string `json:"role,omitempty"`
	jwtlib.RegisteredClaims
}

// SignAdminAccess creates an admin access token (short TTL, hours).
func SignAdminAccess(adminID, role string, ttl time.Duration) (string, error) {
	return signAdmin(AdminClaims{Typ: TypAdminAccess, AdminID: adminID, Role: role}, ttl)
}

// SignAdminRefresh creates an admin refresh token (longer TTL, days).
func SignAdminRefresh(adminID string, ttl time.Duration) (string, error) {
	return signAdmin(AdminClaims{Typ: TypAdminRefresh, AdminID: adminID}, ttl)
}

func signAdmin(claims AdminClaims, ttl time.Duration) (string, error) {
	now := time.Now()
	claims.RegisteredClaims = jwtlib.RegisteredClaims{
		ExpiresAt: jwtlib.NewNumericDate(now.Add(ttl)),
		IssuedAt:  jwtlib.NewNumericDate(now),
		NotBefore: jwtlib.NewNumericDate(now),
	}
	return jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString(adminKey())
}

// ParseAdmin validates an admin token and enforces the expected typ.
func ParseAdmin(tokenStr, wantTyp string) (*AdminClaims, error) {
	claims := &AdminClaims{}
	if err := parseInto(tokenStr, claims, adminKey(), jwtlib.WithLeeway(eventLeeway)); err != nil {
		return nil, err
	}
	if claims.Typ != wantTyp {
		return nil, ErrWrongTokenType
	}
	if claims.AdminID == "" {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

// ExpiresSoon reports whether a token is missing, undecodable, or within
// threshold of its expiry. Used for pre-emptive re-issuance; decode failures
// count as "expires soon" because the caller will mint a fresh token anyway.
func ExpiresSoon(tokenStr string, threshold time.Duration) bool {
	if strings.TrimSpace(tokenStr) == "" {
		return true
	}
	parser := jwtlib.NewParser(jwtlib.WithoutClaimsValidation())
	claims := jwtlib.MapClaims{}
	if _, _, err := parser.ParseUnverified(tokenStr, claims); err != nil {
		return true
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return true
	}
	return time.Until(exp.Time) <= threshold
}

func parseInto(tokenStr string, claims jwtlib.Claims, key []byte, opts ...jwtlib.ParserOption) error {
	token, err := jwtlib.ParseWithClaims(tokenStr, claims, func(t *jwtlib.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return key, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwtlib.ErrTokenExpired) {
			return ErrTokenExpired
		}
		return ErrTokenInvalid
	}
	if !token.Valid {
		return ErrTokenInvalid
	}
	return nil
}
