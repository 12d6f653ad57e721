package tenantauth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestHashAPIKey_DeterministicAndDistinct(t *testing.T) {
	a := HashAPIKey("key-one")
	b := HashAPIKey("key-one")
	c := HashAPIKey("key-two")

	if a != b {
		t.Fatalf("expected the same key to hash identically")
	}
	if a == c {
		t.Fatalf("expected different keys to hash differently")
	}
	if len(a) != 64 {
		t.Fatalf("expected a 32-byte hex digest (64 chars), got %d", len(a))
	}
}

func TestBearerToken(t *testing.T) {
	cases := []struct {
		header string
		want   string
	}{
		{"Bearer abc123", "abc123"},
		{"bearer abc123", ""}, // case-sensitive, matches the literal scheme name
		{"", ""},
		{"Basic abc123", ""},
		{"Bearer ", ""},
	}
	for _, tc := range cases {
		if got := bearerToken(tc.header); got != tc.want {
			t.Errorf("bearerToken(%q) = %q, want %q", tc.header, got, tc.want)
		}
	}
}

func TestRequireRole(t *testing.T) {
	cases := []struct {
		name    string
		data    *UserData
		minimum Role
		wantErr bool
	}{
		{"admin meets admin", &UserData{Role: RoleAdmin}, RoleAdmin, false},
		{"admin meets viewer", &UserData{Role: RoleAdmin}, RoleViewer, false},
		{"viewer fails admin", &UserData{Role: RoleViewer}, RoleAdmin, true},
		{"editor meets editor", &UserData{Role: RoleEditor}, RoleEditor, false},
		{"editor fails admin", &UserData{Role: RoleEditor}, RoleAdmin, true},
		{"nil principal fails", nil, RoleViewer, true},
		{"unknown role fails", &UserData{Role: Role("superuser")}, RoleViewer, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := RequireRole(tc.data, tc.minimum)
			if tc.wantErr && err == nil {
				t.Fatalf("expected an error, got nil")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("expected no error, got %v", err)
			}
		})
	}
}

func TestResolveSessionToken_ValidTokenRoundTrips(t *testing.T) {
	s := &Service{jwtSecret: []byte("test-secret")}

	claims := jwt.MapClaims{
		"app_id": "app-123",
		"role":   "editor",
		"exp":    time.Now().Add(time.Hour).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.jwtSecret)
	if err != nil {
		t.Fatalf("signing test token: %v", err)
	}

	uid, data, err := s.resolveSessionToken(signed)
	if err != nil {
		t.Fatalf("resolveSessionToken: %v", err)
	}
	if string(uid) != "app-123" || data.AppID != "app-123" || data.Role != RoleEditor {
		t.Fatalf("unexpected principal: uid=%s data=%+v", uid, data)
	}
}

func TestResolveSessionToken_WrongSecretRejected(t *testing.T) {
	signer := &Service{jwtSecret: []byte("signing-secret")}
	verifier := &Service{jwtSecret: []byte("different-secret")}

	claims := jwt.MapClaims{"app_id": "app-123", "role": "admin"}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(signer.jwtSecret)
	if err != nil {
		t.Fatalf("signing test token: %v", err)
	}

	if _, _, err := verifier.resolveSessionToken(signed); err == nil {
		t.Fatalf("expected a token signed with a different secret to be rejected")
	}
}

func TestResolveSessionToken_MissingAppIDClaimRejected(t *testing.T) {
	s := &Service{jwtSecret: []byte("test-secret")}
	claims := jwt.MapClaims{"role": "admin"}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.jwtSecret)
	if err != nil {
		t.Fatalf("signing test token: %v", err)
	}

	if _, _, err := s.resolveSessionToken(signed); err == nil {
		t.Fatalf("expected a token without app_id to be rejected")
	}
}

func TestGenerateAPIKey_ProducesDistinctHexKeys(t *testing.T) {
	a, err := generateAPIKey()
	if err != nil {
		t.Fatalf("generateAPIKey: %v", err)
	}
	b, err := generateAPIKey()
	if err != nil {
		t.Fatalf("generateAPIKey: %v", err)
	}
	if a == b {
		t.Fatalf("expected two generated keys to differ")
	}
	if len(a) != 64 {
		t.Fatalf("expected a 32-byte hex key (64 chars), got %d", len(a))
	}
}
