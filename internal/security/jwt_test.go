package security

import (
	"errors"
	"testing"
	"time"
)

func TestServiceTokenRoundTrip(t *testing.T) {
	token, errGen := GenerateServiceToken("secret", "api-gateway", time.Hour)
	if errGen != nil {
		t.Fatalf("generate: %v", errGen)
	}

	claims, errParse := ParseServiceToken("secret", token)
	if errParse != nil {
		t.Fatalf("parse: %v", errParse)
	}
	if claims.Service != "api-gateway" {
		t.Fatalf("service: got %q", claims.Service)
	}
}

func TestServiceTokenWrongSecret(t *testing.T) {
	token, errGen := GenerateServiceToken("secret", "api-gateway", time.Hour)
	if errGen != nil {
		t.Fatalf("generate: %v", errGen)
	}
	if _, errParse := ParseServiceToken("other", token); !errors.Is(errParse, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", errParse)
	}
}

func TestServiceTokenExpired(t *testing.T) {
	token, errGen := GenerateServiceToken("secret", "api-gateway", -time.Minute)
	if errGen != nil {
		t.Fatalf("generate: %v", errGen)
	}
	if _, errParse := ParseServiceToken("secret", token); !errors.Is(errParse, ErrExpiredToken) {
		t.Fatalf("expected ErrExpiredToken, got %v", errParse)
	}
}

func TestAdminTokenRoundTrip(t *testing.T) {
	token, errGen := GenerateAdminToken("secret", 3, "ops", time.Hour)
	if errGen != nil {
		t.Fatalf("generate: %v", errGen)
	}
	claims, errParse := ParseAdminToken("secret", token)
	if errParse != nil {
		t.Fatalf("parse: %v", errParse)
	}
	if claims.AdminID != 3 || claims.Username != "ops" {
		t.Fatalf("claims: %+v", claims)
	}
}
