package auth

import (
	"testing"
	"time"
)

func TestSignAndValidateHMACToken(t *testing.T) {
	token, err := SignHMACToken("secret", "u1", "u1@example.com", time.Hour)
	if err != nil {
		t.Fatalf("unexpected sign error: %v", err)
	}

	claims, err := ValidateHMACToken(token, "secret")
	if err != nil {
		t.Fatalf("unexpected validate error: %v", err)
	}
	if claims.UserID != "u1" || claims.Email != "u1@example.com" || claims.Issuer != Issuer {
		t.Errorf("unexpected claims: %+v", claims)
	}
}

func TestValidateHMACTokenRejectsWrongSecret(t *testing.T) {
	token, _ := SignHMACToken("secret", "u1", "", 0)
	if _, err := ValidateHMACToken(token, "other"); err == nil {
		t.Fatal("expected signature error")
	}
}

func TestValidateHMACTokenExpiry(t *testing.T) {
	token, _ := SignHMACToken("secret", "u1", "", -time.Hour)
	// ttl <= 0 means no expiry
	if _, err := ValidateHMACToken(token, "secret"); err != nil {
		t.Fatalf("expected token without expiry to validate, got %v", err)
	}

	token, _ = SignHMACToken("secret", "u1", "", time.Nanosecond)
	time.Sleep(1100 * time.Millisecond)
	if _, err := ValidateHMACToken(token, "secret"); err == nil {
		t.Fatal("expected expired token to be rejected")
	}
}

func TestSignHMACTokenRequiresSecret(t *testing.T) {
	if _, err := SignHMACToken("", "u1", "", 0); err == nil {
		t.Fatal("expected error without secret")
	}
}
