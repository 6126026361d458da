package auth

import (
	"net/http"
	"testing"
	"time"
)

func TestTokenRoundTrip(t *testing.T) {
	token, err := GenerateToken(42, 7, false, "s3cret", time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	claims, err := ParseToken(token, "s3cret")
	if err != nil {
		t.Fatal(err)
	}
	if claims.UserID != 42 || claims.OrgID != 7 || claims.Admin {
		t.Fatalf("claims = %+v", claims)
	}
}

func TestParseTokenRejects(t *testing.T) {
	token, _ := GenerateToken(42, 7, false, "s3cret", time.Hour)
	if _, err := ParseToken(token, "other"); err == nil {
		t.Fatal("expected signature error")
	}

	expired, _ := GenerateToken(42, 7, false, "s3cret", -time.Minute)
	if _, err := ParseToken(expired, "s3cret"); err == nil {
		t.Fatal("expected expiry error")
	}
}

func TestExtractToken(t *testing.T) {
	r, _ := http.NewRequest(http.MethodGet, "/", nil)
	if got := ExtractToken(r); got != "" {
		t.Fatalf("got %q", got)
	}
	r.Header.Set("Authorization", "Bearer abc.def")
	if got := ExtractToken(r); got != "abc.def" {
		t.Fatalf("got %q", got)
	}
	r.Header.Set("Authorization", "Basic abc")
	if got := ExtractToken(r); got != "" {
		t.Fatalf("got %q", got)
	}
}
