package httpapi

import (
	"testing"
	"time"

	"farmapos/internal/domain"
	"farmapos/internal/store/memory"
)

func newTestAuth(t *testing.T) *AuthManager {
	t.Helper()
	return NewAuthManager("test-secret-0123456789abcdef0123456789", time.Hour, memory.New())
}

func TestLoginAndParseToken(t *testing.T) {
	auth := newTestAuth(t)

	resp, err := auth.Login(domain.LoginRequest{Username: "admin", Password: "admin123"})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}

	actor, err := auth.ParseToken(resp.AccessToken)
	if err != nil {
		t.Fatalf("parse token failed: %v", err)
	}
	if actor.Username != "admin" || actor.Role != "admin" {
		t.Fatalf("unexpected actor %+v", actor)
	}
}

func TestParseTokenRejectsForeignSignature(t *testing.T) {
	auth := newTestAuth(t)
	other := NewAuthManager("another-secret-another-secret-12", time.Hour, memory.New())

	resp, err := other.Login(domain.LoginRequest{Username: "admin", Password: "admin123"})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if _, err := auth.ParseToken(resp.AccessToken); err == nil {
		t.Fatalf("token signed with a different secret must be rejected")
	}
}

func TestCreateCashierValidation(t *testing.T) {
	auth := newTestAuth(t)

	cases := []domain.CashierCreateRequest{
		{Username: "ab", Password: "secret99"},
		{Username: "has space", Password: "secret99"},
		{Username: "validname", Password: "shrt"},
		{Username: "cashier", Password: "secret99"}, // already seeded
	}
	for _, tc := range cases {
		if _, err := auth.CreateCashier(tc); err == nil {
			t.Fatalf("expected rejection for %+v", tc)
		}
	}

	created, err := auth.CreateCashier(domain.CashierCreateRequest{Username: "Counter2", Password: "secret99"})
	if err != nil {
		t.Fatalf("create cashier failed: %v", err)
	}
	if created.Username != "counter2" || created.Role != "cashier" {
		t.Fatalf("unexpected cashier %+v", created)
	}

	if _, err := auth.Login(domain.LoginRequest{Username: "counter2", Password: "secret99"}); err != nil {
		t.Fatalf("new cashier must be able to log in: %v", err)
	}
}
