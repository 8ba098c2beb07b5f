package auth_test

import (
	"testing"

	"github.com/traceharbor/gateway/apierr"
	"github.com/traceharbor/gateway/auth"
)

func TestAuthenticateAcceptsValidSignature(t *testing.T) {
	key := auth.Sign("top-secret", "tenant-a", "project-a", "key-1")
	a := auth.NewHMACAuthenticator("top-secret")

	cred, err := a.Authenticate("Bearer " + key)
	if err != nil {
		t.Fatalf("expected valid key to authenticate, got %v", err)
	}
	if cred.TenantID != "tenant-a" || cred.ProjectID != "project-a" {
		t.Fatalf("unexpected credential: %+v", cred)
	}
}

func TestAuthenticateRejectsTamperedSignature(t *testing.T) {
	key := auth.Sign("top-secret", "tenant-a", "project-a", "key-1")
	a := auth.NewHMACAuthenticator("top-secret")

	_, err := a.Authenticate("Bearer " + key[:len(key)-2] + "xx")
	apiErr, ok := apierr.As(err)
	if !ok || apiErr.Code != apierr.CodeUnauthenticated {
		t.Fatalf("expected unauthenticated error, got %v", err)
	}
}

func TestAuthenticateRejectsMissingHeader(t *testing.T) {
	a := auth.NewHMACAuthenticator("top-secret")
	_, err := a.Authenticate("")
	apiErr, ok := apierr.As(err)
	if !ok || apiErr.Code != apierr.CodeUnauthenticated {
		t.Fatalf("expected unauthenticated error for empty header, got %v", err)
	}
}

func TestAuthenticateCachesResult(t *testing.T) {
	key := auth.Sign("top-secret", "tenant-a", "project-a", "key-1")
	a := auth.NewHMACAuthenticator("top-secret")

	first, err := a.Authenticate("Bearer " + key)
	if err != nil {
		t.Fatalf("first authenticate failed: %v", err)
	}
	second, err := a.Authenticate("Bearer " + key)
	if err != nil {
		t.Fatalf("second (cached) authenticate failed: %v", err)
	}
	if first != second {
		t.Fatalf("expected cached credential to match first resolution")
	}
}
