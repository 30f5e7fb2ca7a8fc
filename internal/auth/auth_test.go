package auth

import (
	"context"
	"testing"
	"time"
)

func TestTokenRoundTrip(t *testing.T) {
	t.Setenv("FEDGUARD_AUTH_SECRET", "test-secret")
	ResetSecretForTests()
	defer ResetSecretForTests()

	token, err := GenerateToken("mod-1", "community-a", []string{"Moderator", "moderator", ""}, time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	claims, err := ParseAndValidate(token)
	if err != nil {
		t.Fatalf("ParseAndValidate: %v", err)
	}
	if claims.Subject != "mod-1" {
		t.Fatalf("unexpected subject: %s", claims.Subject)
	}
	if claims.Community != "community-a" {
		t.Fatalf("unexpected community: %s", claims.Community)
	}
	if len(claims.Roles) != 1 || claims.Roles[0] != "moderator" {
		t.Fatalf("roles not deduplicated: %v", claims.Roles)
	}
}

func TestExpiredTokenRejected(t *testing.T) {
	t.Setenv("FEDGUARD_AUTH_SECRET", "test-secret")
	ResetSecretForTests()
	defer ResetSecretForTests()

	token, err := GenerateToken("peer-1", "", []string{"peer"}, time.Millisecond)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := ParseAndValidate(token); err == nil {
		t.Fatal("expected expired token to be rejected")
	}
}

func TestMissingSecret(t *testing.T) {
	t.Setenv("FEDGUARD_AUTH_SECRET", "")
	ResetSecretForTests()
	defer ResetSecretForTests()

	if _, err := GenerateToken("mod-1", "", []string{"moderator"}, time.Minute); err == nil {
		t.Fatal("expected error without configured secret")
	}
}

func TestContextActor(t *testing.T) {
	ctx := ContextWithActor(context.Background(), " mod-7 ", "community-b", []string{"Operator"})

	actorID, ok := ActorIDFromContext(ctx)
	if !ok || actorID != "mod-7" {
		t.Fatalf("unexpected actor id: %q ok=%v", actorID, ok)
	}
	community, ok := CommunityFromContext(ctx)
	if !ok || community != "community-b" {
		t.Fatalf("unexpected community: %q", community)
	}
	if !HasRole(ctx, "operator") {
		t.Fatal("expected operator role")
	}
	if HasRole(ctx, "peer") {
		t.Fatal("unexpected peer role")
	}
}

func TestRolesHavePermission(t *testing.T) {
	if !RolesHavePermission([]string{RolePeer}, PermPeerDeliver) {
		t.Fatal("peer should be allowed to deliver")
	}
	if RolesHavePermission([]string{RolePeer}, PermBanGlobal) {
		t.Fatal("peer must not issue global bans")
	}
	if !RolesHavePermission([]string{RoleOperator}, PermRuleWriteGlobal) {
		t.Fatal("operator should manage global rules")
	}
	if RolesHavePermission([]string{RoleModerator}, PermRuleWriteGlobal) {
		t.Fatal("moderator must not manage global rules")
	}
}
