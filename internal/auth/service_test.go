package auth

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"pkt.systems/berth/internal/store"
	"pkt.systems/berth/schema"
)

func newTestService(t *testing.T, seeds ...schema.User) (*Service, *store.Store) {
	t.Helper()
	driver, err := store.NewFileDriver(filepath.Join(t.TempDir(), "berth.json"), nil)
	if err != nil {
		t.Fatalf("new driver: %v", err)
	}
	st, err := store.Open(context.Background(), driver, seeds, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	tokens, err := NewTokenIssuer([]byte("test-secret"), 0)
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}
	svc, err := NewService(st, tokens, Config{BcryptCost: bcrypt.MinCost})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc, st
}

func TestRegisterDefaults(t *testing.T) {
	svc, st := newTestService(t)
	resp, err := svc.Register(context.Background(), "alice", "secret")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if resp.Role != schema.RoleFree || resp.ContainerLimit != 5 || resp.ImageLimit != 1 || resp.IsBlocked {
		t.Fatalf("unexpected defaults: %+v", resp.User)
	}
	if resp.PasswordHash != "" || resp.Password != "" {
		t.Fatalf("credential leaked in response")
	}
	if resp.Token == "" {
		t.Fatalf("expected token")
	}
	stored, err := st.UserByName(context.Background(), "alice")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if stored.PasswordHash == "" || stored.PasswordHash == "secret" {
		t.Fatalf("password not hashed: %+v", stored)
	}
	principal, err := svc.Verify(resp.Token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if principal.ID != stored.ID || principal.Role != schema.RoleFree {
		t.Fatalf("unexpected principal: %+v", principal)
	}
}

func TestRegisterRejectsDuplicateAndWeak(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	if _, err := svc.Register(ctx, "alice", "secret"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := svc.Register(ctx, "alice", "other"); !errors.Is(err, schema.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if _, err := svc.Register(ctx, "bob", "ab"); !errors.Is(err, schema.ErrWeakCredential) {
		t.Fatalf("expected weak credential, got %v", err)
	}
}

func TestLoginErrors(t *testing.T) {
	svc, _ := newTestService(t, schema.User{ID: "u5", Username: "blocked", Password: "pw", IsBlocked: true})
	ctx := context.Background()
	if _, err := svc.Register(ctx, "alice", "secret"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := svc.Login(ctx, "nobody", "x"); !errors.Is(err, schema.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := svc.Login(ctx, "alice", "wrong"); !errors.Is(err, schema.ErrInvalidCredential) {
		t.Fatalf("expected invalid credential, got %v", err)
	}
	if _, err := svc.Login(ctx, "blocked", "pw"); !errors.Is(err, schema.ErrBlocked) {
		t.Fatalf("expected blocked, got %v", err)
	}
}

func TestLegacyPasswordMigratesOnce(t *testing.T) {
	svc, st := newTestService(t, schema.User{ID: "u7", Username: "legacy", Password: "hunter2", Role: schema.RoleVIP})
	ctx := context.Background()

	first, err := svc.Login(ctx, "legacy", "hunter2")
	if err != nil {
		t.Fatalf("first login: %v", err)
	}
	if !first.Migrated {
		t.Fatalf("expected first login to migrate")
	}
	stored, err := st.UserByID(ctx, "u7")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if stored.Password != "" {
		t.Fatalf("plaintext not stripped")
	}
	if bcrypt.CompareHashAndPassword([]byte(stored.PasswordHash), []byte("hunter2")) != nil {
		t.Fatalf("hash does not match migrated password")
	}
	hash := stored.PasswordHash

	second, err := svc.Login(ctx, "legacy", "hunter2")
	if err != nil {
		t.Fatalf("second login: %v", err)
	}
	if second.Migrated {
		t.Fatalf("second login must not migrate again")
	}
	stored, err = st.UserByID(ctx, "u7")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if stored.PasswordHash != hash {
		t.Fatalf("hash rewritten on second login")
	}
}

func TestLegacyWrongPasswordDoesNotMigrate(t *testing.T) {
	svc, st := newTestService(t, schema.User{ID: "u7", Username: "legacy", Password: "hunter2"})
	if _, err := svc.Login(context.Background(), "legacy", "nope"); !errors.Is(err, schema.ErrInvalidCredential) {
		t.Fatalf("expected invalid credential, got %v", err)
	}
	stored, err := st.UserByID(context.Background(), "u7")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if stored.Password != "hunter2" || stored.PasswordHash != "" {
		t.Fatalf("record changed on failed login: %+v", stored)
	}
}

func TestChangePasswordStripsLegacy(t *testing.T) {
	svc, st := newTestService(t, schema.User{ID: "u7", Username: "legacy", Password: "old"})
	ctx := context.Background()
	p := schema.Principal{ID: "u7", Username: "legacy", Role: schema.RoleFree}
	if err := svc.ChangePassword(ctx, p, "brand-new"); err != nil {
		t.Fatalf("change password: %v", err)
	}
	stored, err := st.UserByID(ctx, "u7")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if stored.Password != "" {
		t.Fatalf("legacy password not removed")
	}
	if _, err := svc.Login(ctx, "legacy", "old"); !errors.Is(err, schema.ErrInvalidCredential) {
		t.Fatalf("old password still works: %v", err)
	}
	if _, err := svc.Login(ctx, "legacy", "brand-new"); err != nil {
		t.Fatalf("new password rejected: %v", err)
	}
}

func TestRoleChangeDoesNotAffectExistingToken(t *testing.T) {
	admin := schema.User{ID: "u1", Username: "admin", Password: "admin", Role: schema.RoleAdmin}
	svc, _ := newTestService(t, admin)
	ctx := context.Background()
	reg, err := svc.Register(ctx, "carol", "secret")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	vip := schema.RoleVIP
	adminPrincipal := schema.Principal{ID: "u1", Username: "admin", Role: schema.RoleAdmin}
	if _, err := svc.UpdateUser(ctx, adminPrincipal, reg.ID, schema.UserUpdate{Role: &vip}); err != nil {
		t.Fatalf("update: %v", err)
	}
	stale, err := svc.Verify(reg.Token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if stale.Role != schema.RoleFree {
		t.Fatalf("existing token should still report free, got %q", stale.Role)
	}
	fresh, err := svc.Login(ctx, "carol", "secret")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if fresh.Role != schema.RoleVIP {
		t.Fatalf("new login should report vip, got %q", fresh.Role)
	}
}

func TestAdminOperationsRequireElevation(t *testing.T) {
	svc, _ := newTestService(t, schema.User{ID: "u2", Username: "bob", Password: "pw", Role: schema.RoleFree})
	ctx := context.Background()
	bob := schema.Principal{ID: "u2", Role: schema.RoleFree}
	if _, err := svc.ListUsers(ctx, bob); !errors.Is(err, schema.ErrForbidden) {
		t.Fatalf("expected forbidden list, got %v", err)
	}
	if err := svc.DeleteUser(ctx, bob, "u2"); !errors.Is(err, schema.ErrForbidden) {
		t.Fatalf("expected forbidden delete, got %v", err)
	}
	dev := schema.Principal{ID: "d1", Role: schema.RoleDevUser}
	users, err := svc.ListUsers(ctx, dev)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(users) != 1 || users[0].Password != "" {
		t.Fatalf("unexpected list: %+v", users)
	}
	bad := schema.Role("root")
	if _, err := svc.UpdateUser(ctx, dev, "u2", schema.UserUpdate{Role: &bad}); !errors.Is(err, schema.ErrInvalidInput) {
		t.Fatalf("expected invalid role, got %v", err)
	}
	if _, err := svc.UpdateUser(ctx, dev, "missing", schema.UserUpdate{}); !errors.Is(err, schema.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestLongPasswords(t *testing.T) {
	long := strings.Repeat("p", 73)
	longer := strings.Repeat("p", 72) + "q"
	ctx := context.Background()

	t.Run("register and login", func(t *testing.T) {
		svc, _ := newTestService(t)
		if _, err := svc.Register(ctx, "alice", long); err != nil {
			t.Fatalf("register: %v", err)
		}
		if _, err := svc.Login(ctx, "alice", long); err != nil {
			t.Fatalf("login: %v", err)
		}
		if _, err := svc.Login(ctx, "alice", longer); !errors.Is(err, schema.ErrInvalidCredential) {
			t.Fatalf("bytes past 72 must count, got %v", err)
		}
	})

	t.Run("change password", func(t *testing.T) {
		svc, _ := newTestService(t)
		reg, err := svc.Register(ctx, "bob", "secret")
		if err != nil {
			t.Fatalf("register: %v", err)
		}
		p := schema.Principal{ID: reg.ID, Username: "bob", Role: reg.Role}
		if err := svc.ChangePassword(ctx, p, long); err != nil {
			t.Fatalf("change password: %v", err)
		}
		if _, err := svc.Login(ctx, "bob", long); err != nil {
			t.Fatalf("login: %v", err)
		}
	})

	t.Run("legacy migration", func(t *testing.T) {
		svc, st := newTestService(t, schema.User{ID: "u7", Username: "legacy", Password: long})
		first, err := svc.Login(ctx, "legacy", long)
		if err != nil {
			t.Fatalf("first login: %v", err)
		}
		if !first.Migrated {
			t.Fatalf("expected migration")
		}
		stored, err := st.UserByID(ctx, "u7")
		if err != nil {
			t.Fatalf("lookup: %v", err)
		}
		if stored.Password != "" || stored.PasswordHash == "" {
			t.Fatalf("legacy record not migrated: %+v", stored)
		}
		if _, err := svc.Login(ctx, "legacy", long); err != nil {
			t.Fatalf("second login: %v", err)
		}
	})
}
