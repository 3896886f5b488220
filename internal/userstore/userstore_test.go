package userstore

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadParsesDefaultsForMissingFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "users.txt")
	writeFile(t, path, "alice:"+HashPassword("secret123")+"\n")

	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	u, err := s.Get("alice")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if u.FirstLogin != false || u.Role != "standard" {
		t.Errorf("Get() = %+v, want first_login=false role=standard", u)
	}
}

func TestLoadMissingFileIsEmptyStore(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "absent.txt"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if _, err := s.Get("nobody"); err != ErrUserNotFound {
		t.Errorf("Get() error = %v, want ErrUserNotFound", err)
	}
}

func TestVerify(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "users.txt")
	writeFile(t, path, "bob:"+HashPassword("hunter2")+":false:power\n")

	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if _, err := s.Verify("bob", "hunter2"); err != nil {
		t.Errorf("Verify() with correct password error = %v, want nil", err)
	}
	if _, err := s.Verify("bob", "wrong"); err != ErrWrongPassword {
		t.Errorf("Verify() with wrong password error = %v, want ErrWrongPassword", err)
	}
	if _, err := s.Verify("nobody", "x"); err != ErrUserNotFound {
		t.Errorf("Verify() for unknown user error = %v, want ErrUserNotFound", err)
	}
}

func TestChangePasswordRequiresOldPassword(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "users.txt")
	writeFile(t, path, "carol:"+HashPassword("oldpw")+"\n")

	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if err := s.ChangePassword("carol", "wrongold", "newpw"); err != ErrWrongPassword {
		t.Errorf("ChangePassword() with wrong old password error = %v, want ErrWrongPassword", err)
	}
	if err := s.ChangePassword("carol", "oldpw", "newpw"); err != nil {
		t.Fatalf("ChangePassword() error = %v", err)
	}

	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("reload Load() error = %v", err)
	}
	if _, err := reloaded.Verify("carol", "newpw"); err != nil {
		t.Errorf("Verify() after persisted ChangePassword() error = %v, want nil", err)
	}
}

func TestResetPasswordSkipsOldPasswordCheck(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "users.txt")
	writeFile(t, path, "dave:"+HashPassword("oldpw")+"\n")

	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if err := s.ResetPassword("dave", "adminset"); err != nil {
		t.Fatalf("ResetPassword() error = %v", err)
	}
	u, err := s.Get("dave")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !u.FirstLogin {
		t.Error("ResetPassword() did not set first_login=true")
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writeFile(%s) error = %v", path, err)
	}
}
