package users

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/relations/internal/auth"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "users.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&User{}, &Identity{}); err != nil {
		t.Fatalf("failed to migrate identity schema: %v", err)
	}
	service, err := NewService(ServiceConfig{
		Database: db,
		Clock: func() time.Time {
			return time.Unix(1, 0)
		},
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service, db
}

func TestResolveUserIDCreatesUserFromClaims(t *testing.T) {
	service, db := newTestService(t)

	claims := auth.SessionClaims{
		UserID:          "google:12345",
		UserEmail:       "ada@example.com",
		UserDisplayName: "Ada King Lovelace",
	}
	userID, err := service.ResolveUserID(context.Background(), claims)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if userID <= 0 {
		t.Fatalf("expected positive user id, got %d", userID)
	}

	var user User
	if err := db.First(&user, userID).Error; err != nil {
		t.Fatalf("expected user row: %v", err)
	}
	if user.FirstName != "Ada" || user.LastName != "King Lovelace" {
		t.Fatalf("unexpected user names %q %q", user.FirstName, user.LastName)
	}

	var identity Identity
	if err := db.Where("provider = ? AND subject = ?", "google", "12345").First(&identity).Error; err != nil {
		t.Fatalf("expected identity mapping without provider prefix: %v", err)
	}
	if identity.UserID != userID {
		t.Fatalf("identity maps to %d, want %d", identity.UserID, userID)
	}

	// second call should hit cache and not create a duplicate record.
	again, err := service.ResolveUserID(context.Background(), claims)
	if err != nil {
		t.Fatalf("second resolve failed: %v", err)
	}
	if again != userID {
		t.Fatalf("expected stable user id, got %d", again)
	}
	var count int64
	db.Model(&User{}).Count(&count)
	if count != 1 {
		t.Fatalf("expected one user row, got %d", count)
	}
}

func TestResolveUserIDRejectsEmptyClaims(t *testing.T) {
	service, _ := newTestService(t)
	if _, err := service.ResolveUserID(context.Background(), auth.SessionClaims{}); err != ErrInvalidIdentity {
		t.Fatalf("expected ErrInvalidIdentity, got %v", err)
	}
}
