package users

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/auth"
)

func mustService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "users.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(Models()...); err != nil {
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

func TestResolveCanonicalUserIDStripsProviderPrefix(t *testing.T) {
	service, db := mustService(t)

	claims := auth.SessionClaims{
		UserID:          "google:12345",
		UserEmail:       "user@example.com",
		UserDisplayName: "Example User",
		UserAvatarURL:   "https://example.com/avatar.png",
	}
	userID, err := service.ResolveCanonicalUserID(claims)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if userID != "12345" {
		t.Fatalf("expected canonical user id without provider prefix, got %q", userID)
	}

	// second call should hit cache and not create a duplicate record.
	userID, err = service.ResolveCanonicalUserID(claims)
	if err != nil {
		t.Fatalf("second resolve failed: %v", err)
	}
	if userID != "12345" {
		t.Fatalf("expected canonical user id to remain stable, got %q", userID)
	}
	var count int64
	if err := db.Model(&Identity{}).Count(&count).Error; err != nil || count != 1 {
		t.Fatalf("expected a single identity row, got %d %v", count, err)
	}
}

func TestResolveCanonicalUserIDRejectsEmptyClaims(t *testing.T) {
	service, _ := mustService(t)
	if _, err := service.ResolveCanonicalUserID(auth.SessionClaims{}); !errors.Is(err, ErrInvalidIdentity) {
		t.Fatalf("expected invalid identity, got %v", err)
	}
}

func TestProfileCarriesPresenceIdentity(t *testing.T) {
	service, _ := mustService(t)

	profile, err := service.Profile(auth.SessionClaims{UserID: "user-a", UserEmail: "a@example.com"})
	if err != nil {
		t.Fatalf("profile failed: %v", err)
	}
	if profile.ID != "user-a" || profile.Name != "a@example.com" {
		t.Fatalf("name must fall back to the email, got %#v", profile)
	}
	if profile.Color != PresenceColor("user-a") || !strings.HasPrefix(profile.Color, "#") {
		t.Fatalf("unexpected colour %q", profile.Color)
	}

	named, err := service.Profile(auth.SessionClaims{UserID: "user-b", UserDisplayName: "Bob"})
	if err != nil || named.Name != "Bob" {
		t.Fatalf("unexpected profile %#v %v", named, err)
	}
}

func TestProfileFallsBackToStoredDetails(t *testing.T) {
	service, _ := mustService(t)

	if _, err := service.ResolveCanonicalUserID(auth.SessionClaims{UserID: "google:user-c", UserDisplayName: "Carol"}); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	restarted, err := NewService(ServiceConfig{Database: service.db})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	profile, err := restarted.Profile(auth.SessionClaims{UserID: "google:user-c"})
	if err != nil {
		t.Fatalf("profile failed: %v", err)
	}
	if profile.ID != "user-c" || profile.Name != "Carol" {
		t.Fatalf("expected stored display name, got %#v", profile)
	}
}

func TestResolveCanonicalUserIDRecordsChangedDetails(t *testing.T) {
	service, db := mustService(t)

	if _, err := service.ResolveCanonicalUserID(auth.SessionClaims{UserID: "user-d", UserEmail: "old@example.com"}); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	restarted, err := NewService(ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	if _, err := restarted.ResolveCanonicalUserID(auth.SessionClaims{UserID: "user-d", UserEmail: "new@example.com"}); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	var stored Identity
	if err := db.Where("subject = ?", "user-d").Take(&stored).Error; err != nil {
		t.Fatalf("failed to load identity: %v", err)
	}
	if stored.Email != "new@example.com" {
		t.Fatalf("expected refreshed email, got %q", stored.Email)
	}
}

func TestPresenceColorIsStable(t *testing.T) {
	if PresenceColor("user-a") != PresenceColor("user-a") {
		t.Fatalf("colour must be deterministic")
	}
	seen := make(map[string]bool)
	for _, userID := range []string{"alice", "bob", "carol", "dave", "erin", "frank"} {
		seen[PresenceColor(userID)] = true
	}
	if len(seen) < 2 {
		t.Fatalf("expected users to spread across the palette, got %v", seen)
	}
}
