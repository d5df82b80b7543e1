package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/Sentinel-Gate/scriptgate/internal/domain/user"
)

func TestUserStore_GetUpsertList(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewUserStore()

	if _, err := s.GetUser(ctx, 1); !errors.Is(err, user.ErrUserNotFound) {
		t.Errorf("GetUser() error = %v, want ErrUserNotFound", err)
	}

	for _, u := range []*user.User{{ID: 2, Username: "bob"}, {ID: 1, Username: "alice"}} {
		if err := s.UpsertUser(ctx, u); err != nil {
			t.Fatalf("UpsertUser() error: %v", err)
		}
	}
	if err := s.UpsertUser(ctx, &user.User{ID: 2, Username: "robert"}); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetUser(ctx, 2)
	if err != nil {
		t.Fatalf("GetUser() error: %v", err)
	}
	if got.Username != "robert" {
		t.Errorf("Username = %q, want robert", got.Username)
	}
	if got.CreatedAt.IsZero() {
		t.Error("CreatedAt not set")
	}

	// Returned copies do not alias the store.
	got.Username = "mallory"
	again, _ := s.GetUser(ctx, 2)
	if again.Username != "robert" {
		t.Error("store mutated through returned user")
	}

	list, err := s.ListUsers(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].ID != 1 || list[1].ID != 2 {
		t.Errorf("ListUsers() = %+v, want ids [1 2]", list)
	}
}
