package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Sentinel-Gate/scriptgate/internal/adapter/outbound/sqlstore"
	"github.com/Sentinel-Gate/scriptgate/internal/domain/user"
)

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "Manage authorized users",
}

var usersImportCmd = &cobra.Command{
	Use:   "import <file.yaml>",
	Short: "Create or update users from a YAML file",
	Long: `Create or update authorized users from a YAML file:

  users:
    - user_id: 42
      username: alice
    - user_id: 43
      username: bob

Existing users keep their id and get the new username.`,
	Args: cobra.ExactArgs(1),
	RunE: runUsersImport,
}

var usersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List authorized users",
	RunE:  runUsersList,
}

func init() {
	usersCmd.AddCommand(usersImportCmd, usersListCmd)
	rootCmd.AddCommand(usersCmd)
}

// usersFile is the users import format.
type usersFile struct {
	Users []struct {
		UserID   int64  `yaml:"user_id"`
		Username string `yaml:"username"`
	} `yaml:"users"`
}

// parseUsers decodes and validates a users file.
func parseUsers(r io.Reader) ([]user.User, error) {
	var f usersFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("users file is empty")
		}
		return nil, fmt.Errorf("parse users file: %w", err)
	}

	seen := make(map[int64]bool, len(f.Users))
	users := make([]user.User, 0, len(f.Users))
	for i, u := range f.Users {
		if u.UserID <= 0 {
			return nil, fmt.Errorf("users[%d]: user_id must be positive", i)
		}
		if u.Username == "" {
			return nil, fmt.Errorf("users[%d]: username is required", i)
		}
		if seen[u.UserID] {
			return nil, fmt.Errorf("users[%d]: duplicate user_id %d", i, u.UserID)
		}
		seen[u.UserID] = true
		users = append(users, user.User{ID: u.UserID, Username: u.Username})
	}
	return users, nil
}

func runUsersImport(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	users, err := parseUsers(f)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	db, err := sqlstore.Open(ctx, cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	n, err := importUsers(ctx, db, users)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "imported %d users\n", n)
	return nil
}

// importUsers upserts users in order and returns how many were written.
func importUsers(ctx context.Context, store user.Store, users []user.User) (int, error) {
	for i := range users {
		if err := store.UpsertUser(ctx, &users[i]); err != nil {
			return i, fmt.Errorf("upsert user %d: %w", users[i].ID, err)
		}
	}
	return len(users), nil
}

func runUsersList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	db, err := sqlstore.Open(ctx, cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	users, err := db.ListUsers(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "USER_ID\tUSERNAME")
	for _, u := range users {
		fmt.Fprintf(w, "%d\t%s\n", u.ID, u.Username)
	}
	return w.Flush()
}
