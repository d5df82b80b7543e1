package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Sentinel-Gate/scriptgate/internal/config"
	"github.com/Sentinel-Gate/scriptgate/internal/domain/keys"
	"github.com/Sentinel-Gate/scriptgate/internal/domain/rotation"
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage RSA signing keys",
}

var keysRotateCmd = &cobra.Command{
	Use:   "rotate",
	Short: "Rotate the signing key now",
	Long: `Generate a new RSA key pair and make it active, ignoring the rotation
interval. The rotation lease is still honored, so this fails with "busy"
while a running server is rotating.

Requires shared backends (redis or badger cache, file or vault secrets).`,
	RunE: runKeysRotate,
}

var keysListCmd = &cobra.Command{
	Use:   "list",
	Short: "List retained public keys",
	RunE:  runKeysList,
}

func init() {
	keysCmd.AddCommand(keysRotateCmd, keysListCmd)
	rootCmd.AddCommand(keysCmd)
}

func runKeysRotate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	logger := newLogger(os.Stderr, cfg)
	if cfg.Secrets.Backend == "memory" {
		logger.Warn("secrets backend is memory; the rotated key dies with this process")
	}

	cache, err := openCache(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cache.Close()
	secrets, err := openSecrets(cfg, logger)
	if err != nil {
		return err
	}

	km := keys.NewManager(secrets, logger, keys.WithBits(cfg.Rotation.KeyBits))
	if err := km.InitializeIfNeeded(ctx); err != nil {
		return fmt.Errorf("initialize signing keys: %w", err)
	}
	scheduler := rotation.NewScheduler(cache, km, rotation.Config{
		Interval: config.Duration(cfg.Rotation.Interval),
		LockTTL:  config.Duration(cfg.Rotation.LockTTL),
	}, logger)

	outcome, err := scheduler.Force(ctx)
	if err != nil {
		return err
	}
	if outcome != rotation.Rotated {
		return fmt.Errorf("rotation not performed: %s", outcome)
	}
	active, err := km.ActiveKeyID(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "active key: %s\n", active)
	return nil
}

func runKeysList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	logger := newLogger(os.Stderr, cfg)

	secrets, err := openSecrets(cfg, logger)
	if err != nil {
		return err
	}
	km := keys.NewManager(secrets, logger)

	list, err := km.ListKeys(ctx)
	if err != nil {
		return err
	}
	active, err := km.ActiveKeyID(ctx)
	if err != nil && len(list) > 0 {
		return err
	}
	return printKeys(cmd, list, active)
}

func printKeys(cmd *cobra.Command, list []*keys.PublicKey, active string) error {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCREATED\tBITS\tACTIVE")
	for _, k := range list {
		mark := ""
		if k.ID == active {
			mark = "*"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", k.ID, k.CreatedAt.UTC().Format(time.RFC3339), k.Key.N.BitLen(), mark)
	}
	return w.Flush()
}
