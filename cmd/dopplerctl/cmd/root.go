// Package cmd implements dopplerctl's subcommands, grounded on the pack's
// cobra-based CLIs (inference-sim's cmd/root.go: a package-level rootCmd,
// flags bound in init(), one exported Execute()).
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	doppler "github.com/dopplerai/doppler"
	"github.com/dopplerai/doppler/internal/shardstore"
)

var (
	modelRoot     string
	toolingIntent string
)

var rootCmd = &cobra.Command{
	Use:   "dopplerctl",
	Short: "Diagnostics CLI for DOPPLER model packages",
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&modelRoot, "root", ".", "directory containing model packages")
	rootCmd.PersistentFlags().StringVar(&toolingIntent, "intent", "", "tooling intent: verify, investigate, or calibrate")

	rootCmd.AddCommand(verifyCmd, inspectCmd, probeCmd)
}

// requireIntent builds a RuntimeConfig from --intent and fails fast,
// per spec.md §7, if it isn't one of the diagnostics intents.
func requireIntent() (doppler.RuntimeConfig, error) {
	cfg := doppler.DefaultRuntimeConfig()
	cfg.Shared.ToolingIntent = doppler.ToolingIntent(toolingIntent)
	if err := cfg.RequireToolingIntent(); err != nil {
		return doppler.RuntimeConfig{}, err
	}
	return cfg, nil
}

// openStore opens the directory-backed shard store rooted at --root.
func openStore() (*shardstore.Store, error) {
	return shardstore.Open(shardstore.PreferDirectory, shardstore.NewDirStore(modelRoot), nil)
}

// readManifest reads and parses a model-scoped store handle's manifest.
func readManifest(ctx context.Context, ms *shardstore.ModelStore) (*doppler.Manifest, error) {
	raw, err := ms.ReadManifest(ctx)
	if err != nil {
		return nil, err
	}
	return doppler.ParseManifest(raw)
}
