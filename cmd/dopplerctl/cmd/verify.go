package cmd

import (
	"context"
	"fmt"

	"github.com/dopplerai/doppler/internal/shardstore"
	"github.com/spf13/cobra"
)

var verifyCmd = &cobra.Command{
	Use:   "verify <modelId>",
	Short: "Verify shard integrity against the manifest's recorded hashes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := requireIntent(); err != nil {
			return err
		}
		modelID := args[0]

		ctx := context.Background()
		store, err := openStore()
		if err != nil {
			return err
		}
		ms := store.Model(modelID)
		manifest, err := readManifest(ctx, ms)
		if err != nil {
			return err
		}

		shards := manifest.Shards()
		descs := make([]shardstore.ShardDescriptor, len(shards))
		byIndex := make(map[int]string, len(shards))
		for i, shard := range shards {
			descs[i] = shardstore.ShardDescriptor{Index: shard.Index, Filename: shard.Filename, SHA256: shard.SHA256}
			byIndex[shard.Index] = shard.Filename
		}

		missing, corrupt, err := ms.VerifyIntegrity(ctx, descs)
		if err != nil {
			return err
		}

		failed := make(map[int]bool, len(missing)+len(corrupt))
		for _, idx := range missing {
			failed[idx] = true
			fmt.Fprintf(cmd.OutOrStdout(), "MISSING %s\n", byIndex[idx])
		}
		for _, idx := range corrupt {
			failed[idx] = true
			fmt.Fprintf(cmd.OutOrStdout(), "CORRUPT %s\n", byIndex[idx])
		}
		for _, shard := range shards {
			if !failed[shard.Index] {
				fmt.Fprintf(cmd.OutOrStdout(), "OK      %s\n", shard.Filename)
			}
		}

		total := len(shards)
		fmt.Fprintf(cmd.OutOrStdout(), "%d/%d shards verified\n", total-len(failed), total)
		if len(failed) > 0 {
			return fmt.Errorf("%d missing, %d corrupt shard(s)", len(missing), len(corrupt))
		}
		return nil
	},
}
