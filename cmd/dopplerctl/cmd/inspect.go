package cmd

import (
	"context"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/dopplerai/doppler/internal/tensor"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <modelId>",
	Short: "Summarize a manifest: architecture, quantization, tensor counts by role",
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
		manifest, err := readManifest(ctx, store.Model(modelID))
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		arch := manifest.Architecture()
		fmt.Fprintf(out, "model:        %s (%s)\n", manifest.ModelID(), manifest.ModelType())
		fmt.Fprintf(out, "hiddenDim:    %d\n", arch.HiddenDim)
		fmt.Fprintf(out, "numLayers:    %d\n", arch.NumLayers)
		fmt.Fprintf(out, "numHeads:     %d (kv %d)\n", arch.NumHeads, arch.NumKVHeads)
		fmt.Fprintf(out, "maxContext:   %d\n", arch.MaxContext)
		fmt.Fprintf(out, "attention:    %s\n", arch.AttentionKind)
		if arch.NumExperts > 0 {
			fmt.Fprintf(out, "experts:      %d (top-%d)\n", arch.NumExperts, arch.TopKExperts)
		}
		quant := manifest.Quantization()
		fmt.Fprintf(out, "quantization: weights=%s embeddings=%s\n", quant.Weights.DType, quant.Embeddings.DType)
		fmt.Fprintf(out, "totalSize:    %d bytes across %d shard(s)\n", manifest.TotalSize(), len(manifest.Shards()))

		counts := make(map[tensor.Role]int)
		var sizeBytes int64
		for _, t := range manifest.Tensors() {
			counts[t.Role]++
			sizeBytes += t.ByteLength
		}
		roles := make([]tensor.Role, 0, len(counts))
		for r := range counts {
			roles = append(roles, r)
		}
		sort.Slice(roles, func(i, j int) bool { return roles[i].String() < roles[j].String() })

		fmt.Fprintf(out, "tensors:      %d (%d bytes on disk)\n", len(manifest.Tensors()), sizeBytes)
		for _, r := range roles {
			fmt.Fprintf(out, "  %-16s %d\n", r, counts[r])
		}
		return nil
	},
}
