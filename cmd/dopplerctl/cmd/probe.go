package cmd

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	doppler "github.com/dopplerai/doppler"
)

var (
	probeTensor  string
	probeToken   int
	probeIndices string
)

// probeMaxPrefix bounds how many values a probe with no --indices dumps,
// so a probe against a multi-million-element tensor doesn't flood stdout.
const probeMaxPrefix = 32

var probeCmd = &cobra.Command{
	Use:   "probe <modelId>",
	Short: "Resolve and print a named tensor's values (the debug.probes tap)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := requireIntent(); err != nil {
			return err
		}
		if probeTensor == "" {
			return fmt.Errorf("probe: --tensor is required")
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
		info, ok := manifest.Tensor(probeTensor)
		if !ok {
			return fmt.Errorf("probe: tensor %q not present in manifest", probeTensor)
		}

		resolver := doppler.NewTensorResolver(ms, manifest)
		values, err := resolver.Resolve(ctx, probeTensor)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "tensor:  %s\n", probeTensor)
		fmt.Fprintf(out, "shape:   %s\n", info.Shape.String())
		fmt.Fprintf(out, "dtype:   %s\n", info.DType)

		row := values
		if probeToken > 0 && len(info.Shape) >= 2 {
			width := int(info.Shape[len(info.Shape)-1])
			start := probeToken * width
			if start < 0 || start+width > len(values) {
				return fmt.Errorf("probe: --token %d out of range for shape %s", probeToken, info.Shape.String())
			}
			row = values[start : start+width]
		}

		if probeIndices != "" {
			idxs, err := parseIndices(probeIndices)
			if err != nil {
				return err
			}
			for _, i := range idxs {
				if i < 0 || i >= len(row) {
					return fmt.Errorf("probe: index %d out of range (len %d)", i, len(row))
				}
				fmt.Fprintf(out, "  [%d] = %v\n", i, row[i])
			}
			return nil
		}

		n := len(row)
		truncated := false
		if n > probeMaxPrefix {
			n = probeMaxPrefix
			truncated = true
		}
		for i := 0; i < n; i++ {
			fmt.Fprintf(out, "  [%d] = %v\n", i, row[i])
		}
		if truncated {
			fmt.Fprintf(out, "  ... (%d more; use --indices to target specific positions)\n", len(row)-n)
		}
		return nil
	},
}

func parseIndices(s string) ([]int, error) {
	parts := strings.Split(s, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		v, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("probe: invalid --indices entry %q: %w", p, err)
		}
		out = append(out, v)
	}
	return out, nil
}

func init() {
	probeCmd.Flags().StringVar(&probeTensor, "tensor", "", "tensor name to resolve (required)")
	probeCmd.Flags().IntVar(&probeToken, "token", 0, "for rank>=2 tensors, the row (token) index to slice")
	probeCmd.Flags().StringVar(&probeIndices, "indices", "", "comma-separated indices within the (sliced) row to print")
}
