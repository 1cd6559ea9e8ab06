// Command dopplerctl is a thin diagnostics CLI over a model package on
// disk: shard integrity verification, manifest inspection, and single-
// tensor probing. It is not a generation UI — prompting and streaming
// remain an external collaborator's concern.
package main

import "github.com/dopplerai/doppler/cmd/dopplerctl/cmd"

func main() {
	cmd.Execute()
}
