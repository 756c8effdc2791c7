// Command cprctl creates, inspects and recovers cprkv checkpoints.
package main

import "github.com/hupe1980/cprkv/cmd/cprctl/cmd"

func main() {
	cmd.Execute()
}
