// toolwarden: governance gateway for agent tool calls.
package main

import "github.com/ppiankov/toolwarden/internal/cli"

func main() {
	cli.Execute()
}
