// aronet -- control plane for a self-configuring encrypted mesh overlay.
package main

import "github.com/aronet-dev/aronet/cmd/aronet/commands"

func main() {
	commands.Execute()
}
