// Command scriptgate serves a script in encrypted, signed chunks to
// authenticated clients.
package main

import "github.com/Sentinel-Gate/scriptgate/cmd/scriptgate/cmd"

func main() {
	cmd.Execute()
}
