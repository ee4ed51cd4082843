// Command keyrotate serves the key rotation API and runs the rotation scheduler.
package main

import (
	"github.com/nimburion/keyrotate/pkg/cli"
)

func main() {
	cli.Execute(cli.NewCommand(cli.Options{
		Name:        "keyrotate",
		Description: "Rotate proxy provider keys on per-key intervals",
	}))
}
