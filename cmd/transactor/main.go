// Copyright © 2025 Tessera Systems

package main

import "github.com/tessera-io/transactor/cmd/transactor/cmd"

func main() {
	cmd.Execute()
}
