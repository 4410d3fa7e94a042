package main

import "github.com/nfrund/scriptd/cmd/scriptd/cmd"

func main() {
	cmd.Execute()
}
