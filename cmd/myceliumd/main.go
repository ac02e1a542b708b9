package main

import "github.com/srediag/mycelial/cmd/myceliumd/cmd"

func main() {
	cmd.Execute()
}
