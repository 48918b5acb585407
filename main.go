package main

import "github.com/arcward/quentin/cmd"

func main() {
	cmd.Execute()
}
