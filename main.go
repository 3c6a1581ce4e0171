package main

import "github.com/antigravity-tools/agproxy/cmd"

func main() {
	cmd.Execute()
}
