package main

import "github.com/nextlevelbuilder/omnirelay/cmd"

func main() {
	cmd.Execute()
}
