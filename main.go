package main

import "github.com/Living-with-machines/alto2txt2fixture/cmd"

func main() {
	cmd.Execute()
}
