package main

import "bigxfer/cmd"

func main() {
	cmd.Execute()
}
