package main

import "github.com/snev68/cubicle/cmd"

func main() {
	cmd.Execute()
}
