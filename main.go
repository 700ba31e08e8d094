package main

import "github.com/scttfrdmn/spotkeeper/cmd"

func main() {
	cmd.Execute()
}
