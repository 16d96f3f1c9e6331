package main

import "github.com/devlikebear/aiapps-sub000/services/processor/cli"

func main() {
	cli.Execute()
}
