package main

import "github.com/ramiqadoumi/go-model-relay/services/worker/cli"

func main() {
	cli.Execute()
}
