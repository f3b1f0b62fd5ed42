package main

import "github.com/ramiqadoumi/go-model-relay/services/api-gateway/cli"

func main() {
	cli.Execute()
}
