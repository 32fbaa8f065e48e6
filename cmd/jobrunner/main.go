package main

import "github.com/ramiqadoumi/go-ingest-flow/services/jobrunner/cli"

func main() {
	cli.Execute()
}
