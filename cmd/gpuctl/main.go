package main

import (
	"os"

	"gpu-render-orchestrator/cmd/gpuctl/cmd"

	log "github.com/sirupsen/logrus"
)

func main() {
	if err := cmd.RootCmd().Execute(); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}
