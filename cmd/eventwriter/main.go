package main

import (
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/armadaproject/eventwriter/cmd/eventwriter/cmd"
	"github.com/armadaproject/eventwriter/internal/common"
)

func main() {
	common.ConfigureLogging()
	if err := cmd.RootCmd().Execute(); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}
