package main

import (
	"os"

	"github.com/go-i2p/go-duplex/lib/cli"
	"github.com/go-i2p/logger"
)

var log = logger.GetGoI2PLogger()

func main() {
	if err := cli.Execute(); err != nil {
		log.WithError(err).Error("go-duplex failed")
		os.Exit(1)
	}
}
