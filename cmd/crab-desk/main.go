package main

import (
	"log"
	"os"
)

func main() {
	logger := log.New(os.Stdout, "crab-desk ", log.Ldate|log.Ltime|log.Lmicroseconds|log.LUTC)
	if err := newRootCmd(logger).Execute(); err != nil {
		os.Exit(1)
	}
}
