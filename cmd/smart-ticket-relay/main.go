package main

import (
	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"

	"smart-ticket-relay-go/internal/app"
)

func main() {
	configPath := flag.StringP("config", "c", "", "path to the config file (default ./config.yaml)")
	flag.Parse()

	if err := app.Run(*configPath); err != nil {
		logrus.Fatalf("application error: %v", err)
	}
}
