package main

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"knock-gate/app"
	"knock-gate/config"
)

var (
	configPathParam string
	overrides       config.Overrides
)

func init() {
	pflag.StringVar(&configPathParam, "config", "", "config path (JSON, comments allowed)")
	pflag.StringVar(&overrides.Sequence, "sequence", "", "comma-separated knock ports (default "+config.DefaultSequence+")")
	pflag.IntVar(&overrides.ProtectedPort, "protected-port", 0, fmt.Sprintf("protected service port (default %d)", config.DefaultProtectedPort))
	pflag.StringVar(&overrides.Window, "window", "", "time allowed between knocks, e.g. 10s (default "+config.DefaultSequenceWindow+")")
	pflag.StringVar(&overrides.OpenDuration, "open-duration", "", "time the protected port stays open (default "+config.DefaultOpenDuration+")")
	pflag.BoolVar(&overrides.DryRun, "dry-run", false, "track knocks without touching the firewall")
	pflag.Parse()
}

func main() {
	err := config.Load(configPathParam)
	if err != nil {
		finishAsFailed(err)
	}
	err = config.Apply(overrides)
	if err != nil {
		finishAsFailed(err)
	}
	err = app.Start()
	if err != nil {
		finishAsFailed(err)
	}
}

func finishAsFailed(err error) {
	fmt.Println(err)
	os.Exit(1)
}
