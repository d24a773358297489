package cmd

import (
	"os"

	"grimm.is/netconverge/internal/config"
)

// RunConfig validates the configuration file and prints it with every
// default filled in.
func RunConfig(o Options) error {
	cfg, err := config.Load(o.ConfigFile)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(config.Render(cfg))
	return err
}
