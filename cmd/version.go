package cmd

import (
	"runtime"

	"grimm.is/netconverge/internal/brand"
)

// RunVersion prints build information.
func RunVersion() {
	Printer.Printf("%s %s (commit %s, built %s, %s %s/%s)\n",
		brand.Name, brand.Version, brand.GitCommit, brand.BuildTime,
		runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
