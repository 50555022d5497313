package main

import (
	"errors"
	"os"

	// Context timezones are validated against the embedded zone database
	// so hosts without zoneinfo accept the same zones.
	_ "time/tzdata"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		// Failed passes have already been logged and reported.
		if errors.Is(err, errPassFailed) {
			os.Exit(1)
		}

		exitOnError(err)
	}
}
