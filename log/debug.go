package log

import (
	"os"

	hclog "github.com/hashicorp/go-hclog"
)

// EnableDebug raises the global level. TRACE in the environment wins over
// the requested level.
func EnableDebug(level string) {
	if str := os.Getenv("TRACE"); str != "" {
		L.SetLevel(hclog.Trace)
		return
	}

	if lvl := hclog.LevelFromString(level); lvl != hclog.NoLevel {
		L.SetLevel(lvl)
	}
}
