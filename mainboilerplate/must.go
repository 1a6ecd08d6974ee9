package mainboilerplate

import (
	log "github.com/sirupsen/logrus"
)

// Version and BuildDate are populated at build time via the linker.
var (
	Version   = "development"
	BuildDate = "unknown"
)

// Must logs |msg| at fatal level and exits the process if |err| is
// non-nil, supplying |err| and |extra| as formatted context. It's intended
// for use at program initialization, where an error is never recoverable.
func Must(err error, msg string, extra ...interface{}) {
	if err == nil {
		return
	}

	var f = log.Fields{"err": err}
	for i := 0; i+1 < len(extra); i += 2 {
		f[extra[i].(string)] = extra[i+1]
	}
	log.WithFields(f).Fatal(msg)
}
