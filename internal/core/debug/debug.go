package debug

import (
	"fmt"
	"net/http"
	_ "net/http/pprof"

	"github.com/davecgh/go-spew/spew"
	"go.uber.org/zap"
)

// StartUtilities spins off the services associated with debug mode.
func StartUtilities(logger *zap.SugaredLogger, pprofPort int) {
	go startPprofServer(logger, pprofPort)
}

// startPprofServer launches an HTTP server that responds with pprof output
// containing the stack traces of all running goroutines.
func startPprofServer(logger *zap.SugaredLogger, pprofPort int) {
	logger.Infof("starting pprof server on port %d", pprofPort)

	if err := http.ListenAndServe(fmt.Sprintf(":%d", pprofPort), nil); err != nil {
		logger.Errorf("error starting pprof server: %v", err)
	}
}

var dumpConfig = spew.ConfigState{Indent: "  ", MaxDepth: 4}

// Dump renders any message struct for packet logging.
func Dump(msg interface{}) string {
	return dumpConfig.Sdump(msg)
}
