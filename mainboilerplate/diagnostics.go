package mainboilerplate

import (
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"runtime"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

const (
	// k8sTerminationLog is the location to write a termination message for
	// Kubernetes to retrieve.
	//
	// Link: https://kubernetes.io/docs/tasks/debug-application-cluster/determine-reason-pod-failure/#setting-the-termination-log-file
	k8sTerminationLog = "/dev/termination-log"

	// maxStackTraceSize is the max bytes to allocate to stack traces.
	maxStackTraceSize = 32768
)

// DiagnosticsConfig configures the private diagnostics server of the
// process, which serves Prometheus metrics and net/http/pprof profiles.
type DiagnosticsConfig struct {
	Port string `long:"port" env:"PORT" default:"8070" description:"Port of the private diagnostics server"`
}

// InitDiagnosticsAndRecover starts the diagnostics server and returns a
// closure suitable for deferral from main, which logs and re-raises a
// panic so that it reaches the termination log before the process exits.
func InitDiagnosticsAndRecover(cfg DiagnosticsConfig) func() {
	var mux = http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/debug/pprof/", http.DefaultServeMux)

	go func() {
		var err = http.ListenAndServe(":"+cfg.Port, mux)
		log.WithFields(log.Fields{"err": err, "port": cfg.Port}).
			Error("diagnostics server exited")
	}()

	return func() {
		if r := recover(); r != nil {
			logTerminationMessage(fmt.Sprint("PANIC: ", r))
			logStackTrace(r)

			// Bubble up the panic.
			panic(r)
		}
	}
}

func logTerminationMessage(msg string) {
	// Make a best effort attempt to write a termination message.
	//
	// Bug: https://github.com/kubernetes/kubernetes/issues/31839
	if f, err := os.OpenFile(k8sTerminationLog, os.O_WRONLY, 0777); err == nil {
		defer f.Close()
		f.WriteString(msg)
	}
}

func logStackTrace(r interface{}) {
	var stack = make([]byte, maxStackTraceSize)
	stack = stack[:runtime.Stack(stack, true)]
	log.WithFields(log.Fields{
		"err":   r,
		"stack": strings.Split(string(stack), "\n"),
	}).Error("panic")
}
