package sockethub

import (
	"io"
	"os"
	"time"

	gometrics "github.com/rcrowley/go-metrics"
)

// Counters: topics, sessions, subscriptions, msgs.published,
// msgs.dropped (publish with no receiver), msgs.lagged (oldest message
// shed from a slow receiver), direct.sent, direct.missed, frames.bad,
// conn.send, conn.recv, ticks.dropped.

type metrics struct {
	log io.Writer
	reg gometrics.Registry
}

var m = &metrics{
	log: os.Stderr,
	reg: gometrics.DefaultRegistry,
}

// StartMetrics begins writing periodic JSON counter reports to stderr.
func StartMetrics(tick time.Duration) {
	go gometrics.WriteJSON(m.reg, tick, m.log)
}

// FinalMetrics writes one last counter report; call it on shutdown.
func FinalMetrics() {
	gometrics.WriteJSONOnce(m.reg, m.log)
}

func incr(name string, i int64) {
	gometrics.GetOrRegisterCounter(name, m.reg).Inc(i)
}

func decr(name string, i int64) {
	gometrics.GetOrRegisterCounter(name, m.reg).Dec(i)
}
