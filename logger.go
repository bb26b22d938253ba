package lwm2m

// Logger is an interface which can be satisfied to print debug logging
// when things go wrong. It is entirely optional: every component treats a
// nil Logger as silent, matching the teacher's CoAPHTTP.log /
// Observations.log helpers. The demo binaries back this with
// sirupsen/logrus.
type Logger interface {
	Printf(format string, v ...interface{})
}

func logf(l Logger, format string, v ...interface{}) {
	if l == nil {
		return
	}
	l.Printf(format, v...)
}
