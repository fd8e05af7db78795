/*
Package logging implements application log instrumentation and the access
log of the gateway.

# Application Log

The application log uses the logrus package:

https://github.com/sirupsen/logrus

To send messages to the application log, import logrus and use its
methods. Example:

	import log "github.com/sirupsen/logrus"

	func doSomething() {
		log.Errorf("nothing to do")
	}

During startup initialization, it is possible to redirect the log output
from the default /dev/stderr to another file, to set the level, to switch
to JSON and to set a common prefix for each log entry. Setting the prefix
may be a good idea when the access log is enabled and its output is the
same as the one of the application log, to make it easier to split the
output for diagnostics.

Components that accept a Logger, like the external decision filter, log
through the DefaultLog by default. Tests can replace it with the
loggingtest.TestLogger.

# Access Log

The access log prints HTTP access information in the Apache combined
access log format, extended with the request duration, the requested host,
the response flags and the response code details of the stream. To output
entries, use LogAccess.

During initialization, it is possible to redirect the access log output
from the default /dev/stderr to another file, to switch to JSON, or to
completely disable the access log.
*/
package logging
