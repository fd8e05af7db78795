package logging_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/zalando/mgw/logging"
)

func TestLogger(t *testing.T) {
	buf := &bytes.Buffer{}
	logrus.SetOutput(buf)
	logrus.SetLevel(logrus.DebugLevel)
	logrus.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	defer logrus.SetLevel(logrus.InfoLevel)

	log := logging.New(map[string]any{"filter": "mgw"})

	for _, tt := range []struct {
		log      func()
		expected string
	}{
		{func() { log.Error("error") }, `level=error msg=error filter=mgw`},
		{func() { log.Errorf("errorf: %s", "foo") }, `level=error msg="errorf: foo" filter=mgw`},
		{func() { log.Warn("warn") }, `level=warning msg=warn filter=mgw`},
		{func() { log.Warnf("warnf: %s", "foo") }, `level=warning msg="warnf: foo" filter=mgw`},
		{func() { log.Info("info") }, `level=info msg=info filter=mgw`},
		{func() { log.Infof("infof: %s", "foo") }, `level=info msg="infof: foo" filter=mgw`},
		{func() { log.Debug("debug") }, `level=debug msg=debug filter=mgw`},
		{func() { log.Debugf("debugf: %s", "foo") }, `level=debug msg="debugf: foo" filter=mgw`},
	} {
		tt.log()
		s := strings.TrimSpace(buf.String())
		buf.Reset()
		if s != tt.expected {
			t.Fatalf("want %q, got %q", tt.expected, s)
		}
	}
}
