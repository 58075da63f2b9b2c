package formatter

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

const timestampFormat = "2006-01-02T15:04:05.000Z07:00"

var levelDesc = []string{"PANC", "FATL", "ERRO", "WARN", "INFO", "DEBG", "TRAC"}

// TextFormatter renders an entry on one line: timestamp, level, fields, source and message
type TextFormatter struct {
	timestampFormat string
	levelDesc       []string
}

func NewTextFormatter() *TextFormatter {
	return &TextFormatter{
		levelDesc:       levelDesc,
		timestampFormat: timestampFormat,
	}
}

// Format renders a single log entry. Fields are sorted so lines of the same connection line up.
func (f *TextFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	keys := make([]string, 0, len(entry.Data))
	for k := range entry.Data {
		if k == "source" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var fields string
	if len(keys) > 0 {
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, fmt.Sprintf("%s: %v", k, entry.Data[k]))
		}
		fields = fmt.Sprintf("[%s] ", strings.Join(pairs, ", "))
	}

	var source string
	if src, ok := entry.Data["source"]; ok {
		source = fmt.Sprintf("%v: ", src)
	}

	line := fmt.Sprintf("%s %s %s%s%s\n", entry.Time.Format(f.timestampFormat), f.parseLevel(entry.Level), fields, source, entry.Message)
	return []byte(line), nil
}

func (f *TextFormatter) parseLevel(level logrus.Level) string {
	if int(level) >= len(f.levelDesc) {
		return ""
	}
	return f.levelDesc[level]
}

// SetTextFormatter installs the text formatter on logger and records the caller of every entry as source
func SetTextFormatter(logger *logrus.Logger) {
	logger.SetFormatter(NewTextFormatter())
	logger.SetReportCaller(true)
	logger.AddHook(NewContextHook())
}
