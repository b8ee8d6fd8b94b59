package cli

import (
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"
	"gopkg.in/op/go-logging.v1"
)

var log = logging.MustGetLogger("cli")

// A Verbosity is used as a flag to define logging verbosity.
type Verbosity logging.Level

// MinVerbosity is the minimum verbosity we support.
const MinVerbosity = Verbosity(logging.ERROR)

// UnmarshalFlag implements flag parsing.
// It accepts input in two forms; either an integer (from 0 to 4, where 0 is the least
// verbose) or a level name (error, warning, notice, info or debug).
func (v *Verbosity) UnmarshalFlag(in string) error {
	switch strings.ToLower(in) {
	case "0", "error":
		*v = Verbosity(logging.ERROR)
	case "1", "warning", "warn":
		*v = Verbosity(logging.WARNING)
	case "2", "notice":
		*v = Verbosity(logging.NOTICE)
	case "3", "info":
		*v = Verbosity(logging.INFO)
	case "4", "debug":
		*v = Verbosity(logging.DEBUG)
	default:
		return fmt.Errorf("invalid verbosity %q; must be one of error, warning, notice, info, debug", in)
	}
	return nil
}

// UnmarshalText implements the encoding.TextUnmarshaler interface
func (v *Verbosity) UnmarshalText(text []byte) error {
	return v.UnmarshalFlag(string(text))
}

// InitLogging initialises logging backends.
func InitLogging(verbosity Verbosity) {
	backend := logging.NewLogBackend(os.Stderr, "", 0)
	formatter := logging.MustStringFormatter(logFormat(term.IsTerminal(int(os.Stderr.Fd()))))
	leveled := logging.AddModuleLevel(logging.NewBackendFormatter(backend, formatter))
	leveled.SetLevel(logging.Level(verbosity), "")
	logging.SetBackend(leveled)
	log.Debug("Logging initialised at level %s", logging.Level(verbosity))
}

// logFormat returns the log format to use; colours are only used on a terminal.
func logFormat(colour bool) string {
	if colour {
		return "%{color}%{time:15:04:05.000} %{level:7s}: %{module}: %{message}%{color:reset}"
	}
	return "%{time:15:04:05.000} %{level:7s}: %{module}: %{message}"
}
