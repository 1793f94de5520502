package common

import "os"

const (
	ColorReset  = "\033[0m"
	ColorRed    = "\033[31m"
	ColorGreen  = "\033[32m"
	ColorYellow = "\033[33m"
	ColorGray   = "\033[90m"
)

// Colorize wraps s in an ANSI color unless NO_COLOR is set.
func Colorize(color, s string) string {
	if _, off := os.LookupEnv("NO_COLOR"); off || color == "" {
		return s
	}
	return color + s + ColorReset
}
