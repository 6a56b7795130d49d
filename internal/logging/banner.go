package logging

import (
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
)

// ANSI color codes.
const (
	reset = "\033[0m"
	bold  = "\033[1m"
	cyan  = "\033[36m"
	dim   = "\033[2m"
)

var logoLines = [6]string{
	`   ____          _           ____       _     _            `,
	`  / ___|___   __| | _____  _| __ ) _ __(_) __| | __ _  ___ `,
	` | |   / _ \ / _` + "`" + ` |/ _ \ \/ /  _ \| '__| |/ _` + "`" + ` |/ _` + "`" + ` |/ _ \`,
	` | |__| (_) | (_| |  __/>  <| |_) | |  | | (_| | (_| |  __/`,
	`  \____\___/ \__,_|\___/_/\_\____/|_|  |_|\__,_|\__, |\___|`,
	`                                                |___/      `,
}

// PrintBanner prints the CodexBridge ASCII art logo with version and
// database path below. Colors are used only when stderr is a TTY.
func PrintBanner(ver, dbPath string) {
	color := isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())

	for i := 0; i < 6; i++ {
		if color {
			fmt.Fprintf(os.Stderr, "%s%s%s\n", bold+cyan, logoLines[i], reset)
		} else {
			fmt.Fprintln(os.Stderr, logoLines[i])
		}
	}

	if color {
		fmt.Fprintf(os.Stderr, "\n  %sversion%s %s   %sdb%s %s\n\n",
			dim, reset, ver, dim, reset, dbPath)
	} else {
		fmt.Fprintf(os.Stderr, "\n  version %s   db %s\n\n", ver, dbPath)
	}
}
