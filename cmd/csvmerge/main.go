// Command csvmerge ingests the CSV files a commit changed into a target
// table, either once (ingest) or on every push webhook (serve).
package main

import (
	"errors"
	"os"
	"strings"
)

type exitCoder interface {
	ExitCode() int
}

func main() {
	if err := Execute(os.Args[1:]); err != nil {
		msg := strings.Join(strings.Fields(err.Error()), " ")
		if msg == "" {
			msg = "error"
		}
		_, _ = os.Stderr.WriteString("csvmerge: " + msg + "\n")

		code := 1
		var ec exitCoder
		if errors.As(err, &ec) && ec.ExitCode() != 0 {
			code = ec.ExitCode()
		}
		os.Exit(code)
	}
}
