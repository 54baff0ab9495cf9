package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sdss/cerebro/control"
	"github.com/sdss/cerebro/dispatch"
)

func isClientCommand(name string) bool {
	return name == "status" || name == "restart" || name == "stop"
}

// runClient executes one control command against a running daemon and
// prints the result for a human.
func runClient(command string, args []string) error {
	fs := flag.NewFlagSet(command, flag.ExitOnError)
	socket := fs.String("socket",
		getEnv("CEREBRO_SOCKET", control.DefaultSocket),
		"Control socket path (env: CEREBRO_SOCKET)")
	timeout := fs.Duration("timeout", 5*time.Second, "Per-exchange timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}

	client := control.NewClient(*socket, *timeout)

	switch command {
	case "status":
		st, err := client.Status()
		if err != nil {
			return err
		}
		printStatus(os.Stdout, st)
		return nil

	case "restart":
		if fs.NArg() != 1 {
			return fmt.Errorf("usage: %s restart <source>", appName)
		}
		name := fs.Arg(0)
		if err := client.Restart(name); err != nil {
			return err
		}
		fmt.Printf("restarted %s\n", name)
		return nil

	case "stop":
		if err := client.Stop(); err != nil {
			return err
		}
		fmt.Println("stopping")
		return nil
	}

	return fmt.Errorf("unknown command %q", command)
}

// printStatus renders the snapshot one component per line.
func printStatus(w io.Writer, st dispatch.Status) {
	if len(st.Sources) == 0 && len(st.Sinks) == 0 {
		_, _ = fmt.Fprintln(w, "no components")
		return
	}

	for _, s := range st.Sources {
		line := fmt.Sprintf("source  %-16s %-8s %-10s", s.Name, s.Kind, s.State)
		if !s.LastEmission.IsZero() {
			line += "  last emission " + s.LastEmission.Format(time.RFC3339)
		}
		if s.LastError != "" {
			line += "  error: " + s.LastError
		}
		_, _ = fmt.Fprintln(w, line)
	}

	for _, s := range st.Sinks {
		line := fmt.Sprintf("sink    %-16s %-8s buffered %d", s.Name, s.Kind, s.BufferedCount)
		if s.Dropped > 0 {
			line += fmt.Sprintf("  dropped %d", s.Dropped)
		}
		if !s.LastFlush.IsZero() {
			line += "  last flush " + s.LastFlush.Format(time.RFC3339)
		}
		if s.LastError != "" {
			line += "  error: " + s.LastError
		}
		_, _ = fmt.Fprintln(w, line)
	}
}
