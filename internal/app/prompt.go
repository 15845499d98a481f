// internal/app/prompt.go
package app

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/petervdpas/goopcall/internal/config"
)

// PromptInteractive asks for the settings a new peer usually changes.
// Invalid answers keep the incoming cfg.
func PromptInteractive(r io.Reader, w io.Writer, peerDir, cfgPath string, cfg config.Config) config.Config {
	in := bufio.NewReader(r)

	fmt.Fprintln(w, "────────────────────────────────────────")
	fmt.Fprintln(w, "goopcall interactive setup")
	fmt.Fprintf(w, " Peer folder : %s\n", peerDir)
	fmt.Fprintf(w, " Config file : %s\n", cfgPath)
	fmt.Fprintln(w, "────────────────────────────────────────")
	fmt.Fprintln(w)

	next := cfg
	next.Identity.Email = askString(in, w, "Your call address (email)", next.Identity.Email)
	next.Identity.DisplayName = askString(in, w, "Display name", next.Identity.DisplayName)
	next.Viewer.HTTPAddr = askString(in, w, "Viewer HTTP addr (empty=off)", next.Viewer.HTTPAddr)

	next.Store.Driver = askString(in, w, "Store driver (memory/sqlite/mongo/postgres)", next.Store.Driver)
	switch next.Store.Driver {
	case config.DriverSQLite:
		next.Store.SQLiteDir = askString(in, w, "SQLite directory (share it between peers)", next.Store.SQLiteDir)
	case config.DriverMongo:
		next.Store.MongoURI = askString(in, w, "MongoDB URI", next.Store.MongoURI)
		next.Store.MongoDatabase = askString(in, w, "MongoDB database", next.Store.MongoDatabase)
	case config.DriverPostgres:
		next.Store.PostgresDSN = askString(in, w, "Postgres DSN", next.Store.PostgresDSN)
	}

	next.Media.Capture = askString(in, w, "Capture (device/synthetic/none)", next.Media.Capture)
	next.Media.Video = askBool(in, w, "Send video", next.Media.Video)
	next.Call.RetentionHours = askInt(in, w, "Keep call records (hours, 0=forever)", next.Call.RetentionHours)

	if err := next.Validate(); err != nil {
		fmt.Fprintf(w, "Invalid config: %v\nKeeping previous values.\n", err)
		return cfg
	}
	return next
}

func askString(in *bufio.Reader, w io.Writer, label, def string) string {
	fmt.Fprintf(w, "%s [%s]: ", label, def)
	s, _ := in.ReadString('\n')
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	return s
}

func askInt(in *bufio.Reader, w io.Writer, label string, def int) int {
	for {
		fmt.Fprintf(w, "%s [%d]: ", label, def)
		s, err := in.ReadString('\n')
		s = strings.TrimSpace(s)
		if s == "" {
			return def
		}
		if v, err := strconv.Atoi(s); err == nil {
			return v
		}
		if err != nil {
			return def
		}
		fmt.Fprintln(w, "Please enter a number.")
	}
}

func askBool(in *bufio.Reader, w io.Writer, label string, def bool) bool {
	defStr := "n"
	if def {
		defStr = "y"
	}
	for {
		fmt.Fprintf(w, "%s [y/n] (default=%s): ", label, defStr)
		s, err := in.ReadString('\n')
		s = strings.TrimSpace(strings.ToLower(s))
		if s == "" {
			return def
		}
		switch s {
		case "y", "yes", "true", "1":
			return true
		case "n", "no", "false", "0":
			return false
		}
		if err != nil {
			return def
		}
		fmt.Fprintln(w, "Please enter y or n.")
	}
}
