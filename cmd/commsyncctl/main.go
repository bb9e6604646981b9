package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/commsync/commsync/internal/config"
	"github.com/commsync/commsync/internal/profile"
	"github.com/commsync/commsync/internal/store"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	name := profile.Resolve(*profileFlag)
	if err := profile.ValidateName(name); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	switch args[0] {
	case "profiles":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: commsyncctl profiles <list|default>")
			os.Exit(1)
		}
		switch args[1] {
		case "list":
			cmdProfilesList(*jsonFlag)
		case "default":
			if len(args) < 3 {
				fmt.Fprintln(os.Stderr, "usage: commsyncctl profiles default <name>")
				os.Exit(1)
			}
			cmdProfilesDefault(args[2])
		default:
			fmt.Fprintln(os.Stderr, "usage: commsyncctl profiles <list|default>")
			os.Exit(1)
		}
	case "accounts":
		cmdAccountsList(*jsonFlag)
	case "drafts":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: commsyncctl drafts <list|purge>")
			os.Exit(1)
		}
		switch args[1] {
		case "list":
			cmdDraftsList(name, *jsonFlag)
		case "purge":
			cmdDraftsPurge(name)
		default:
			fmt.Fprintln(os.Stderr, "usage: commsyncctl drafts <list|purge>")
			os.Exit(1)
		}
	case "outbox":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: commsyncctl outbox <list|retry>")
			os.Exit(1)
		}
		switch args[1] {
		case "list":
			cmdOutboxList(name, *jsonFlag)
		case "retry":
			if len(args) < 3 {
				fmt.Fprintln(os.Stderr, "usage: commsyncctl outbox retry <client-msg-id>")
				os.Exit(1)
			}
			cmdOutboxRetry(name, args[2])
		default:
			fmt.Fprintln(os.Stderr, "usage: commsyncctl outbox <list|retry>")
			os.Exit(1)
		}
	case "status":
		cmdStatus(name, *jsonFlag)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: commsyncctl [--profile <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                      Show daemon status for the profile")
	fmt.Fprintln(os.Stderr, "  profiles list               List known profiles")
	fmt.Fprintln(os.Stderr, "  profiles default <name>     Set the default profile")
	fmt.Fprintln(os.Stderr, "  accounts list               List configured accounts")
	fmt.Fprintln(os.Stderr, "  drafts list                 List saved draft keys")
	fmt.Fprintln(os.Stderr, "  drafts purge                Delete all saved drafts")
	fmt.Fprintln(os.Stderr, "  outbox list                 List outbox entries")
	fmt.Fprintln(os.Stderr, "  outbox retry <id>           Requeue a failed send")
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fatal(err)
	}
}

// openDB opens the profile's store read-write. The daemon can hold the
// same file; sqlite's WAL mode and busy timeout make shared access safe.
func openDB(name string) *store.DB {
	path := profile.DBPath(name)
	if _, err := os.Stat(path); err != nil {
		fatal(fmt.Errorf("no store for profile %q (has the daemon run?): %w", name, err))
	}
	db, err := store.Open(path)
	if err != nil {
		fatal(err)
	}
	return db
}

func cmdProfilesList(jsonOut bool) {
	entries, err := os.ReadDir(filepath.Join(profile.BaseDir(), "profiles"))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		fatal(err)
	}

	defaultName := "default"
	if cfg, err := config.Load(profile.ConfigPath()); err == nil && cfg.DefaultProfile != "" {
		defaultName = cfg.DefaultProfile
	}

	type profileInfo struct {
		Name    string `json:"name"`
		Default bool   `json:"default"`
	}
	var profiles []profileInfo
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		profiles = append(profiles, profileInfo{Name: e.Name(), Default: e.Name() == defaultName})
	}

	if jsonOut {
		outputJSON(profiles)
		return
	}
	if len(profiles) == 0 {
		fmt.Println("no profiles yet")
		return
	}
	for _, p := range profiles {
		marker := " "
		if p.Default {
			marker = "*"
		}
		fmt.Printf("%s %s\n", marker, p.Name)
	}
}

func cmdProfilesDefault(name string) {
	if err := profile.ValidateName(name); err != nil {
		fatal(err)
	}
	cfg, err := config.Load(profile.ConfigPath())
	if errors.Is(err, os.ErrNotExist) {
		cfg = config.Default()
	} else if err != nil {
		fatal(err)
	}
	cfg.DefaultProfile = name
	if err := config.Save(profile.ConfigPath(), cfg); err != nil {
		fatal(err)
	}
	fmt.Printf("default profile set to %q\n", name)
}

func cmdAccountsList(jsonOut bool) {
	cfg, err := config.Load(profile.ConfigPath())
	if err != nil {
		fatal(err)
	}
	if jsonOut {
		outputJSON(cfg.Accounts)
		return
	}
	if len(cfg.Accounts) == 0 {
		fmt.Println("no accounts configured")
		return
	}
	for _, acc := range cfg.Accounts {
		marker := " "
		if acc.Default {
			marker = "*"
		}
		fmt.Printf("%s %-20s %-6s %s\n", marker, acc.ID, acc.Channel, acc.Label)
	}
}

func cmdDraftsList(name string, jsonOut bool) {
	db := openDB(name)
	defer func() { _ = db.Close() }()

	keys, err := db.ListDraftKeys()
	if err != nil {
		fatal(err)
	}
	if jsonOut {
		outputJSON(keys)
		return
	}
	if len(keys) == 0 {
		fmt.Println("no drafts")
		return
	}
	for _, k := range keys {
		fmt.Println(k)
	}
}

func cmdDraftsPurge(name string) {
	db := openDB(name)
	defer func() { _ = db.Close() }()

	n, err := db.PurgeDrafts()
	if err != nil {
		fatal(err)
	}
	fmt.Printf("purged %d draft(s)\n", n)
}

func cmdOutboxList(name string, jsonOut bool) {
	db := openDB(name)
	defer func() { _ = db.Close() }()

	entries, err := db.ListOutbox()
	if err != nil {
		fatal(err)
	}
	if jsonOut {
		outputJSON(entries)
		return
	}
	if len(entries) == 0 {
		fmt.Println("outbox empty")
		return
	}
	for _, e := range entries {
		fmt.Printf("%-40s %-8s %s\n", e.ClientMsgID, e.Status, time.UnixMilli(e.CreatedAt).Format(time.RFC3339))
	}
}

func cmdOutboxRetry(name, clientMsgID string) {
	db := openDB(name)
	defer func() { _ = db.Close() }()

	ok, err := db.RequeueOutbox(clientMsgID)
	if err != nil {
		fatal(err)
	}
	if !ok {
		fatal(fmt.Errorf("entry %q not found or not failed", clientMsgID))
	}
	fmt.Printf("requeued %s; the daemon will pick it up shortly\n", clientMsgID)
}

func cmdStatus(name string, jsonOut bool) {
	lockPath := profile.LockPath(name)
	content, err := os.ReadFile(lockPath)

	type statusInfo struct {
		Profile string `json:"profile"`
		Running bool   `json:"running"`
		Lock    string `json:"lock,omitempty"`
	}
	info := statusInfo{Profile: name}
	if err == nil {
		info.Running = true
		info.Lock = string(content)
	}

	if jsonOut {
		outputJSON(info)
		return
	}
	fmt.Printf("Profile: %s\n", name)
	if info.Running {
		fmt.Printf("Daemon:  running (%s)\n", firstLine(info.Lock))
	} else {
		fmt.Println("Daemon:  not running")
	}
}

func firstLine(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			return s[:i]
		}
	}
	return s
}
