package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/matheus3301/chatrelay/internal/adminrpc"
	"github.com/matheus3301/chatrelay/internal/config"
	"github.com/matheus3301/chatrelay/internal/identity"
	"github.com/matheus3301/chatrelay/internal/ingest"
	"github.com/matheus3301/chatrelay/internal/paths"
)

func main() {
	configFlag := flag.String("config", "", "config file path (default ~/.chatrelay/config.toml)")
	dataDirFlag := flag.String("data-dir", "", "data directory (overrides config)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	configPath := *configFlag
	if configPath == "" {
		configPath = paths.ConfigPath()
	}
	cfg, err := config.Resolve(configPath)
	if err != nil {
		fail(err)
	}
	if *dataDirFlag != "" {
		cfg.DataDir = *dataDirFlag
	}

	// token is signed locally and needs no daemon.
	if args[0] == "token" {
		if len(args) < 2 {
			usage("relayctl token <username>")
		}
		cmdToken(cfg, args[1], *jsonFlag)
		return
	}

	socketPath := paths.New(cfg.DataDir).SocketPath()
	c, err := adminrpc.Dial(socketPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot connect to relayd at %s: %v\n", socketPath, err)
		os.Exit(1)
	}
	defer func() { _ = c.Close() }()

	switch args[0] {
	case "status":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		cmdStatus(ctx, c, *jsonFlag)
	case "ingest":
		if len(args) < 2 {
			usage("relayctl ingest <file|dir>")
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		cmdIngest(ctx, c, args[1], *jsonFlag)
	case "user":
		if len(args) < 4 || args[1] != "add" {
			usage("relayctl user add <username> <phone> [display name]")
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		cmdUserAdd(ctx, c, args[2], args[3], strings.Join(args[4:], " "), *jsonFlag)
	case "watch":
		prefix := ""
		if len(args) >= 2 {
			prefix = args[1]
		}
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		cmdWatch(ctx, c, prefix)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: relayctl [--config <path>] [--data-dir <dir>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                              Show daemon counters")
	fmt.Fprintln(os.Stderr, "  ingest <file|dir>                   Ingest webhook JSON files")
	fmt.Fprintln(os.Stderr, "  token <username>                    Issue an access token")
	fmt.Fprintln(os.Stderr, "  user add <username> <phone> [name]  Register a user")
	fmt.Fprintln(os.Stderr, "  watch [prefix]                      Stream domain events")
}

func usage(line string) {
	fmt.Fprintln(os.Stderr, "usage: "+line)
	os.Exit(1)
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

func cmdStatus(ctx context.Context, c *adminrpc.Client, jsonOut bool) {
	st, err := c.Stats(ctx)
	if err != nil {
		fail(err)
	}
	if jsonOut {
		outputJSON(st)
		return
	}
	fmt.Printf("Uptime:        %s\n", (time.Duration(st.UptimeMs) * time.Millisecond).Round(time.Second))
	fmt.Printf("Users:         %d\n", st.Users)
	fmt.Printf("Messages:      %d\n", st.Messages)
	fmt.Printf("Conversations: %d\n", st.Conversations)
	fmt.Printf("Connections:   %d\n", st.Connections)
	fmt.Printf("Online:        %s\n", strings.Join(st.Online, ", "))
	if st.BusDropped > 0 {
		fmt.Printf("Dropped events: %d\n", st.BusDropped)
	}
}

// ingestFiles returns path itself or, for a directory, its .json files in
// name order.
func ingestFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{path}, nil
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.Type().IsRegular() && strings.HasSuffix(e.Name(), ".json") {
			files = append(files, filepath.Join(path, e.Name()))
		}
	}
	slices.Sort(files)
	return files, nil
}

func cmdIngest(ctx context.Context, c *adminrpc.Client, path string, jsonOut bool) {
	files, err := ingestFiles(path)
	if err != nil {
		fail(err)
	}
	total := &ingest.Result{Source: "relayctl", Items: []ingest.ItemResult{}}
	var badFiles int
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			fail(err)
		}
		res, err := c.Ingest(ctx, data, "relayctl:"+filepath.Base(f))
		if err != nil {
			badFiles++
			fmt.Fprintf(os.Stderr, "%s: %v\n", f, err)
			continue
		}
		total.Merge(res)
		if !jsonOut {
			fmt.Printf("%-40s processed=%d duplicates=%d status=%d stale=%d skipped=%d failed=%d\n",
				filepath.Base(f), res.Processed, res.Duplicates, res.StatusUpdated, res.Stale, res.Skipped, res.Failed)
		}
	}
	if jsonOut {
		outputJSON(total)
	} else {
		fmt.Printf("\n%d files, %d processed, %d duplicates, %d failed items, %d rejected files\n",
			len(files), total.Processed, total.Duplicates, total.Failed, badFiles)
	}
	if badFiles > 0 {
		os.Exit(1)
	}
}

func cmdToken(cfg *config.Config, username string, jsonOut bool) {
	if cfg.JWTSecret == "" {
		fail(errors.New("jwt_secret is not configured"))
	}
	token, err := identity.Sign(cfg.JWTSecret, username, cfg.TokenTTL)
	if err != nil {
		fail(err)
	}
	if jsonOut {
		outputJSON(map[string]any{
			"username":   identity.NormalizeUsername(username),
			"token":      token,
			"expires_at": time.Now().Add(cfg.TokenTTL).UTC().Format(time.RFC3339),
		})
		return
	}
	fmt.Println(token)
}

func cmdUserAdd(ctx context.Context, c *adminrpc.Client, username, phone, name string, jsonOut bool) {
	u, err := c.CreateUser(ctx, adminrpc.CreateUserRequest{Username: username, Phone: phone, DisplayName: name})
	if err != nil {
		fail(err)
	}
	if jsonOut {
		outputJSON(u)
		return
	}
	fmt.Printf("Created %s (%s, +%s)\n", u.Username, u.DisplayName, u.Phone)
}

func cmdWatch(ctx context.Context, c *adminrpc.Client, prefix string) {
	err := c.Watch(ctx, prefix, func(evt adminrpc.WatchEvent) error {
		payload, _ := json.Marshal(evt.Payload)
		fmt.Printf("%s %-22s %s\n", time.UnixMilli(evt.TimeMs).Format(time.TimeOnly), evt.Kind, payload)
		return nil
	})
	if err != nil && ctx.Err() == nil {
		fail(err)
	}
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
