// fleetctl is the administrator CLI for a fleetwatch service.
//
// The service URL and admin token come from --url and --token, falling back
// to FLEET_URL and FLEET_TOKEN. "fleetctl login" prints a token suitable for
// exporting as FLEET_TOKEN.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/tphummel/fleetwatch/internal/fleetclient"
)

// version is injected at build time via -ldflags.
var version = "dev"

type env struct {
	client *fleetclient.Client
	out    io.Writer
	json   bool
}

type command struct {
	usage   string
	summary string
	run     func(ctx context.Context, e *env, args []string) error
}

var commands map[string]command

func init() {
	commands = map[string]command{
		"status":         {"status", "show whether the service is initialized and fleet counts", runStatus},
		"init":           {"init --password PW", "set the admin password (once) and print a token", runInit},
		"login":          {"login --password PW", "exchange the admin password for a token", runLogin},
		"logout":         {"logout", "revoke the current token", runLogout},
		"reset-password": {"reset-password --password NEW", "replace the admin password; all earlier tokens stop working", runResetPassword},
		"list":           {"list", "list the fleet in display order", runList},
		"get":            {"get ID", "show one server", runGet},
		"clients":        {"clients", "list registered clients", runClients},
		"add":            {"add NAME", "register a server and print its agent key and install commands", runAdd},
		"rm":             {"rm ID", "delete a server", runRemove},
		"order":          {"order ID N", "set the display order key", runOrder},
		"maintenance":    {"maintenance ID on|off", "set or clear maintenance", runMaintenance},
		"install":        {"install ID [--platform linux|windows]", "print the agent install command", runInstall},
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	var (
		endpoint string
		token    string
		asJSON   bool
		timeout  time.Duration
	)
	flagSet := pflag.NewFlagSet("fleetctl", pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	flagSet.StringVar(&endpoint, "url", os.Getenv("FLEET_URL"), "fleetwatch service URL (env FLEET_URL)")
	flagSet.StringVar(&token, "token", os.Getenv("FLEET_TOKEN"), "admin token (env FLEET_TOKEN)")
	flagSet.BoolVar(&asJSON, "json", false, "print JSON instead of tables")
	flagSet.DurationVar(&timeout, "timeout", 15*time.Second, "request timeout")
	flagSet.BoolP("version", "v", false, "print version")
	flagSet.SetInterspersed(false)
	flagSet.Usage = func() { printUsage(stderr, flagSet) }

	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if v, _ := flagSet.GetBool("version"); v {
		fmt.Fprintf(stdout, "fleetctl %s\n", version)
		return nil
	}

	rest := flagSet.Args()
	if len(rest) == 0 {
		printUsage(stderr, flagSet)
		return fmt.Errorf("no command given")
	}
	cmd, ok := commands[rest[0]]
	if !ok {
		return fmt.Errorf("unknown command %q", rest[0])
	}
	if endpoint == "" {
		endpoint = "http://localhost:8080"
	}

	client, err := fleetclient.NewClient(endpoint, token)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	return cmd.run(ctx, &env{client: client, out: stdout, json: asJSON}, rest[1:])
}

func printUsage(w io.Writer, fs *pflag.FlagSet) {
	fmt.Fprintln(w, "usage: fleetctl [flags] COMMAND [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "commands:")
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, name := range names {
		fmt.Fprintf(tw, "  %s\t%s\n", commands[name].usage, commands[name].summary)
	}
	tw.Flush()
	fmt.Fprintln(w)
	fmt.Fprintln(w, "flags:")
	fmt.Fprint(w, fs.FlagUsages())
}

// exactArgs checks the positional argument count of a subcommand.
func exactArgs(args []string, n int, usage string) error {
	if len(args) != n {
		return fmt.Errorf("usage: fleetctl %s", usage)
	}
	return nil
}

// passwordFlag parses a subcommand's --password flag, falling back to
// FLEET_PASSWORD.
func passwordFlag(name string, args []string) (string, error) {
	var password string
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.StringVar(&password, "password", os.Getenv("FLEET_PASSWORD"), "admin password (env FLEET_PASSWORD)")
	if err := fs.Parse(args); err != nil {
		return "", err
	}
	if password == "" {
		return "", fmt.Errorf("%s: --password is required", name)
	}
	if fs.NArg() != 0 {
		return "", fmt.Errorf("%s: unexpected argument %q", name, fs.Arg(0))
	}
	return password, nil
}

func (e *env) printJSON(v any) error {
	enc := json.NewEncoder(e.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runStatus(ctx context.Context, e *env, args []string) error {
	if err := exactArgs(args, 0, commands["status"].usage); err != nil {
		return err
	}
	initialized, err := e.client.AuthStatus(ctx)
	if err != nil {
		return err
	}
	st, err := e.client.Stats(ctx)
	if err != nil {
		return err
	}
	if e.json {
		return e.printJSON(map[string]any{"initialized": initialized, "stats": st})
	}
	fmt.Fprintf(e.out, "initialized: %t\n", initialized)
	fmt.Fprintf(e.out, "servers: %d (running %d, stopped %d, maintenance %d)\n", st.Total, st.Running, st.Stopped, st.Maintenance)
	fmt.Fprintf(e.out, "high usage: cpu %d, memory %d\n", st.HighCPU, st.HighMemory)
	return nil
}

func printToken(e *env, tok *fleetclient.Token) error {
	if e.json {
		return e.printJSON(tok)
	}
	fmt.Fprintln(e.out, tok.Token)
	return nil
}

func runInit(ctx context.Context, e *env, args []string) error {
	pw, err := passwordFlag("init", args)
	if err != nil {
		return err
	}
	tok, err := e.client.Initialize(ctx, pw)
	if err != nil {
		return err
	}
	return printToken(e, tok)
}

func runLogin(ctx context.Context, e *env, args []string) error {
	pw, err := passwordFlag("login", args)
	if err != nil {
		return err
	}
	tok, err := e.client.Login(ctx, pw)
	if err != nil {
		return err
	}
	return printToken(e, tok)
}

func runLogout(ctx context.Context, e *env, args []string) error {
	if err := exactArgs(args, 0, commands["logout"].usage); err != nil {
		return err
	}
	return e.client.Logout(ctx)
}

func runResetPassword(ctx context.Context, e *env, args []string) error {
	pw, err := passwordFlag("reset-password", args)
	if err != nil {
		return err
	}
	tok, err := e.client.ResetPassword(ctx, pw)
	if err != nil {
		return err
	}
	return printToken(e, tok)
}

func lastSeen(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.Local().Format(time.DateTime)
}

func runList(ctx context.Context, e *env, args []string) error {
	if err := exactArgs(args, 0, commands["list"].usage); err != nil {
		return err
	}
	servers, err := e.client.ListServers(ctx)
	if err != nil {
		return err
	}
	if e.json {
		return e.printJSON(servers)
	}
	tw := tabwriter.NewWriter(e.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSTATUS\tORDER\tCPU%\tMEM%\tDISK%\tLAST SEEN")
	for _, s := range servers {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%.1f\t%.1f\t%.1f\t%s\n",
			s.ID, s.Name, s.Status, s.OrderIndex, s.CPUPct, s.MemoryPct, s.DiskPct, lastSeen(s.LastUpdate))
	}
	return tw.Flush()
}

func runGet(ctx context.Context, e *env, args []string) error {
	if err := exactArgs(args, 1, commands["get"].usage); err != nil {
		return err
	}
	s, err := e.client.GetServer(ctx, args[0])
	if err != nil {
		return err
	}
	if e.json {
		return e.printJSON(s)
	}
	tw := tabwriter.NewWriter(e.out, 0, 0, 2, ' ', 0)
	for _, row := range [][2]string{
		{"id", s.ID},
		{"name", s.Name},
		{"status", string(s.Status)},
		{"order", strconv.FormatInt(s.OrderIndex, 10)},
		{"last seen", lastSeen(s.LastUpdate)},
		{"type", s.Type},
		{"location", s.Location},
		{"ip", s.IPAddress},
		{"os", s.OSType},
		{"cpu info", s.CPUInfo},
		{"cpu", fmt.Sprintf("%.1f%%", s.CPUPct)},
		{"memory", fmt.Sprintf("%.1f%% of %.1f GB", s.MemoryPct, s.TotalMemoryGB)},
		{"disk", fmt.Sprintf("%.1f%% of %.1f GB", s.DiskPct, s.TotalDiskGB)},
		{"uptime", (time.Duration(s.UptimeSeconds) * time.Second).String()},
		{"network", fmt.Sprintf("in %.0f B/s, out %.0f B/s", s.NetworkInBps, s.NetworkOutBps)},
	} {
		fmt.Fprintf(tw, "%s:\t%s\n", row[0], row[1])
	}
	return tw.Flush()
}

func runClients(ctx context.Context, e *env, args []string) error {
	if err := exactArgs(args, 0, commands["clients"].usage); err != nil {
		return err
	}
	clients, err := e.client.ListClients(ctx)
	if err != nil {
		return err
	}
	if e.json {
		return e.printJSON(clients)
	}
	tw := tabwriter.NewWriter(e.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tCREATED")
	for _, c := range clients {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", c.ID, c.Name, c.CreatedAt.Local().Format(time.DateTime))
	}
	return tw.Flush()
}

func runAdd(ctx context.Context, e *env, args []string) error {
	if err := exactArgs(args, 1, commands["add"].usage); err != nil {
		return err
	}
	c, err := e.client.CreateClient(ctx, args[0])
	if err != nil {
		return err
	}
	if e.json {
		return e.printJSON(c)
	}
	fmt.Fprintf(e.out, "id:        %s\n", c.ID)
	fmt.Fprintf(e.out, "name:      %s\n", c.Name)
	fmt.Fprintf(e.out, "agent key: %s\n", c.AgentKey)
	for _, p := range []string{"linux", "windows"} {
		if cmd, ok := c.Install[p]; ok {
			fmt.Fprintf(e.out, "\n%s:\n  %s\n", p, cmd)
		}
	}
	return nil
}

func runRemove(ctx context.Context, e *env, args []string) error {
	if err := exactArgs(args, 1, commands["rm"].usage); err != nil {
		return err
	}
	return e.client.DeleteServer(ctx, args[0])
}

func runOrder(ctx context.Context, e *env, args []string) error {
	if err := exactArgs(args, 2, commands["order"].usage); err != nil {
		return err
	}
	n, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("order: %q is not an integer", args[1])
	}
	return e.client.SetOrder(ctx, args[0], n)
}

func runMaintenance(ctx context.Context, e *env, args []string) error {
	if err := exactArgs(args, 2, commands["maintenance"].usage); err != nil {
		return err
	}
	var on bool
	switch args[1] {
	case "on":
		on = true
	case "off":
	default:
		return fmt.Errorf("maintenance: want on or off, got %q", args[1])
	}
	s, err := e.client.SetMaintenance(ctx, args[0], on)
	if err != nil {
		return err
	}
	if e.json {
		return e.printJSON(s)
	}
	fmt.Fprintf(e.out, "%s: %s\n", s.Name, s.Status)
	return nil
}

func runInstall(ctx context.Context, e *env, args []string) error {
	var platform string
	fs := pflag.NewFlagSet("install", pflag.ContinueOnError)
	fs.StringVar(&platform, "platform", "linux", "linux or windows")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := exactArgs(fs.Args(), 1, commands["install"].usage); err != nil {
		return err
	}
	cmd, err := e.client.InstallCommand(ctx, fs.Arg(0), platform)
	if err != nil {
		return err
	}
	if e.json {
		return e.printJSON(cmd)
	}
	fmt.Fprintln(e.out, cmd.Command)
	return nil
}
