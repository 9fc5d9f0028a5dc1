package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/markus-lassfolk/celldata/pkg/ipc"
	"github.com/markus-lassfolk/celldata/pkg/logx"
	"github.com/markus-lassfolk/celldata/pkg/uci"
)

var (
	server       = flag.String("server", uci.DefaultGRPCListen, "celldatad gRPC address")
	apiKey       = flag.String("key", os.Getenv(uci.EnvPrefix+"_API_AUTH_KEY"), "API key for write operations")
	outputFormat = flag.String("format", "standard", "Output format: standard, json")
	logLevel     = flag.String("log-level", "warn", "Log level (debug|info|warn|error|trace)")
	timeout      = flag.Duration("timeout", 10*time.Second, "Operation timeout")
	version      = flag.Bool("version", false, "Show version information")
)

const (
	AppName    = "celldatactl"
	AppVersion = "1.0.0"
)

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: %s [flags] <command> [args]

Commands:
  status                         show every slot
  methods                        list the methods of the daemon
  data on|off                    switch cellular data
  roaming <slot> on|off          switch data roaming of a slot
  default-slot [slot]            show or set the default data slot
  request <slot> <capability>    request a network (internet, mms, supl, dun, ims, ia, eims, xcap)
  release <slot> <capability>    release a network request
  apn-state <slot> <type>        show the state of an APN type
  clear <slot>                   tear down every connection of a slot
  call <Method> [key=value ...]  invoke any method

Flags:
`, AppName)
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()

	if *version {
		fmt.Printf("%s version %s\n", AppName, AppVersion)
		os.Exit(0)
	}
	if flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}

	logger := logx.NewLogger(*logLevel, AppName)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := run(ctx, logger, flag.Args()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *logx.Logger, args []string) error {
	client := ipc.NewClient(*server, *apiKey, *timeout, logger)
	if err := client.Connect(ctx); err != nil {
		return err
	}
	defer client.Close()

	if args[0] == "methods" {
		methods, err := client.Methods()
		if err != nil {
			return err
		}
		sort.Strings(methods)
		for _, m := range methods {
			fmt.Println(m)
		}
		return nil
	}

	method, params, err := buildCall(args)
	if err != nil {
		return err
	}
	resp, err := client.Call(ctx, method, params)
	if err != nil {
		return err
	}
	return printResponse(method, resp)
}

func printResponse(method string, resp map[string]interface{}) error {
	delete(resp, "code")
	if *outputFormat == "json" {
		out, err := json.MarshalIndent(resp, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	}

	if slotList, ok := resp["slots"].([]interface{}); ok {
		printSlots(slotList)
		return nil
	}
	if len(resp) == 0 {
		fmt.Printf("%s: ok\n", method)
		return nil
	}
	keys := make([]string, 0, len(resp))
	for k := range resp {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("%-16s %v\n", k+":", resp[k])
	}
	return nil
}

func printSlots(slotList []interface{}) {
	for _, raw := range slotList {
		st, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		fmt.Printf("Slot %v\n", st["slot_id"])
		fmt.Printf("  State:        %v (%v)\n", st["state"], st["data_state"])
		fmt.Printf("  Data:         enabled=%v roaming_enabled=%v roaming=%v\n",
			st["data_enabled"], st["roaming_enabled"], st["roaming"])
		fmt.Printf("  Radio:        %v attached=%v sim=%v\n", st["radio_tech"], st["attached"], st["sim_state"])
		fmt.Printf("  Flow:         %v recovery=%v\n", st["flow_type"], st["recovery_state"])
		if holders, ok := st["holders"].(map[string]interface{}); ok {
			roles := make([]string, 0, len(holders))
			for role := range holders {
				roles = append(roles, role)
			}
			sort.Strings(roles)
			parts := make([]string, 0, len(roles))
			for _, role := range roles {
				parts = append(parts, fmt.Sprintf("%s=%v", role, holders[role]))
			}
			fmt.Printf("  APNs:         %s\n", strings.Join(parts, " "))
		}
	}
}
