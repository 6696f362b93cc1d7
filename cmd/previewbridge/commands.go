package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/glimte/previewbridge-go/contracts"
	"github.com/glimte/previewbridge-go/messaging"
)

// debugger is the part of the server the console drives.
type debugger interface {
	State() contracts.ServerState
	Address() (contracts.ServerAddress, bool)
	DebuggerIDs() []contracts.EndpointID
	SendMessage(id contracts.EndpointID, msg contracts.Message)
	Broadcast(msg contracts.Message)
	SendMessageWithResponse(ctx context.Context, msg contracts.Message) (contracts.Message, error)
	RegisterCallbacks(observer messaging.Observer) func()
}

var errQuit = errors.New("quit")

type commandFunc func(ctx context.Context, d debugger, args []string) (string, error)

type commandSpec struct {
	usage string
	help  string
	run   commandFunc
}

var commands map[string]commandSpec

func init() {
	commands = map[string]commandSpec{
		"play":    {"play [id]", "resume the game", sendBare(contracts.Play{})},
		"pause":   {"pause [id]", "pause the game", sendBare(contracts.Pause{})},
		"refresh": {"refresh [id]", "restart the current scene", sendBare(contracts.Refresh{})},
		"reload":  {"reload [id]", "hot reload the project", sendBare(contracts.HotReload{})},
		"restart": {"restart [id]", "hard reload the preview", sendBare(contracts.HardReload{})},
		"profile": {"profile start|stop [id]", "start or stop the profiler", runProfile},
		"set":     {"set <path> <json> [id]", "assign a runtime value, path is dot separated", runSet},
		"call":    {"call <path> [json...]", "call a runtime function on every preview", runCall},
		"send":    {"send <command> [json]", "send a raw message to every preview", runSend},
		"ping":    {"ping", "wait for the first preview to answer", runPing},
		"dump":    {"dump", "request a runtime dump from the first preview to answer", runDump},
		"ids":     {"ids", "list connected previews", runIDs},
		"status":  {"status", "show the server state", runStatus},
		"help":    {"help", "list commands", runHelp},
		"quit":    {"quit", "stop the server and exit", runQuit},
	}
}

// execute runs one console line and returns its printable output.
func execute(ctx context.Context, d debugger, line string) (string, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", nil
	}
	name := strings.ToLower(fields[0])
	if name == "exit" {
		name = "quit"
	}
	spec, ok := commands[name]
	if !ok {
		return "", fmt.Errorf("unknown command %q, try help", fields[0])
	}
	return spec.run(ctx, d, fields[1:])
}

// deliver sends msg to id when given, to every preview otherwise.
func deliver(d debugger, msg contracts.Message, args []string) (string, error) {
	switch len(args) {
	case 0:
		ids := d.DebuggerIDs()
		d.Broadcast(msg)
		return fmt.Sprintf("%s sent to %d preview(s)", msg.Command, len(ids)), nil
	case 1:
		d.SendMessage(contracts.EndpointID(args[0]), msg)
		return fmt.Sprintf("%s sent to %s", msg.Command, args[0]), nil
	}
	return "", fmt.Errorf("too many arguments")
}

func sendBare(cmd contracts.Command) commandFunc {
	return func(ctx context.Context, d debugger, args []string) (string, error) {
		return deliver(d, contracts.MustMessage(cmd), args)
	}
}

func runProfile(ctx context.Context, d debugger, args []string) (string, error) {
	if len(args) == 0 {
		return "", fmt.Errorf("usage: %s", commands["profile"].usage)
	}
	switch args[0] {
	case "start":
		return deliver(d, contracts.MustMessage(contracts.ProfilerStart{}), args[1:])
	case "stop":
		return deliver(d, contracts.MustMessage(contracts.ProfilerStop{}), args[1:])
	}
	return "", fmt.Errorf("usage: %s", commands["profile"].usage)
}

func runSet(ctx context.Context, d debugger, args []string) (string, error) {
	if len(args) < 2 {
		return "", fmt.Errorf("usage: %s", commands["set"].usage)
	}
	value := json.RawMessage(args[1])
	if !json.Valid(value) {
		return "", fmt.Errorf("value %s is not JSON", args[1])
	}
	msg, err := contracts.NewMessage(contracts.Set{Path: strings.Split(args[0], "."), NewValue: value})
	if err != nil {
		return "", err
	}
	return deliver(d, msg, args[2:])
}

func runCall(ctx context.Context, d debugger, args []string) (string, error) {
	if len(args) < 1 {
		return "", fmt.Errorf("usage: %s", commands["call"].usage)
	}
	call := contracts.Call{Path: strings.Split(args[0], ".")}
	for _, arg := range args[1:] {
		if !json.Valid([]byte(arg)) {
			return "", fmt.Errorf("argument %s is not JSON", arg)
		}
		call.Args = append(call.Args, json.RawMessage(arg))
	}
	msg, err := contracts.NewMessage(call)
	if err != nil {
		return "", err
	}
	return deliver(d, msg, nil)
}

func runSend(ctx context.Context, d debugger, args []string) (string, error) {
	if len(args) < 1 {
		return "", fmt.Errorf("usage: %s", commands["send"].usage)
	}
	msg := contracts.Message{Command: args[0]}
	if len(args) > 1 {
		payload := strings.Join(args[1:], " ")
		if !json.Valid([]byte(payload)) {
			return "", fmt.Errorf("payload is not JSON")
		}
		msg.Payload = json.RawMessage(payload)
	}
	return deliver(d, msg, nil)
}

func runPing(ctx context.Context, d debugger, args []string) (string, error) {
	reply, err := d.SendMessageWithResponse(ctx, contracts.MustMessage(contracts.Ping{}))
	if err != nil {
		return "", err
	}
	return "reply: " + reply.Command, nil
}

func runDump(ctx context.Context, d debugger, args []string) (string, error) {
	reply, err := d.SendMessageWithResponse(ctx, contracts.Message{Command: contracts.CommandDump})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s (%d bytes): %s", reply.Command, len(reply.Payload), truncate(string(reply.Payload), 200)), nil
}

func runIDs(ctx context.Context, d debugger, args []string) (string, error) {
	ids := d.DebuggerIDs()
	if len(ids) == 0 {
		return "no preview connected", nil
	}
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return strings.Join(out, "\n"), nil
}

func runStatus(ctx context.Context, d debugger, args []string) (string, error) {
	return statusLine(d), nil
}

func statusLine(d debugger) string {
	addr, ok := d.Address()
	where := "-"
	if ok {
		where = addr.String()
	}
	return fmt.Sprintf("%s  address %s  previews %d", d.State(), where, len(d.DebuggerIDs()))
}

func runHelp(ctx context.Context, d debugger, args []string) (string, error) {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	lines := make([]string, len(names))
	for i, name := range names {
		lines[i] = fmt.Sprintf("%-26s %s", commands[name].usage, commands[name].help)
	}
	return strings.Join(lines, "\n"), nil
}

func runQuit(ctx context.Context, d debugger, args []string) (string, error) {
	return "", errQuit
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

// describeMessage renders a received message for the console.
func describeMessage(ev messaging.MessageEvent) string {
	line := fmt.Sprintf("%s ← %s", ev.ID, ev.Message.Command)
	switch cmd := ev.Command.(type) {
	case contracts.HotReloaderLogs:
		line += fmt.Sprintf(" (%d log entries)", len(cmd.Logs))
	default:
		if len(ev.Message.Payload) > 0 {
			line += " " + truncate(string(ev.Message.Payload), 120)
		}
	}
	return line
}
