package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/dop251/goja"
)

const consoleBanner = `certd console
  verify("did:ethr:…" | "0x<root>" | "0x<document hash>")
  verifyPair(did, root)
  health()
Type 'exit' to quit.`

// newConsoleVM binds the API client into a JavaScript runtime. Results are
// the decoded JSON objects, so scripts can read fields directly.
func newConsoleVM(ctx context.Context, c *apiClient, out io.Writer) (*goja.Runtime, error) {
	vm := goja.New()
	wrap := func(raw json.RawMessage, err error) goja.Value {
		if err != nil {
			panic(vm.NewGoError(err))
		}
		var v interface{}
		if json.Unmarshal(raw, &v) != nil {
			return vm.ToValue(string(raw))
		}
		return vm.ToValue(v)
	}

	if err := vm.Set("verify", func(input string) goja.Value {
		return wrap(c.Verify(ctx, verifyParams(input, "")))
	}); err != nil {
		return nil, err
	}
	if err := vm.Set("verifyPair", func(did, root string) goja.Value {
		return wrap(c.Verify(ctx, verifyParams(did, root)))
	}); err != nil {
		return nil, err
	}
	if err := vm.Set("health", func() goja.Value {
		return wrap(c.Health(ctx))
	}); err != nil {
		return nil, err
	}
	if err := vm.Set("print", func(args ...goja.Value) {
		for _, arg := range args {
			fmt.Fprintln(out, render(arg))
		}
	}); err != nil {
		return nil, err
	}
	return vm, nil
}

func render(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) {
		return "undefined"
	}
	switch v.Export().(type) {
	case map[string]interface{}, []interface{}:
		b, err := json.MarshalIndent(v.Export(), "", "  ")
		if err == nil {
			return string(b)
		}
	}
	return v.String()
}

func runConsole(ctx context.Context, c *apiClient) error {
	history := filepath.Join(os.TempDir(), "certd_console_history.txt")
	rl, err := readline.NewEx(&readline.Config{
		Prompt:      "certd> ",
		HistoryFile: history,
	})
	if err != nil {
		return fmt.Errorf("readline: %w", err)
	}
	defer rl.Close()

	vm, err := newConsoleVM(ctx, c, rl.Stdout())
	if err != nil {
		return err
	}
	fmt.Fprintln(rl.Stdout(), consoleBanner)
	if v, err := vm.RunString(`health()`); err == nil {
		fmt.Fprintln(rl.Stdout(), render(v))
	} else {
		fmt.Fprintln(rl.Stdout(), "server not reachable:", err)
	}

	for {
		line, err := rl.Readline()
		if err != nil {
			return nil
		}
		line = strings.TrimSpace(line)
		switch line {
		case "":
			continue
		case "exit", "quit":
			return nil
		}
		v, err := vm.RunString(line)
		if err != nil {
			fmt.Fprintln(rl.Stdout(), "error:", err)
			continue
		}
		fmt.Fprintln(rl.Stdout(), render(v))
	}
}
