// cmd/client is the CLI entry-point built with Cobra.
//
// Usage:
//
//	blazekv-cli set mykey "hello world"   --server localhost:6379
//	blazekv-cli get mykey                 --server localhost:6379
//	blazekv-cli scan user:                --server localhost:6379
//	blazekv-cli repl                      --server localhost:6379
package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/peterh/liner"
	"github.com/spf13/cobra"

	"blazekv/internal/client"
)

var (
	serverAddr string
	timeout    time.Duration
)

func main() {
	root := &cobra.Command{
		Use:   "blazekv-cli",
		Short: "CLI client for the blazekv server",
	}

	root.PersistentFlags().StringVarP(&serverAddr, "server", "s",
		"localhost:6379", "Server address (host:port)")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second,
		"Request timeout")

	root.AddCommand(setCmd(), getCmd(), delCmd(), existsCmd(),
		scanCmd(), statsCmd(), pingCmd(), replCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func dial() (*client.Client, error) {
	return client.Dial(serverAddr, timeout)
}

// ─── set ──────────────────────────────────────────────────────────────────────

func setCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Store a key-value pair",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dial()
			if err != nil {
				return err
			}
			defer c.Close()
			if err := c.Set(args[0], []byte(args[1])); err != nil {
				return err
			}
			fmt.Println("OK")
			return nil
		},
	}
}

// ─── get ──────────────────────────────────────────────────────────────────────

func getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Retrieve a value by key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dial()
			if err != nil {
				return err
			}
			defer c.Close()
			value, err := c.Get(args[0])
			if err == client.ErrNotFound {
				fmt.Printf("key %q not found\n", args[0])
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Println(string(value))
			return nil
		},
	}
}

// ─── del ──────────────────────────────────────────────────────────────────────

func delCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "del <key>",
		Aliases: []string{"delete"},
		Short:   "Delete a key",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dial()
			if err != nil {
				return err
			}
			defer c.Close()
			existed, err := c.Delete(args[0])
			if err != nil {
				return err
			}
			if existed {
				fmt.Printf("deleted %q\n", args[0])
			} else {
				fmt.Printf("key %q not found\n", args[0])
			}
			return nil
		},
	}
}

// ─── exists ───────────────────────────────────────────────────────────────────

func existsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "exists <key>",
		Short: "Check whether a key exists",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dial()
			if err != nil {
				return err
			}
			defer c.Close()
			ok, err := c.Exists(args[0])
			if err != nil {
				return err
			}
			fmt.Println(ok)
			return nil
		},
	}
}

// ─── scan ─────────────────────────────────────────────────────────────────────

func scanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan [prefix]",
		Short: "List keys, optionally filtered by prefix",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dial()
			if err != nil {
				return err
			}
			defer c.Close()
			prefix := ""
			if len(args) == 1 {
				prefix = args[0]
			}
			keys, err := c.Scan(prefix)
			if err != nil {
				return err
			}
			for _, key := range keys {
				fmt.Println(key)
			}
			fmt.Printf("(%d keys)\n", len(keys))
			return nil
		},
	}
}

// ─── stats ────────────────────────────────────────────────────────────────────

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show server statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dial()
			if err != nil {
				return err
			}
			defer c.Close()
			line, err := c.Stats()
			if err != nil {
				return err
			}
			fmt.Println(line)
			return nil
		},
	}
}

// ─── ping ─────────────────────────────────────────────────────────────────────

func pingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check server liveness",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dial()
			if err != nil {
				return err
			}
			defer c.Close()
			start := time.Now()
			if err := c.Ping(); err != nil {
				return err
			}
			fmt.Printf("PONG (%s)\n", time.Since(start).Round(time.Microsecond))
			return nil
		},
	}
}

// ─── repl ─────────────────────────────────────────────────────────────────────

func replCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "repl",
		Short: "Interactive shell speaking the wire protocol directly",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dial()
			if err != nil {
				return err
			}
			defer c.Close()

			line := liner.NewLiner()
			defer line.Close()
			line.SetCtrlCAborts(true)

			fmt.Printf("connected to %s; type QUIT to leave\n", serverAddr)
			for {
				input, err := line.Prompt("blazekv> ")
				if err != nil {
					// Ctrl-C / Ctrl-D both end the session.
					fmt.Println()
					return nil
				}
				input = strings.TrimSpace(input)
				if input == "" {
					continue
				}
				if strings.EqualFold(input, "quit") || strings.EqualFold(input, "exit") {
					return nil
				}
				line.AppendHistory(input)

				lines, err := c.Do(input)
				if err != nil {
					return fmt.Errorf("connection lost: %w", err)
				}
				for _, l := range lines {
					fmt.Println(l)
				}
			}
		},
	}
}
