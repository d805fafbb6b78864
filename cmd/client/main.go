// Command client is a thin interactive CLI over pkg/client, exercising
// the same actions the wire protocol names: get, set, delete, clear,
// size, keys. It mirrors the teacher's cmd/kv subcommand-per-verb
// layout.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/relaykv/relaykv/internal/config"
	"github.com/relaykv/relaykv/pkg/client"
)

var rootCmd = &cobra.Command{
	Use:               "client",
	Short:             "Interact with a storage fabric server",
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error { return config.BindFlags(cmd) },
}

func init() {
	cobra.OnInitialize(config.InitEnv)
	config.AddClientFlags(rootCmd)

	rootCmd.AddCommand(getCmd, setCmd, delCmd, clearCmd, sizeCmd, keysCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func connect() (*client.Client, context.Context, context.CancelFunc, error) {
	cfg, err := config.ClientConfigFromViper()
	if err != nil {
		return nil, nil, nil, err
	}

	c := client.New(cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := c.Connect(ctx); err != nil {
		cancel()
		return nil, nil, nil, fmt.Errorf("client: connect: %w", err)
	}
	return c, context.Background(), cancel, nil
}

var getCmd = &cobra.Command{
	Use:  "get <collection> <key>",
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, ctx, cancel, err := connect()
		if err != nil {
			return err
		}
		defer cancel()
		defer c.Close()

		value, found, err := c.Get(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		if !found {
			fmt.Println("null")
			return nil
		}
		fmt.Println(string(value))
		return nil
	},
}

var setCmd = &cobra.Command{
	Use:  "set <collection> <key> <json-value>",
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !json.Valid([]byte(args[2])) {
			return fmt.Errorf("client: value is not valid JSON")
		}
		c, ctx, cancel, err := connect()
		if err != nil {
			return err
		}
		defer cancel()
		defer c.Close()

		return c.Set(ctx, args[0], args[1], json.RawMessage(args[2]))
	},
}

var delCmd = &cobra.Command{
	Use:  "delete <collection> <key>",
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, ctx, cancel, err := connect()
		if err != nil {
			return err
		}
		defer cancel()
		defer c.Close()

		removed, err := c.Delete(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Println(removed)
		return nil
	},
}

var clearCmd = &cobra.Command{
	Use:  "clear [collection]",
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, ctx, cancel, err := connect()
		if err != nil {
			return err
		}
		defer cancel()
		defer c.Close()

		collection := ""
		if len(args) == 1 {
			collection = args[0]
		}
		count, err := c.Clear(ctx, collection)
		if err != nil {
			return err
		}
		fmt.Println(count)
		return nil
	},
}

var sizeCmd = &cobra.Command{
	Use:  "size [collection]",
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, ctx, cancel, err := connect()
		if err != nil {
			return err
		}
		defer cancel()
		defer c.Close()

		collection := ""
		if len(args) == 1 {
			collection = args[0]
		}
		size, err := c.Size(ctx, collection)
		if err != nil {
			return err
		}
		fmt.Println(size)
		return nil
	},
}

var keysCmd = &cobra.Command{
	Use:  "keys <collection>",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, ctx, cancel, err := connect()
		if err != nil {
			return err
		}
		defer cancel()
		defer c.Close()

		keys, err := c.Keys(ctx, args[0])
		if err != nil {
			return err
		}
		for _, k := range keys {
			fmt.Println(k)
		}
		return nil
	},
}
