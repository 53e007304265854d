package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/marmos91/dittosdb/pkg/client"
	"github.com/marmos91/dittosdb/pkg/principal"
	"github.com/marmos91/dittosdb/pkg/quota"
	"github.com/spf13/cobra"
)

// chunkSize bounds a single write or read request issued by put and get.
const chunkSize = 1 << 20

var (
	dbAddr        string
	dbOrigin      string
	dbPersistence string
	dbTimeout     time.Duration
	dbOffset      uint64
	dbSize        uint64
)

var putCmd = &cobra.Command{
	Use:   "put <name> [file]",
	Short: "Write a file into a database",
	Long: `Open a database on a running server and write the contents of file, or
of standard input when file is omitted or "-", starting at --offset.

Examples:
  dittosdb put notes notes.txt --origin https://example.com
  echo hello | dittosdb put greeting --persistence temporary`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runPut,
}

var getCmd = &cobra.Command{
	Use:   "get <name>",
	Short: "Read a database to standard output",
	Long: `Open a database on a running server and copy --size bytes starting at
--offset to standard output. Without --size the read stops at the end of
the database.

Examples:
  dittosdb get notes --origin https://example.com > notes.txt
  dittosdb get notes --offset 128 --size 64`,
	Args: cobra.ExactArgs(1),
	RunE: runGet,
}

func init() {
	for _, cmd := range []*cobra.Command{putCmd, getCmd} {
		cmd.Flags().StringVar(&dbAddr, "addr", "localhost:4242", "SDB adapter address")
		cmd.Flags().StringVar(&dbOrigin, "origin", principal.ChromeOrigin, `origin URL to act for ("chrome" for system storage)`)
		cmd.Flags().StringVar(&dbPersistence, "persistence", "default", "persistence type (persistent|temporary|default)")
		cmd.Flags().DurationVar(&dbTimeout, "timeout", time.Minute, "overall timeout")
		cmd.Flags().Uint64Var(&dbOffset, "offset", 0, "byte offset to start at")
	}
	getCmd.Flags().Uint64Var(&dbSize, "size", 0, "bytes to read (0 reads to the end)")
}

// openDatabase dials the server and opens name at dbOffset.
func openDatabase(ctx context.Context, name string) (*client.Client, error) {
	persistence, err := quota.ParsePersistenceType(dbPersistence)
	if err != nil {
		return nil, err
	}

	p := principal.Content(dbOrigin)
	if dbOrigin == principal.ChromeOrigin {
		p = principal.System()
	}

	c, err := client.Dial(ctx, dbAddr, client.Options{Persistence: persistence, Principal: p})
	if err != nil {
		return nil, err
	}

	if err := c.Open(ctx, name); err != nil {
		_ = c.Disconnect()
		return nil, fmt.Errorf("open %s: %w", name, err)
	}

	if dbOffset > 0 {
		if err := c.Seek(ctx, dbOffset); err != nil {
			_ = c.Disconnect()
			return nil, fmt.Errorf("seek %s: %w", name, err)
		}
	}

	return c, nil
}

func runPut(cmd *cobra.Command, args []string) error {
	in := cmd.InOrStdin()
	if len(args) == 2 && args[1] != "-" {
		f, err := os.Open(args[1])
		if err != nil {
			return err
		}
		defer func() { _ = f.Close() }()
		in = f
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), dbTimeout)
	defer cancel()

	c, err := openDatabase(ctx, args[0])
	if err != nil {
		return err
	}
	defer func() { _ = c.Disconnect() }()

	var written uint64
	buf := make([]byte, chunkSize)
	for {
		n, readErr := in.Read(buf)
		if n > 0 {
			if err := c.Write(ctx, buf[:n]); err != nil {
				return fmt.Errorf("write %s: %w", args[0], err)
			}
			written += uint64(n)
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return readErr
		}
	}

	if err := c.Close(ctx); err != nil {
		return fmt.Errorf("close %s: %w", args[0], err)
	}

	fmt.Fprintf(cmd.ErrOrStderr(), "Wrote %d bytes to %s\n", written, args[0])
	return nil
}

func runGet(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), dbTimeout)
	defer cancel()

	c, err := openDatabase(ctx, args[0])
	if err != nil {
		return err
	}
	defer func() { _ = c.Disconnect() }()

	out := cmd.OutOrStdout()
	remaining := dbSize
	for dbSize == 0 || remaining > 0 {
		want := uint64(chunkSize)
		if dbSize > 0 && remaining < want {
			want = remaining
		}

		data, err := c.Read(ctx, want)
		if err != nil {
			return fmt.Errorf("read %s: %w", args[0], err)
		}
		if _, err := out.Write(data); err != nil {
			return err
		}

		remaining -= min(remaining, uint64(len(data)))
		if uint64(len(data)) < want {
			break
		}
	}

	return c.Close(ctx)
}
