// vaultctl is the admin command line for a private-nas storage root.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/HuiungJang/private-nas-for-mac/internal/auth"
	"github.com/HuiungJang/private-nas-for-mac/internal/config"
	"github.com/HuiungJang/private-nas-for-mac/internal/logging"
	"github.com/HuiungJang/private-nas-for-mac/internal/storage"
	"github.com/HuiungJang/private-nas-for-mac/internal/storage/local"
)

const usage = `
Usage:
   vaultctl [-config FILE] <ACTION> [FLAG] [ARG]

 ACTIONs:  tree  ls  init-config  token

 FLAG(s) are action-specific. You can read the help on any action:
    vaultctl <ACTION> -h

`

func main() {
	logging.InitNop()
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, out, errOut io.Writer) int {
	flags := flag.NewFlagSet("vaultctl", flag.ContinueOnError)
	flags.SetOutput(errOut)
	flags.Usage = func() {
		fmt.Fprint(flags.Output(), usage)
		flags.PrintDefaults()
	}
	configPath := flags.String("config", "", "Path to YAML config file (default: $VAULT_CONFIG)")
	if err := flags.Parse(args); err != nil {
		return 2
	}
	if flags.NArg() == 0 {
		flags.Usage()
		return 2
	}

	cmd := &command{configPath: *configPath, out: out, errOut: errOut}
	var err error
	switch action, rest := flags.Arg(0), flags.Args()[1:]; action {
	case "tree":
		err = cmd.tree(rest)
	case "ls":
		err = cmd.ls(rest)
	case "init-config":
		err = cmd.initConfig(rest)
	case "token":
		err = cmd.token(rest)
	default:
		err = fmt.Errorf("unknown action %q", action)
	}
	switch {
	case err == nil:
		return 0
	case errors.Is(err, flag.ErrHelp):
		return 0
	case errors.Is(err, errUsage):
		return 2
	default:
		fmt.Fprintln(errOut, "error:", err)
		return 1
	}
}

var errUsage = errors.New("usage")

type command struct {
	configPath string
	out        io.Writer
	errOut     io.Writer
}

func (c *command) newFlags(name string) *flag.FlagSet {
	fs := flag.NewFlagSet("vaultctl "+name, flag.ContinueOnError)
	fs.SetOutput(c.errOut)
	return fs
}

func parse(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return err
		}
		return errUsage
	}
	return nil
}

// openStore opens root, or the configured storage root when root is empty.
func (c *command) openStore(root string) (*local.Store, error) {
	if root == "" {
		cfg, err := config.Load(c.configPath)
		if err != nil {
			return nil, err
		}
		return local.New(local.Config{
			RootPath:     cfg.Storage.Root,
			Excludes:     cfg.Storage.Excludes,
			MaxListLimit: cfg.Storage.MaxListLimit,
			Owner:        cfg.Storage.Owner,
		})
	}
	return local.New(local.Config{RootPath: root})
}

func (c *command) tree(args []string) error {
	fs := c.newFlags("tree")
	root := fs.String("root", "", "Storage root (default: from config)")
	depth := fs.Int("depth", 0, "Maximum depth to descend, 0 for unlimited")
	sizes := fs.Bool("sizes", false, "Show file sizes")
	if err := parse(fs, args); err != nil {
		return err
	}
	store, err := c.openStore(*root)
	if err != nil {
		return err
	}
	start := "/"
	if fs.NArg() > 0 {
		start = fs.Arg(0)
	}
	rendered, err := renderTree(context.Background(), store, start, treeOptions{MaxDepth: *depth, Sizes: *sizes})
	if err != nil {
		return err
	}
	fmt.Fprint(c.out, rendered)
	return nil
}

func (c *command) ls(args []string) error {
	fs := c.newFlags("ls")
	root := fs.String("root", "", "Storage root (default: from config)")
	sortFlag := fs.String("sort", "NAME_ASC", "NAME_ASC, NAME_DESC, MODIFIED_ASC or MODIFIED_DESC")
	offset := fs.Int("offset", 0, "Index of the first entry")
	limit := fs.Int("limit", 100, "Page size")
	if err := parse(fs, args); err != nil {
		return err
	}
	sort, err := storage.ParseSortOrder(*sortFlag)
	if err != nil {
		return err
	}
	store, err := c.openStore(*root)
	if err != nil {
		return err
	}
	listing, err := store.List(context.Background(), fs.Arg(0), *offset, *limit, sort)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	for _, e := range listing.Items {
		kind, size := "-", fmt.Sprint(e.Size)
		if e.IsDir {
			kind, size = "d", ""
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", kind, size, e.LastModified.Local().Format(time.DateTime), e.Name)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%d of %d entries in %s\n", len(listing.Items), listing.TotalCount, listing.Path)
	return nil
}

func (c *command) initConfig(args []string) error {
	fs := c.newFlags("init-config")
	outPath := fs.String("out", "config.yaml", "File to write, - for stdout")
	force := fs.Bool("force", false, "Overwrite an existing file")
	if err := parse(fs, args); err != nil {
		return err
	}
	if *outPath == "-" {
		data, err := config.Render(config.Default())
		if err != nil {
			return err
		}
		_, err = c.out.Write(data)
		return err
	}
	if err := config.WriteFile(*outPath, config.Default(), *force); err != nil {
		return err
	}
	fmt.Fprintln(c.out, "wrote", *outPath)
	return nil
}

func (c *command) token(args []string) error {
	fs := c.newFlags("token")
	subject := fs.String("subject", "", "Actor ID to put in the token (required)")
	username := fs.String("username", "", "Display name")
	admin := fs.Bool("admin", false, "Grant administrator access")
	if err := parse(fs, args); err != nil {
		return err
	}
	if *subject == "" {
		fmt.Fprintln(c.errOut, "-subject is required")
		return errUsage
	}
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return err
	}
	if cfg.Auth.Disabled {
		return errors.New("auth.disabled is set, tokens are not checked")
	}
	a, err := auth.New(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
	if err != nil {
		return err
	}
	tok, expires, err := a.IssueToken(*subject, *username, *admin)
	if err != nil {
		return err
	}
	fmt.Fprintln(c.out, tok)
	fmt.Fprintln(c.errOut, "expires", expires.Format(time.RFC3339))
	return nil
}
