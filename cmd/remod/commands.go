package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/zclconf/go-cty/cty"

	"github.com/infracollect/remod"
	"github.com/infracollect/remod/resolve"
)

// targetFlags are shared by commands that resolve a target.
type targetFlags struct {
	entry      string
	force      bool
	singleFile bool
}

func (f *targetFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.entry, "entry", "e", "", "attribute of the module to resolve")
	cmd.Flags().BoolVarP(&f.force, "force", "f", false, "ignore the cache and fetch again")
	cmd.Flags().BoolVarP(&f.singleFile, "single-file", "s", false, "fetch only the named file")
}

func (f *targetFlags) target(args []string) remod.Target {
	t := remod.Target{
		Locator:      args[0],
		Entry:        f.entry,
		ForceRefresh: f.force,
		SingleFile:   f.singleFile,
	}
	if len(args) > 1 {
		t.Filename = args[1]
	}
	return t
}

func newLoadCmd(a *app) *cobra.Command {
	var (
		flags   targetFlags
		rawArgs []string
	)

	cmd := &cobra.Command{
		Use:   "load LOCATOR [FILENAME]",
		Short: "Resolve a module and print it, an attribute, or a call result",
		Long: `Resolve a module and print the result as JSON.

Without --entry the module's attributes are listed. A data attribute is
printed as is. A function attribute is called with the --arg values, each
given as a JSON document.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			callArgs := make([]cty.Value, 0, len(rawArgs))
			for i, raw := range rawArgs {
				v, err := resolve.ParseJSON([]byte(raw))
				if err != nil {
					return fmt.Errorf("argument %d: %w", i+1, err)
				}
				callArgs = append(callArgs, v)
			}

			client, err := a.client(cmd)
			if err != nil {
				return err
			}
			defer client.Close()

			h, err := client.Load(cmd.Context(), flags.target(args))
			if err != nil {
				return err
			}
			defer h.Close()

			out, err := evaluate(cmd, h, callArgs)
			if err != nil {
				return err
			}
			data, err := resolve.MarshalJSON(out)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().StringArrayVarP(&rawArgs, "arg", "a", nil, "call argument as JSON (repeatable)")
	return cmd
}

// evaluate turns a handle into a printable value.
func evaluate(cmd *cobra.Command, h *resolve.Handle, args []cty.Value) (cty.Value, error) {
	if h.Kind() == resolve.KindModule {
		if len(args) > 0 {
			return cty.NilVal, errors.New("--arg needs --entry naming a function")
		}
		names := h.Module().Attributes()
		vals := make([]cty.Value, 0, len(names))
		for _, name := range names {
			vals = append(vals, cty.StringVal(name))
		}
		return cty.TupleVal(vals), nil
	}

	v, _ := h.Value()
	if v.Callable() {
		return h.Call(cmd.Context(), args...)
	}
	if len(args) > 0 {
		return cty.NilVal, fmt.Errorf("%s is not callable", v.Name())
	}
	return h.Data(cmd.Context())
}

func newDocCmd(a *app) *cobra.Command {
	var flags targetFlags

	cmd := &cobra.Command{
		Use:   "doc LOCATOR [FILENAME]",
		Short: "Print the documentation of a module or attribute",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.client(cmd)
			if err != nil {
				return err
			}
			defer client.Close()

			doc, err := client.Doc(cmd.Context(), flags.target(args))
			if err != nil {
				return err
			}
			if doc != "" {
				fmt.Fprintln(cmd.OutOrStdout(), strings.TrimRight(doc, "\n"))
			}
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

func newDeleteCmd(a *app) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "delete [LOCATOR]",
		Short: "Remove cached entries of a repository, or the whole cache with --all",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && !all {
				return errors.New("give a locator or --all")
			}
			if len(args) == 1 && all {
				return errors.New("a locator and --all are mutually exclusive")
			}

			client, err := a.client(cmd)
			if err != nil {
				return err
			}
			defer client.Close()

			loc := ""
			if len(args) == 1 {
				loc = args[0]
			}
			return client.DeleteCache(cmd.Context(), loc)
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "remove the whole cache")
	return cmd
}

func newLatestCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "latest LOCATOR",
		Short: "Print the SHA of the newest commit on the locator's ref",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.client(cmd)
			if err != nil {
				return err
			}
			defer client.Close()

			sha, err := client.LatestCommit(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), sha)
			return nil
		},
	}
}

func newPathCmd(a *app) *cobra.Command {
	var singleFile, check bool

	cmd := &cobra.Command{
		Use:   "path LOCATOR [FILENAME]",
		Short: "Print where a target is cached",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.client(cmd)
			if err != nil {
				return err
			}
			defer client.Close()

			t := remod.Target{Locator: args[0], SingleFile: singleFile}
			if len(args) > 1 {
				t.Filename = args[1]
			}
			path, err := client.CachePath(t)
			if err != nil {
				return err
			}
			if check {
				ok, err := client.Cached(cmd.Context(), t)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("%s is not cached", path)
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&singleFile, "single-file", "s", false, "print the single-file entry")
	cmd.Flags().BoolVar(&check, "check", false, "fail unless the entry has been fetched")
	return cmd
}
