package main

import (
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/pgaskin/go-adbwire/adb/adbproto/aproto"
	"github.com/pgaskin/go-adbwire/adb/adbproto/syncproto"
	"github.com/pgaskin/go-adbwire/adblib/adbexec"
	"github.com/pgaskin/go-adbwire/adblib/adbnet"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func (a *app) keygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate adbkey if it doesn't exist and print its fingerprint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ks := a.keys()
			var der []byte
			for k, err := range ks.Keys() {
				if err != nil {
					a.log.Warn("failed to load key", "error", err)
					continue
				}
				der = k
				break
			}
			if der == nil {
				k, err := ks.GenerateKey()
				if err != nil {
					return err
				}
				der = k
				a.log.Info("generated key")
			}
			key, err := x509.ParsePKCS8PrivateKey(der)
			if err != nil {
				return err
			}
			rk, ok := key.(*rsa.PrivateKey)
			if !ok {
				return fmt.Errorf("adbkey is not an rsa key")
			}
			pub, err := aproto.NewPublicKey(&rk.PublicKey)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), pub.Fingerprint())
			return nil
		},
	}
}

func (a *app) infoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show the device banner and negotiated features",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dev, err := a.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer dev.Close()

			st := dev.State()
			var feats []string
			for f := range dev.Features() {
				feats = append(feats, string(f))
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 8, 1, ' ', 0)
			fmt.Fprintf(tw, "product:\t%s\n", st.Banner.Product())
			fmt.Fprintf(tw, "model:\t%s\n", st.Banner.Model())
			fmt.Fprintf(tw, "device:\t%s\n", st.Banner.Device())
			fmt.Fprintf(tw, "version:\t%#08x\n", st.ProtocolVersion)
			fmt.Fprintf(tw, "max payload:\t%d\n", st.MaxPayloadSize)
			fmt.Fprintf(tw, "tls:\t%t\n", st.TLS)
			fmt.Fprintf(tw, "features:\t%s\n", strings.Join(feats, ","))
			return tw.Flush()
		},
	}
}

func (a *app) shellCmd() *cobra.Command {
	var (
		noPTY  bool
		legacy bool
	)
	cmd := &cobra.Command{
		Use:   "shell [command...]",
		Short: "Run a command or an interactive shell",
		RunE: func(cmd *cobra.Command, args []string) error {
			dev, err := a.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer dev.Close()

			c := adbexec.ShellContext(cmd.Context(), dev, strings.Join(args, " "))
			c.Legacy = legacy
			if !noPTY && term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd())) {
				if err := c.HostTTY(); err != nil {
					return err
				}
			} else {
				c.PTY = !noPTY && len(args) == 0
				c.Stdin = os.Stdin
				c.Stdout = os.Stdout
				c.Stderr = os.Stderr
			}
			return c.Run()
		},
	}
	cmd.Flags().BoolVarP(&noPTY, "no-pty", "T", false, "don't allocate a pty")
	cmd.Flags().BoolVar(&legacy, "legacy", false, "use the legacy shell protocol")
	return cmd
}

func (a *app) execCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "exec command [args...]",
		Short: "Run a command without a pty, passing binary data through unchanged",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dev, err := a.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer dev.Close()

			c := adbexec.CommandContext(cmd.Context(), dev, args[0], args[1:]...)
			c.Stdin = os.Stdin
			c.Stdout = os.Stdout
			c.Stderr = os.Stderr
			return c.Run()
		},
	}
}

func (a *app) lsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls path",
		Short: "List a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dev, err := a.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer dev.Close()

			sc, err := a.syncClient(dev)
			if err != nil {
				return err
			}
			defer sc.Close()

			es, err := sc.ReadDir(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 8, 1, ' ', tabwriter.AlignRight)
			for _, e := range es {
				if e.Mode == 0 {
					fmt.Fprintf(tw, "?\t?\t?\t %s\t\n", e.Name) // lstat failed on the device
					continue
				}
				fmt.Fprintf(tw, "%s\t%d\t%s\t %s\t\n", e.FileMode(), e.Size, e.Mtime.Format(time.DateTime), e.Name)
			}
			return tw.Flush()
		},
	}
}

func (a *app) statCmd() *cobra.Command {
	var follow bool
	cmd := &cobra.Command{
		Use:   "stat path",
		Short: "Show file information",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dev, err := a.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer dev.Close()

			sc, err := a.syncClient(dev)
			if err != nil {
				return err
			}
			defer sc.Close()

			var e *syncproto.Entry
			if follow {
				e, err = sc.Stat(cmd.Context(), args[0])
			} else {
				e, err = sc.Lstat(cmd.Context(), args[0])
			}
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 8, 1, ' ', 0)
			fmt.Fprintf(tw, "name:\t%s\n", args[0])
			fmt.Fprintf(tw, "mode:\t%s (%#o)\n", e.FileMode(), e.Mode)
			fmt.Fprintf(tw, "size:\t%d\n", e.Size)
			fmt.Fprintf(tw, "mtime:\t%s\n", e.Mtime.Format(time.RFC3339))
			if e.Extended {
				fmt.Fprintf(tw, "atime:\t%s\n", e.Atime.Format(time.RFC3339))
				fmt.Fprintf(tw, "ctime:\t%s\n", e.Ctime.Format(time.RFC3339))
				fmt.Fprintf(tw, "uid/gid:\t%d/%d\n", e.Uid, e.Gid)
				fmt.Fprintf(tw, "dev/ino:\t%d/%d\n", e.Dev, e.Ino)
				fmt.Fprintf(tw, "nlink:\t%d\n", e.Nlink)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVarP(&follow, "follow", "L", false, "follow symlinks (requires stat_v2)")
	return cmd
}

func (a *app) pullCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pull remote [local]",
		Short: "Copy a file from the device",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			remote, local := args[0], path.Base(args[0])
			if len(args) == 2 {
				local = args[1]
			}
			if fi, err := os.Stat(local); err == nil && fi.IsDir() {
				local = filepath.Join(local, path.Base(remote))
			}

			dev, err := a.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer dev.Close()

			sc, err := a.syncClient(dev)
			if err != nil {
				return err
			}
			defer sc.Close()

			e, err := sc.Lstat(cmd.Context(), remote)
			if err != nil {
				return err
			}
			if e.IsDir() {
				return &fs.PathError{Op: "pull", Path: remote, Err: errors.New("is a directory")}
			}

			r, err := sc.Open(cmd.Context(), remote)
			if err != nil {
				return err
			}
			defer r.Close()

			f, err := os.OpenFile(local, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, e.Permission()|0o600)
			if err != nil {
				return err
			}
			start := time.Now()
			n, err := io.Copy(f, r)
			if err != nil {
				f.Close()
				return err
			}
			if err := r.Close(); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
			if err := os.Chtimes(local, time.Time{}, e.Mtime); err != nil {
				a.log.Warn("failed to set mtime", "path", local, "error", err)
			}
			a.log.Info("pulled", "remote", remote, "local", local, "bytes", n, "duration", time.Since(start))
			return nil
		},
	}
}

func (a *app) pushCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "push local remote",
		Short: "Copy a file to the device",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			local, remote := args[0], args[1]

			f, err := os.Open(local)
			if err != nil {
				return err
			}
			defer f.Close()

			fi, err := f.Stat()
			if err != nil {
				return err
			}
			if !fi.Mode().IsRegular() {
				return &fs.PathError{Op: "push", Path: local, Err: errors.New("not a regular file")}
			}

			dev, err := a.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer dev.Close()

			sc, err := a.syncClient(dev)
			if err != nil {
				return err
			}
			defer sc.Close()

			if e, err := sc.Stat(cmd.Context(), remote); err == nil && e.IsDir() {
				remote = path.Join(remote, filepath.Base(local))
			} else if e, err := sc.Lstat(cmd.Context(), remote); err == nil && e.IsDir() {
				remote = path.Join(remote, filepath.Base(local))
			}

			start := time.Now()
			if err := sc.Send(cmd.Context(), remote, f, fi.Mode().Perm(), fi.ModTime()); err != nil {
				return err
			}
			a.log.Info("pushed", "local", local, "remote", remote, "bytes", fi.Size(), "duration", time.Since(start))
			return nil
		},
	}
}

func (a *app) reverseCmd() *cobra.Command {
	var list bool
	cmd := &cobra.Command{
		Use:   "reverse remote local",
		Short: "Forward connections to a device port to a local address until interrupted",
		Long: "Forward connections to remote (e.g., tcp:8080, or tcp:0 to let the device pick) " +
			"on the device to local (host:port) on this machine until interrupted.",
		Args: func(cmd *cobra.Command, args []string) error {
			if list {
				return cobra.NoArgs(cmd, args)
			}
			return cobra.ExactArgs(2)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			dev, err := a.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer dev.Close()

			if list {
				fwds, err := adbnet.ListReverse(cmd.Context(), dev)
				if err != nil {
					return err
				}
				for _, f := range fwds {
					fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", f.Remote, f.Local)
				}
				return nil
			}

			err = adbnet.ServeReverse(cmd.Context(), dev, args[0], "tcp", args[1], func(remote string) {
				fmt.Fprintf(cmd.OutOrStdout(), "forwarding %s to %s\n", remote, args[1])
			})
			if cmd.Context().Err() != nil {
				return nil // interrupted
			}
			return err
		},
	}
	cmd.Flags().BoolVarP(&list, "list", "l", false, "list reverse forwards")
	return cmd
}
